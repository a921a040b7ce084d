package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// prompter reads wizard answers line by line. Deliberately forgiving: empty
// input takes the default, unparseable input re-asks.
type prompter struct {
	in  *bufio.Reader
	out io.Writer

	// tty is set when input is a real terminal, enabling hidden secret reads.
	tty *os.File
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = f
	}
	return p
}

func (p *prompter) line() string {
	s, _ := p.in.ReadString('\n')
	return strings.TrimSpace(s)
}

func (p *prompter) ask(label, def string) string {
	if def != "" {
		_, _ = fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		_, _ = fmt.Fprintf(p.out, "%s: ", label)
	}
	if s := p.line(); s != "" {
		return s
	}
	return def
}

// askSecret reads without echo when attached to a terminal; piped input falls
// back to a plain line read.
func (p *prompter) askSecret(label string) string {
	_, _ = fmt.Fprintf(p.out, "%s: ", label)
	if p.tty != nil {
		b, err := term.ReadPassword(int(p.tty.Fd()))
		_, _ = fmt.Fprintln(p.out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

func (p *prompter) askInt(label string, def int) int {
	for {
		raw := p.ask(label, strconv.Itoa(def))
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
		_, _ = fmt.Fprintln(p.out, "  enter a positive number")
	}
}

func (p *prompter) pick(label string, options []string, def int) string {
	_, _ = fmt.Fprintln(p.out, label)
	for i, opt := range options {
		cursor := "  "
		if i == def {
			cursor = "> "
		}
		_, _ = fmt.Fprintf(p.out, "%s%d) %s\n", cursor, i+1, opt)
	}
	for {
		raw := p.ask("Choice", strconv.Itoa(def+1))
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.out, "  enter a number between 1 and %d\n", len(options))
	}
}

func (p *prompter) confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	raw := p.ask(fmt.Sprintf("%s [%s]", label, hint), "")
	if raw == "" {
		return def
	}
	return strings.HasPrefix(strings.ToLower(raw), "y")
}
