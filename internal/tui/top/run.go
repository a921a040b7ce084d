package top

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const pollInterval = 2 * time.Second

// Attach connects to a running gateway over HTTP and displays the dashboard.
// Blocks until the user quits.
func Attach(ctx context.Context, baseURL, token string) error {
	c := newClient(baseURL, token)

	stats, err := c.fetchStats(ctx)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	// Audit needs an admin token; a viewer token still gets the stats panels.
	events, _ := c.fetchAudit(ctx, 100)

	m := NewModel(baseURL, stats, events)
	p := tea.NewProgram(m, tea.WithAltScreen())

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				if s, err := c.fetchStats(pollCtx); err != nil {
					p.Send(ErrMsg{Err: err})
				} else {
					p.Send(StatsUpdateMsg{Stats: s})
				}
				if evts, err := c.fetchAudit(pollCtx, 100); err == nil {
					p.Send(AuditUpdateMsg{Events: evts})
				}
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
