package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentwire-ai/agentwire/internal/tui/top"
)

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live resource dashboard for a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("url")
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = os.Getenv("AGENTWIRE_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("a bearer token is required (--token or AGENTWIRE_TOKEN)")
			}
			return top.Attach(cmd.Context(), baseURL, token)
		},
	}
	cmd.Flags().String("url", "http://localhost:8090", "gateway base URL")
	cmd.Flags().String("token", "", "bearer token (admin role unlocks the audit panel)")
	return cmd
}
