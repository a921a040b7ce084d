package top

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentwire-ai/agentwire/internal/governor"
	"github.com/agentwire-ai/agentwire/internal/store"
)

// client polls the gateway's HTTP API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) fetchStats(ctx context.Context) (governor.ResourceStats, error) {
	var stats governor.ResourceStats
	err := c.get(ctx, "/api/stats", &stats)
	return stats, err
}

func (c *client) fetchAudit(ctx context.Context, limit int) ([]store.AuditEvent, error) {
	var events []store.AuditEvent
	err := c.get(ctx, fmt.Sprintf("/api/admin/audit?limit=%d", limit), &events)
	return events, err
}
