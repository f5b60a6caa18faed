package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{client: newClient(), webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var links []string
	for _, h := range topHighlights(n.Highlights) {
		links = append(links, fmt.Sprintf("• [%s](%s) (%d)", h.Summary, h.URL, h.Score))
	}

	color := 0x2ECC71
	if n.Status == "failed" {
		color = 0xE74C3C
	}

	embed := map[string]any{
		"title": n.Title,
		"description": fmt.Sprintf("**Fetched:** %d | **Signals:** %d | **Errors:** %d\n\n%s\n\n%s",
			n.ItemsFetched, n.SignalsSaved, n.Errors, n.Body, strings.Join(links, "\n")),
		"color":     color,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	return postJSON(ctx, d.client, "discord webhook", d.webhookURL, body, nil)
}
