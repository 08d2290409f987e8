package alert

import (
	"bytes"
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
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func discordColor(l Level) int {
	switch l {
	case LevelCritical:
		return 0xE01E5A
	case LevelWarning:
		return 0xFF6600
	}
	return 0x2EB67D
}

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var links []string
	for _, item := range topItems(n.Items, 5) {
		links = append(links, fmt.Sprintf("• [%s](%s) [%s]", item.Ambassador, item.URL, item.Platform))
	}

	var fields []map[string]any
	for _, f := range n.Fields {
		fields = append(fields, map[string]any{"name": f.Name, "value": f.Value, "inline": true})
	}

	description := n.Body
	if len(links) > 0 {
		description += "\n\n" + strings.Join(links, "\n")
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", levelEmoji(n.Level), n.Title),
		"description": description,
		"color":       discordColor(n.Level),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}

	return nil
}
