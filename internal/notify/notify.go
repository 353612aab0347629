// Package notify sends webhook notifications when a scan drifts from the
// previous one.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/otterhound/internal/config"
	"github.com/ppiankov/otterhound/internal/drift"
)

const (
	httpTimeout     = 10 * time.Second
	defaultCooldown = time.Hour
)

// Notifier delivers drift changes to webhooks. A change for the same target
// and kind is sent at most once per cooldown.
type Notifier struct {
	kinds    map[string]bool
	sent     map[string]time.Time
	client   *http.Client
	nowFn    func() time.Time
	webhooks []config.WebhookConfig
	cooldown time.Duration
	mu       sync.Mutex
}

// New creates a Notifier from notification config. Returns nil if not enabled or no webhooks.
func New(cfg config.NotificationConfig) *Notifier {
	if !cfg.Enabled || len(cfg.Webhooks) == 0 {
		return nil
	}

	var kinds map[string]bool
	if len(cfg.Kinds) > 0 {
		kinds = make(map[string]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			kinds[strings.ToUpper(k)] = true
		}
	}

	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = defaultCooldown
	}

	return &Notifier{
		webhooks: cfg.Webhooks,
		kinds:    kinds,
		cooldown: cooldown,
		sent:     make(map[string]time.Time),
		client:   &http.Client{Timeout: httpTimeout},
		nowFn:    time.Now,
	}
}

func changeKey(c *drift.Change) string {
	return c.Kind + "/" + c.Target
}

// Notify filters changes by kind and cooldown and sends the rest to every
// webhook. Returns the changes that were sent.
func (n *Notifier) Notify(ctx context.Context, changes []drift.Change) []drift.Change {
	now := n.nowFn()

	var pending []drift.Change
	n.mu.Lock()
	for i := range changes {
		c := &changes[i]
		if n.kinds != nil && !n.kinds[c.Kind] {
			continue
		}
		key := changeKey(c)
		if last, ok := n.sent[key]; ok && now.Sub(last) < n.cooldown {
			continue
		}
		n.sent[key] = now
		pending = append(pending, *c)
	}
	n.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	for i := range n.webhooks {
		wh := &n.webhooks[i]
		switch wh.Type {
		case config.WebhookSlack:
			n.sendSlack(ctx, wh.URL, pending, now)
		case config.WebhookGrafana:
			n.sendGrafana(ctx, wh, pending, now)
		default:
			n.sendGeneric(ctx, wh.URL, pending, now)
		}
	}
	return pending
}

// GenericPayload is the JSON body sent to generic webhooks.
type GenericPayload struct {
	Timestamp time.Time      `json:"timestamp"`
	Summary   string         `json:"summary"`
	Changes   []drift.Change `json:"changes"`
}

func (n *Notifier) sendGeneric(ctx context.Context, webhookURL string, changes []drift.Change, now time.Time) {
	body, err := json.Marshal(GenericPayload{
		Timestamp: now.UTC(),
		Summary:   buildSummary(changes),
		Changes:   changes,
	})
	if err != nil {
		slog.Warn("notification: marshal error", "err", err)
		return
	}
	n.post(ctx, webhookURL, body, nil)
}

// SlackPayload is the JSON body sent to Slack incoming webhooks.
type SlackPayload struct {
	Blocks []SlackBlock `json:"blocks"`
}

// SlackBlock is a Slack Block Kit block.
type SlackBlock struct {
	Text *SlackText `json:"text,omitempty"`
	Type string     `json:"type"`
}

// SlackText is a Slack text element.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) sendSlack(ctx context.Context, webhookURL string, changes []drift.Change, now time.Time) {
	blocks := []SlackBlock{{
		Type: "header",
		Text: &SlackText{Type: "plain_text", Text: "otterhound: " + buildSummary(changes)},
	}}
	for i := range changes {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{Type: "mrkdwn", Text: slackLine(&changes[i])},
		})
	}
	blocks = append(blocks, SlackBlock{
		Type: "context",
		Text: &SlackText{Type: "mrkdwn", Text: "Source: otterhound | " + now.UTC().Format(time.RFC3339)},
	})

	body, err := json.Marshal(SlackPayload{Blocks: blocks})
	if err != nil {
		slog.Warn("notification: slack marshal error", "err", err)
		return
	}
	n.post(ctx, webhookURL, body, nil)
}

func slackLine(c *drift.Change) string {
	switch {
	case c.Before == "":
		return fmt.Sprintf("[%s] `%s` %s", c.Kind, c.Target, c.After)
	case c.After == "":
		return fmt.Sprintf("[%s] `%s` was %s", c.Kind, c.Target, c.Before)
	default:
		return fmt.Sprintf("[%s] `%s` %s -> %s", c.Kind, c.Target, c.Before, c.After)
	}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, header http.Header) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("notification: request error", "url", url, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification: webhook delivery failed", "url", url, "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		slog.Warn("notification: webhook returned non-2xx", "url", url, "status", resp.StatusCode)
	}
}

// buildSummary counts changes per kind, e.g. "2 STATUS_CHANGED, 1 TARGET_NEW".
func buildSummary(changes []drift.Change) string {
	counts := make(map[string]int)
	for i := range changes {
		counts[changes[i].Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if counts[kinds[i]] != counts[kinds[j]] {
			return counts[kinds[i]] > counts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%d %s", counts[k], k)
	}
	return strings.Join(parts, ", ")
}
