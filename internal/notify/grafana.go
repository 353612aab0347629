package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/otterhound/internal/config"
	"github.com/ppiankov/otterhound/internal/drift"
)

// grafanaAnnotation is the payload for Grafana's POST /api/annotations endpoint.
type grafanaAnnotation struct {
	Text         string   `json:"text"`
	DashboardUID string   `json:"dashboardUID,omitempty"`
	Tags         []string `json:"tags"`
	Time         int64    `json:"time"`
}

func (n *Notifier) sendGrafana(ctx context.Context, wh *config.WebhookConfig, changes []drift.Change, now time.Time) {
	ann := grafanaAnnotation{
		Time:         now.UnixMilli(),
		Tags:         grafanaTags(changes),
		Text:         grafanaText(changes),
		DashboardUID: wh.DashboardUID,
	}
	body, err := json.Marshal(ann)
	if err != nil {
		slog.Warn("notification: grafana marshal error", "err", err)
		return
	}

	var header http.Header
	if wh.APIKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + wh.APIKey}}
	}
	n.post(ctx, strings.TrimRight(wh.URL, "/")+"/api/annotations", body, header)
}

// grafanaTags returns "otterhound" plus each distinct kind, lowercased.
func grafanaTags(changes []drift.Change) []string {
	tags := []string{"otterhound"}
	seen := make(map[string]bool)
	for i := range changes {
		k := strings.ToLower(changes[i].Kind)
		if !seen[k] {
			seen[k] = true
			tags = append(tags, k)
		}
	}
	return tags
}

func grafanaText(changes []drift.Change) string {
	lines := []string{"otterhound: " + buildSummary(changes)}
	for i := range changes {
		lines = append(lines, fmt.Sprintf("- %s", changes[i].String()))
	}
	return strings.Join(lines, "\n")
}
