package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otterhound.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c := Defaults()
	if c.Concurrency != 100 {
		t.Errorf("expected concurrency 100, got %d", c.Concurrency)
	}
	if c.Timeout != 3*time.Second {
		t.Errorf("expected 3s, got %v", c.Timeout)
	}
	if c.TLS != "hinted" {
		t.Errorf("expected hinted, got %s", c.TLS)
	}
	if c.TrustPolicy != "none" {
		t.Errorf("expected none, got %s", c.TrustPolicy)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if got := c.DefaultPorts(); len(got) != 1 || got[0] != 443 {
		t.Errorf("expected default port 443, got %v", got)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
targets:
  - 10.0.0.0/30:22,443
  - tls://mail.example.org:993
exclude:
  - 10.0.0.2
ports: "22,443,8000-8001"
concurrency: 16
timeout: 1500ms
deadline: 2m
tls: all
trustPolicy: system
proxy: socks5://127.0.0.1:1080
checkRevocation: true
`)

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Targets) != 2 || c.Targets[1] != "tls://mail.example.org:993" {
		t.Errorf("unexpected targets %v", c.Targets)
	}
	if c.Concurrency != 16 {
		t.Errorf("expected concurrency 16, got %d", c.Concurrency)
	}
	if c.Timeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", c.Timeout)
	}
	if c.Deadline != 2*time.Minute {
		t.Errorf("expected 2m, got %v", c.Deadline)
	}
	if !c.CheckRevocation {
		t.Error("expected checkRevocation")
	}
	if got := c.DefaultPorts(); len(got) != 4 {
		t.Errorf("expected 4 default ports, got %v", got)
	}
	// defaults still apply for unset fields
	if c.MaxTargets != Defaults().MaxTargets {
		t.Errorf("expected default maxTargets, got %d", c.MaxTargets)
	}
}

func TestLoadServeSettings(t *testing.T) {
	path := writeConfig(t, `
targets: [10.0.0.1:22]
listen: 127.0.0.1:9090
interval: 5m
notifications:
  enabled: true
  cooldown: 30m
  kinds: [STATUS_CHANGED, CERT_CHANGED]
  webhooks:
    - url: https://hooks.slack.com/services/T/B/X
      type: slack
    - url: http://grafana:3000
      type: grafana
      dashboardUID: net
      apiKey: secret
`)

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != "127.0.0.1:9090" || c.Interval != 5*time.Minute {
		t.Errorf("unexpected serve settings: listen=%q interval=%v", c.Listen, c.Interval)
	}
	n := c.Notifications
	if !n.Enabled || n.Cooldown != 30*time.Minute || len(n.Kinds) != 2 {
		t.Errorf("unexpected notification settings: %+v", n)
	}
	if len(n.Webhooks) != 2 || n.Webhooks[1].DashboardUID != "net" || n.Webhooks[1].APIKey != "secret" {
		t.Errorf("unexpected webhooks: %+v", n.Webhooks)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadMalformed(t *testing.T) {
	if _, err := Load(writeConfig(t, "targets: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: "concurrency"},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, wantErr: "timeout"},
		{name: "negative deadline", mutate: func(c *Config) { c.Deadline = -time.Second }, wantErr: "deadline"},
		{name: "deadline below timeout", mutate: func(c *Config) { c.Deadline = time.Second }, wantErr: "shorter than timeout"},
		{name: "bad ports", mutate: func(c *Config) { c.Ports = "80-22" }, wantErr: "ports"},
		{name: "unknown tls mode", mutate: func(c *Config) { c.TLS = "maybe" }, wantErr: "TLS mode"},
		{name: "unknown policy", mutate: func(c *Config) { c.TrustPolicy = "strict" }, wantErr: "trust policy"},
		{name: "bundle without system", mutate: func(c *Config) { c.CABundle = "/etc/ca.pem" }, wantErr: "caBundle"},
		{name: "http proxy", mutate: func(c *Config) { c.Proxy = "http://proxy:3128" }, wantErr: "socks5"},
		{name: "proxy without host", mutate: func(c *Config) { c.Proxy = "socks5://" }, wantErr: "no host"},
		{name: "negative interval", mutate: func(c *Config) { c.Interval = -time.Minute }, wantErr: "interval"},
		{name: "webhook without url", mutate: func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{Type: WebhookSlack}}
		}, wantErr: "url is required"},
		{name: "unknown webhook type", mutate: func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{URL: "http://hook", Type: "pager"}}
		}, wantErr: "unknown type"},
		{name: "grafana webhook ok", mutate: func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{URL: "http://grafana:3000", Type: WebhookGrafana}}
		}},
		{name: "empty ports ok", mutate: func(c *Config) { c.Ports = "" }},
		{name: "deadline ok", mutate: func(c *Config) { c.Deadline = time.Minute }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
