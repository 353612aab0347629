// Package config loads scan settings from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/otterhound/internal/chain"
	"github.com/ppiankov/otterhound/internal/scan"
	"github.com/ppiankov/otterhound/internal/target"
)

// Config holds otterhound scan configuration. CLI flags override it.
type Config struct {
	Targets     []string      `yaml:"targets"`
	Exclude     []string      `yaml:"exclude"`
	Ports       string        `yaml:"ports"`       // default ports for specs without any
	Timeout     time.Duration `yaml:"timeout"`     // default 3s, per target
	Deadline    time.Duration `yaml:"deadline"`    // 0 = none
	TLS         string        `yaml:"tls"`         // off | hinted | all
	TrustPolicy string        `yaml:"trustPolicy"` // none | chain | system
	CABundle    string        `yaml:"caBundle"`    // PEM roots for trustPolicy system
	SNI         string        `yaml:"sni"`         // server name for IP targets
	Proxy       string        `yaml:"proxy"`       // socks5://host:port
	History     string        `yaml:"history"`     // sqlite path, empty disables
	MetricsFile string        `yaml:"metricsFile"`

	// serve mode
	Listen        string             `yaml:"listen"`
	Interval      time.Duration      `yaml:"interval"`
	Notifications NotificationConfig `yaml:"notifications"`

	Concurrency      int    `yaml:"concurrency"` // default 100
	MaxTargets       int    `yaml:"maxTargets"`
	MaxHostsPerBlock uint64 `yaml:"maxHostsPerBlock"`
	CheckRevocation  bool   `yaml:"checkRevocation"`
}

// NotificationConfig controls webhook delivery of drift changes in serve mode.
type NotificationConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Kinds    []string        `yaml:"kinds"`    // drift kinds to send, empty sends all
	Cooldown time.Duration   `yaml:"cooldown"` // per target and kind, default 1h
	Enabled  bool            `yaml:"enabled"`
}

// WebhookConfig is one notification destination.
type WebhookConfig struct {
	URL          string `yaml:"url"`
	Type         string `yaml:"type"` // generic (default), slack, grafana
	DashboardUID string `yaml:"dashboardUID"`
	APIKey       string `yaml:"apiKey"`
}

// Webhook types.
const (
	WebhookGeneric = "generic"
	WebhookSlack   = "slack"
	WebhookGrafana = "grafana"
)

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Ports:            "443",
		Timeout:          scan.DefaultTimeout,
		TLS:              string(scan.TLSHinted),
		TrustPolicy:      string(chain.PolicyNone),
		Concurrency:      scan.DefaultConcurrency,
		MaxTargets:       target.DefaultMaxTargets,
		MaxHostsPerBlock: target.DefaultMaxHostsPerBlock,
		Listen:           ":8080",
		Interval:         15 * time.Minute,
	}
}

// Load reads a YAML config file and merges it over defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Deadline < 0 {
		return fmt.Errorf("deadline must not be negative, got %s", c.Deadline)
	}
	if c.Deadline > 0 && c.Deadline < c.Timeout {
		return fmt.Errorf("deadline (%s) must not be shorter than timeout (%s)", c.Deadline, c.Timeout)
	}
	if c.MaxTargets < 1 {
		return fmt.Errorf("maxTargets must be at least 1, got %d", c.MaxTargets)
	}
	if c.MaxHostsPerBlock < 1 {
		return fmt.Errorf("maxHostsPerBlock must be at least 1")
	}
	if c.Ports != "" {
		if _, err := target.ParsePorts(c.Ports); err != nil {
			return fmt.Errorf("ports: %w", err)
		}
	}
	if _, err := scan.ParseTLSMode(c.TLS); err != nil {
		return err
	}
	policy, err := chain.ParsePolicy(c.TrustPolicy)
	if err != nil {
		return err
	}
	if c.CABundle != "" && policy != chain.PolicySystem {
		return fmt.Errorf("caBundle requires trustPolicy system, got %s", policy)
	}
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		if u.Scheme != "socks5" && u.Scheme != "socks5h" {
			return fmt.Errorf("proxy scheme must be socks5, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy %q has no host", c.Proxy)
		}
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", c.Interval)
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d]: url is required", i)
		}
		switch wh.Type {
		case "", WebhookGeneric, WebhookSlack, WebhookGrafana:
		default:
			return fmt.Errorf("notifications.webhooks[%d]: unknown type %q", i, wh.Type)
		}
	}
	return nil
}

// DefaultPorts parses Ports. Call after Validate.
func (c *Config) DefaultPorts() []uint16 {
	if c.Ports == "" {
		return nil
	}
	ports, _ := target.ParsePorts(c.Ports)
	return ports
}
