// Package config provides configuration parsing and validation for the
// sentinel service.
package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultKeywords is the default critical keyword list, matched
// case-insensitively as substrings against complaint narratives.
var DefaultKeywords = []string{
	"fraud", "unauthorized", "breach", "hack", "lawsuit", "CFPB", "BBB",
	"attorney general", "class action", "regulator", "escalate",
}

// Config holds all configuration parameters for the sentinel service.
type Config struct {
	ComplaintsDSN string
	AuditDSN      string
	RedisAddr     string
	KafkaBrokers  string
	AlertsTopic   string
	SlackWebhook  string
	HTTPAddr      string

	CycleInterval        time.Duration
	WatchdogInterval     time.Duration
	StatusUpdateInterval time.Duration

	Keywords string // comma-separated override of DefaultKeywords

	ChannelWarnRatio     float64
	ChannelCriticalRatio float64
	AutoSilenceThreshold int
	AutoSilenceWindow    time.Duration

	// Manual baselines applied during cold start. ManualVolumeMean < 0
	// means unset.
	ManualVolumeMean   float64
	ManualVolumeStdDev float64

	DataSource string
}

// Validate checks that all required configuration fields are set and have
// valid values.
func (c *Config) Validate() error {
	if c.ComplaintsDSN == "" {
		return fmt.Errorf("complaints-dsn cannot be empty")
	}
	if c.AuditDSN == "" {
		return fmt.Errorf("audit-dsn cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.AlertsTopic == "" {
		return fmt.Errorf("alerts-topic cannot be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http-addr cannot be empty")
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("cycle-interval must be > 0")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog-interval must be > 0")
	}
	if c.WatchdogInterval >= c.CycleInterval {
		return fmt.Errorf("watchdog-interval must be shorter than cycle-interval")
	}
	if c.StatusUpdateInterval <= 0 {
		return fmt.Errorf("status-update-interval must be > 0")
	}
	if c.ChannelWarnRatio <= 1 {
		return fmt.Errorf("channel-warn-ratio must be > 1")
	}
	if c.ChannelCriticalRatio <= c.ChannelWarnRatio {
		return fmt.Errorf("channel-critical-ratio must be > channel-warn-ratio")
	}
	if c.AutoSilenceThreshold < 0 {
		return fmt.Errorf("auto-silence-threshold cannot be negative")
	}
	if c.AutoSilenceWindow <= 0 {
		return fmt.Errorf("auto-silence-window must be > 0")
	}
	return nil
}

// KeywordList returns the configured keywords, falling back to the
// documented defaults.
func (c *Config) KeywordList() []string {
	if strings.TrimSpace(c.Keywords) == "" {
		return DefaultKeywords
	}
	parts := strings.Split(c.Keywords, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if kw := strings.TrimSpace(p); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
