package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		ComplaintsDSN:        "postgres://localhost/complaints?sslmode=disable",
		AuditDSN:             "postgres://localhost/audit?sslmode=disable",
		RedisAddr:            "localhost:6379",
		KafkaBrokers:         "localhost:9092",
		AlertsTopic:          "complaint-alerts",
		HTTPAddr:             ":8080",
		CycleInterval:        15 * time.Minute,
		WatchdogInterval:     5 * time.Minute,
		StatusUpdateInterval: 30 * time.Minute,
		ChannelWarnRatio:     1.5,
		ChannelCriticalRatio: 2.5,
		AutoSilenceThreshold: 3,
		AutoSilenceWindow:    24 * time.Hour,
		ManualVolumeMean:     -1,
		DataSource:           "complaints-db",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing complaints dsn", func(c *Config) { c.ComplaintsDSN = "" }, "complaints-dsn"},
		{"missing audit dsn", func(c *Config) { c.AuditDSN = "" }, "audit-dsn"},
		{"missing redis addr", func(c *Config) { c.RedisAddr = "" }, "redis-addr"},
		{"missing kafka brokers", func(c *Config) { c.KafkaBrokers = "" }, "kafka-brokers"},
		{"missing alerts topic", func(c *Config) { c.AlertsTopic = "" }, "alerts-topic"},
		{"missing http addr", func(c *Config) { c.HTTPAddr = "" }, "http-addr"},
		{"zero cycle interval", func(c *Config) { c.CycleInterval = 0 }, "cycle-interval"},
		{"zero watchdog interval", func(c *Config) { c.WatchdogInterval = 0 }, "watchdog-interval"},
		{
			"watchdog slower than cycle",
			func(c *Config) { c.WatchdogInterval = 20 * time.Minute },
			"watchdog-interval must be shorter",
		},
		{"zero status interval", func(c *Config) { c.StatusUpdateInterval = 0 }, "status-update-interval"},
		{"warn ratio too low", func(c *Config) { c.ChannelWarnRatio = 1.0 }, "channel-warn-ratio"},
		{
			"critical ratio below warn ratio",
			func(c *Config) { c.ChannelCriticalRatio = 1.2 },
			"channel-critical-ratio",
		},
		{"negative auto-silence threshold", func(c *Config) { c.AutoSilenceThreshold = -1 }, "auto-silence-threshold"},
		{"zero auto-silence window", func(c *Config) { c.AutoSilenceWindow = 0 }, "auto-silence-window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAllowsZeroAutoSilenceThreshold(t *testing.T) {
	// Threshold 0 disables auto-silence rather than failing validation.
	cfg := validConfig()
	cfg.AutoSilenceThreshold = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestKeywordListDefaults(t *testing.T) {
	cfg := validConfig()
	got := cfg.KeywordList()
	if len(got) != len(DefaultKeywords) {
		t.Fatalf("len = %d, want %d", len(got), len(DefaultKeywords))
	}
	if got[0] != "fraud" {
		t.Errorf("first keyword = %q, want fraud", got[0])
	}
}

func TestKeywordListOverride(t *testing.T) {
	cfg := validConfig()
	cfg.Keywords = " chargeback, ombudsman ,, refund denied "

	got := cfg.KeywordList()
	want := []string{"chargeback", "ombudsman", "refund denied"}
	if len(got) != len(want) {
		t.Fatalf("KeywordList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("KeywordList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestKeywordListBlankOverrideFallsBack(t *testing.T) {
	cfg := validConfig()
	cfg.Keywords = "   "
	if got := cfg.KeywordList(); len(got) != len(DefaultKeywords) {
		t.Errorf("blank override should fall back to defaults, got %v", got)
	}
}
