package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.RotationConfig.Cooldown() != time.Hour {
		t.Errorf("expected 12 bars of 5m, got %v", cfg.RotationConfig.Cooldown())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "bot.yaml", `
server:
  port: 9090
risk:
  max_position_size: 4
  max_daily_loss: "1500"
session:
  hold_over_weekend: true
  check_interval: 15s
rotation:
  enabled: true
  cooldown_bars: 6
gateway:
  mode: paper
  paper_commission: "1.10"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ServerConfig.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.ServerConfig.Port)
	}
	if cfg.RiskConfig.MaxPositionSize != 4 || !cfg.RiskConfig.MaxDailyLoss.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("risk limits not loaded: %+v", cfg.RiskConfig)
	}
	if !cfg.SessionConfig.HoldOverWeekend || cfg.SessionConfig.CheckInterval != 15*time.Second {
		t.Errorf("session config not loaded: %+v", cfg.SessionConfig)
	}
	if cfg.RotationConfig.Cooldown() != 30*time.Minute {
		t.Errorf("expected 30m cooldown, got %v", cfg.RotationConfig.Cooldown())
	}
	if !cfg.GatewayConfig.PaperCommission.Equal(decimal.RequireFromString("1.10")) {
		t.Errorf("expected paper commission 1.10, got %s", cfg.GatewayConfig.PaperCommission)
	}
	// untouched sections keep their defaults
	if cfg.SessionConfig.MarketClose != "16:00" || cfg.ComplianceConfig.Timezone != "America/New_York" {
		t.Errorf("defaults lost: %+v", cfg.SessionConfig)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "bot.json", `{"compliance": {"approved_contracts": ["ES"]}, "kill_switch": {"path": "/tmp/stop"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ComplianceConfig.ApprovedContracts) != 1 || cfg.KillSwitchConfig.Path != "/tmp/stop" {
		t.Errorf("json not applied: %+v %+v", cfg.ComplianceConfig.ApprovedContracts, cfg.KillSwitchConfig)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "bot.yaml", "server:\n  port: 9090\n")
	t.Setenv("WEB_PORT", "7070")
	t.Setenv("LOG_JSON", "false")
	t.Setenv("COMPLIANCE_STARTING_BALANCE", "100000")
	t.Setenv("SESSION_FLATTEN_ENABLED", "not-a-bool")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerConfig.Port != 7070 {
		t.Errorf("env must win over file, got %d", cfg.ServerConfig.Port)
	}
	if cfg.LoggingConfig.JSONFormat {
		t.Error("LOG_JSON=false not applied")
	}
	if !cfg.ComplianceConfig.StartingBalance.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("starting balance not applied: %s", cfg.ComplianceConfig.StartingBalance)
	}
	if !cfg.SessionConfig.Enabled {
		t.Error("unparseable env value must keep the current value")
	}
}

// ==================== VALIDATION ====================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.ServerConfig.Port = 70000 }, "port"},
		{"short secret", func(c *Config) { c.AuthConfig.JWTSecret = "short" }, "jwt_secret"},
		{"zero position size", func(c *Config) { c.RiskConfig.MaxPositionSize = 0 }, "max_position_size"},
		{"positive hard limit", func(c *Config) { c.ComplianceConfig.HardDailyLossLimit = decimal.NewFromInt(10) }, "compliance"},
		{"unknown gateway", func(c *Config) { c.GatewayConfig.Mode = "sim" }, "gateway mode"},
		{"bad timezone", func(c *Config) { c.SessionConfig.Timezone = "Mars/Base" }, "timezone"},
		{"rotation paths", func(c *Config) {
			c.RotationConfig.Enabled = true
			c.RotationConfig.ManifestPath = ""
		}, "rotation"},
		{"no kill path", func(c *Config) { c.KillSwitchConfig.Path = "" }, "kill_switch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestOrigins(t *testing.T) {
	s := ServerConfig{AllowedOrigins: " http://a , ,http://b"}
	got := s.Origins()
	if len(got) != 2 || got[0] != "http://a" || got[1] != "http://b" {
		t.Errorf("unexpected origins %v", got)
	}
}

func TestGenerateSampleConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	if err := GenerateSampleConfig(path); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("sample must load: %v", err)
	}
	if cfg.SessionConfig.FlattenLead != 5*time.Minute {
		t.Errorf("expected flatten lead preserved, got %v", cfg.SessionConfig.FlattenLead)
	}
}
