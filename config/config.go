package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/database"
	"futures-risk-bot/internal/feed"
	"futures-risk-bot/internal/gateway"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/risk"
	"futures-risk-bot/internal/rotation"
	"futures-risk-bot/internal/session"
	"futures-risk-bot/internal/stuck"
)

type Config struct {
	LoggingConfig    logging.Config            `json:"logging" yaml:"logging"`
	ServerConfig     ServerConfig              `json:"server" yaml:"server"`
	AuthConfig       AuthConfig                `json:"auth" yaml:"auth"`
	DatabaseConfig   database.Config           `json:"database" yaml:"database"`
	RedisConfig      RedisConfig               `json:"redis" yaml:"redis"`
	RiskConfig       risk.Limits               `json:"risk" yaml:"risk"`
	ComplianceConfig compliance.Config         `json:"compliance" yaml:"compliance"`
	GatewayConfig    GatewayConfig             `json:"gateway" yaml:"gateway"`
	ReconcilerConfig position.ReconcilerConfig `json:"reconciler" yaml:"reconciler"`
	EvidenceConfig   EvidenceConfig            `json:"evidence" yaml:"evidence"`
	StuckConfig      stuck.Config              `json:"stuck" yaml:"stuck"`
	SessionConfig    session.Config            `json:"session" yaml:"session"`
	RotationConfig   rotation.Config           `json:"rotation" yaml:"rotation"`
	FeedConfig       feed.Config               `json:"feed" yaml:"feed"`
	KillSwitchConfig KillSwitchConfig          `json:"kill_switch" yaml:"kill_switch"`
	EventBufferSize  int                       `json:"event_buffer_size" yaml:"event_buffer_size"`
	JournalBuffer    int                       `json:"journal_buffer" yaml:"journal_buffer"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Port            int           `json:"port" yaml:"port"`
	Host            string        `json:"host" yaml:"host"`
	AllowedOrigins  string        `json:"allowed_origins" yaml:"allowed_origins"` // comma separated
	ProductionMode  bool          `json:"production_mode" yaml:"production_mode"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Origins splits AllowedOrigins
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// AuthConfig holds operator token configuration. An empty secret disables
// the operator actions on the API.
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenDuration time.Duration `json:"token_duration" yaml:"token_duration"`
}

// RedisConfig holds Redis configuration for durable compliance state
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// GatewayConfig selects the order venue. Only "paper" is built in; a live
// venue is injected by the host.
type GatewayConfig struct {
	Mode            string              `json:"mode" yaml:"mode"` // paper or live
	PaperCommission decimal.Decimal     `json:"paper_commission" yaml:"paper_commission"`
	Guard           gateway.GuardConfig `json:"guard" yaml:"guard"`
}

// EvidenceConfig bounds trade-store lookups and fill confirmation waits
type EvidenceConfig struct {
	SearchTimeout  time.Duration `json:"search_timeout" yaml:"search_timeout"`
	ConfirmTimeout time.Duration `json:"confirm_timeout" yaml:"confirm_timeout"`
}

// KillSwitchConfig holds the emergency stop file location
type KillSwitchConfig struct {
	Path     string        `json:"path" yaml:"path"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		LoggingConfig: logging.Config{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "http://localhost:5173",
			ShutdownTimeout: 10 * time.Second,
		},
		AuthConfig: AuthConfig{
			TokenDuration: 12 * time.Hour,
		},
		DatabaseConfig: database.Config{
			SSLMode:  "disable",
			MaxConns: 10,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		RiskConfig: risk.Limits{
			MaxPositionSize: 10,
			MaxDailyLoss:    decimal.NewFromInt(2400),
			MaxDrawdown:     decimal.NewFromInt(2500),
			AccountBalance:  decimal.NewFromInt(50000),
		},
		ComplianceConfig: compliance.DefaultConfig(),
		GatewayConfig: GatewayConfig{
			Mode:            "paper",
			PaperCommission: decimal.RequireFromString("2.25"),
			Guard:           gateway.DefaultGuardConfig(),
		},
		ReconcilerConfig: position.DefaultReconcilerConfig(),
		EvidenceConfig: EvidenceConfig{
			SearchTimeout:  5 * time.Second,
			ConfirmTimeout: 10 * time.Second,
		},
		StuckConfig:    stuck.DefaultConfig(),
		SessionConfig:  session.DefaultConfig(),
		RotationConfig: rotation.DefaultConfig(),
		FeedConfig:     feed.DefaultConfig(),
		KillSwitchConfig: KillSwitchConfig{
			Path:     "state/KILL_SWITCH",
			Interval: time.Second,
		},
		EventBufferSize: 256,
		JournalBuffer:   1024,
	}
}

// Load reads the file at path over the defaults (JSON, or YAML for .yaml and
// .yml), applies environment overrides and validates the result. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Environment variables take precedence over the file
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Unset variables keep the current value.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION", cfg.ServerConfig.ProductionMode)
	cfg.ServerConfig.ShutdownTimeout = getEnvDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", cfg.AuthConfig.TokenDuration)

	// Database config
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Risk and compliance
	cfg.RiskConfig.AccountBalance = getEnvDecimalOrDefault("RISK_ACCOUNT_BALANCE", cfg.RiskConfig.AccountBalance)
	cfg.ComplianceConfig.StartingBalance = getEnvDecimalOrDefault("COMPLIANCE_STARTING_BALANCE", cfg.ComplianceConfig.StartingBalance)
	cfg.ComplianceConfig.AlertDir = getEnvOrDefault("COMPLIANCE_ALERT_DIR", cfg.ComplianceConfig.AlertDir)

	// Venue and feed
	cfg.GatewayConfig.Mode = getEnvOrDefault("GATEWAY_MODE", cfg.GatewayConfig.Mode)
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)

	// Schedules
	cfg.SessionConfig.Enabled = getEnvBoolOrDefault("SESSION_FLATTEN_ENABLED", cfg.SessionConfig.Enabled)
	cfg.RotationConfig.Enabled = getEnvBoolOrDefault("ROTATION_ENABLED", cfg.RotationConfig.Enabled)
	cfg.RotationConfig.ManifestPath = getEnvOrDefault("ROTATION_MANIFEST", cfg.RotationConfig.ManifestPath)
	cfg.KillSwitchConfig.Path = getEnvOrDefault("KILL_SWITCH_PATH", cfg.KillSwitchConfig.Path)
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	if c.ServerConfig.Enabled && (c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535) {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.ServerConfig.Port))
	}
	if c.AuthConfig.JWTSecret != "" && len(c.AuthConfig.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth jwt_secret must be at least 32 bytes"))
	}
	if c.RiskConfig.MaxPositionSize <= 0 {
		errs = append(errs, errors.New("risk max_position_size must be positive"))
	}
	if err := c.ComplianceConfig.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compliance: %w", err))
	}
	switch c.GatewayConfig.Mode {
	case "paper", "live":
	default:
		errs = append(errs, fmt.Errorf("gateway mode %q must be paper or live", c.GatewayConfig.Mode))
	}
	if _, err := time.LoadLocation(c.SessionConfig.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("session timezone: %w", err))
	}
	if c.RotationConfig.Enabled {
		if c.RotationConfig.ManifestPath == "" || c.RotationConfig.ActiveDir == "" || c.RotationConfig.SelectedPath == "" {
			errs = append(errs, errors.New("rotation requires manifest_path, active_dir and selected_path"))
		}
		if c.RotationConfig.CooldownBars < 0 {
			errs = append(errs, errors.New("rotation cooldown_bars must not be negative"))
		}
	}
	if c.KillSwitchConfig.Path == "" {
		errs = append(errs, errors.New("kill_switch path is required"))
	}

	return errors.Join(errs...)
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, cfg)
	default:
		err = json.Unmarshal(file, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDecimalOrDefault(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults to filename, as YAML or JSON by
// extension
func GenerateSampleConfig(filename string) error {
	cfg := DefaultConfig()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}
