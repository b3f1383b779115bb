package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Auction        AuctionConfig        `yaml:"auction"`
	Notify         NotifyConfig         `yaml:"notify"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres", "mysql" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
	// MetricInterval is how often metrics are pushed to the collector.
	MetricInterval time.Duration `yaml:"metric_interval"`
	// LogLevel applies to the local JSON logger: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
	// Identity names this replica in the lease. Defaults to POD_NAME or the
	// hostname.
	Identity string `yaml:"identity"`
}

// AuctionConfig holds bidding rules shared by every lot.
type AuctionConfig struct {
	// MinIncrement is the default amount a bid must exceed the current
	// highest other bid by. Lots may carry their own increment.
	MinIncrement     decimal.Decimal `yaml:"min_increment"`
	FinalizeInterval time.Duration   `yaml:"finalize_interval"`
	// Admins lists user ids allowed to reject/cancel bids and cancel any lot.
	Admins []string `yaml:"admins"`
}

// NotifyConfig holds outbound notification settings. Every sink is
// optional; an empty URL/address/webhook disables it.
type NotifyConfig struct {
	BufferSize int           `yaml:"buffer_size"`
	MaxRetries uint          `yaml:"max_retries"`
	NATS       NATSConfig    `yaml:"nats"`
	Redis      RedisConfig   `yaml:"redis"`
	Discord    DiscordConfig `yaml:"discord"`
}

// NATSConfig holds NATS JetStream publisher settings.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// RedisConfig holds Redis Pub/Sub publisher settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DiscordConfig holds the Discord webhook used to announce results.
type DiscordConfig struct {
	WebhookID    string `yaml:"webhook_id"`
	WebhookToken string `yaml:"webhook_token"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns the configuration used for every key the file omits.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "treelotd",
			ServiceVersion: "0.1.0",
			MetricInterval: 30 * time.Second,
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "treelotd-finalizer",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Auction: AuctionConfig{
			MinIncrement:     decimal.NewFromInt(1000),
			FinalizeInterval: 30 * time.Second,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
			MaxRetries: 3,
			NATS:       NATSConfig{Stream: "LOT_EVENTS"},
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\", \"mysql\" or \"memory\"", c.Database.Driver)
	}
	if c.Auction.MinIncrement.IsNegative() {
		return fmt.Errorf("auction.min_increment must not be negative, got %s", c.Auction.MinIncrement)
	}
	if !c.Auction.MinIncrement.Equal(c.Auction.MinIncrement.Truncate(2)) {
		return fmt.Errorf("auction.min_increment must have at most 2 decimal places, got %s", c.Auction.MinIncrement)
	}
	if c.Auction.FinalizeInterval <= 0 {
		return fmt.Errorf("auction.finalize_interval must be positive, got %s", c.Auction.FinalizeInterval)
	}
	if c.Notify.BufferSize < 1 {
		return fmt.Errorf("notify.buffer_size must be at least 1, got %d", c.Notify.BufferSize)
	}
	if c.Telemetry.MetricInterval <= 0 {
		return fmt.Errorf("telemetry.metric_interval must be positive, got %s", c.Telemetry.MetricInterval)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Telemetry.LogLevel)); err != nil {
		return fmt.Errorf("telemetry.log_level: %w", err)
	}
	return nil
}
