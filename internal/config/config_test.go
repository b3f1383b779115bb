package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agrimarket/treelot/internal/config"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "valid full config",
			yaml: `
database:
  host: "db.example.com"
  port: 5433
  user: "treelot"
  password: "secret"
  dbname: "treelot"
  sslmode: "require"
  driver: "postgres"
server:
  port: 9090
telemetry:
  service_name: "lots"
  otlp_endpoint: "localhost:4318"
auction:
  min_increment: "500"
  finalize_interval: 5s
  admins: ["staff-1", "staff-2"]
notify:
  buffer_size: 32
  nats:
    url: "nats://localhost:4222"
  redis:
    addr: "localhost:6379"
`,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Port != 5433 {
					t.Errorf("got db port %d, want %d", cfg.Database.Port, 5433)
				}
				if cfg.Server.Port != 9090 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 9090)
				}
				if cfg.Telemetry.ServiceName != "lots" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "lots")
				}
				if cfg.Auction.MinIncrement.String() != "500" {
					t.Errorf("got min increment %s, want 500", cfg.Auction.MinIncrement)
				}
				if cfg.Auction.FinalizeInterval != 5*time.Second {
					t.Errorf("got finalize interval %s, want 5s", cfg.Auction.FinalizeInterval)
				}
				if len(cfg.Auction.Admins) != 2 {
					t.Errorf("got %d admins, want 2", len(cfg.Auction.Admins))
				}
				if cfg.Notify.BufferSize != 32 {
					t.Errorf("got buffer size %d, want 32", cfg.Notify.BufferSize)
				}
				if cfg.Notify.NATS.Stream != "LOT_EVENTS" {
					t.Errorf("got nats stream %q, want default %q", cfg.Notify.NATS.Stream, "LOT_EVENTS")
				}
			},
		},
		{
			name: "defaults applied",
			yaml: `
server:
  port: 8081
`,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Host != "localhost" {
					t.Errorf("got db host %q, want %q", cfg.Database.Host, "localhost")
				}
				if cfg.Database.Driver != "postgres" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "postgres")
				}
				if cfg.Auction.MinIncrement.IntPart() != 1000 {
					t.Errorf("got min increment %s, want 1000", cfg.Auction.MinIncrement)
				}
				if cfg.Telemetry.ServiceName != "treelotd" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "treelotd")
				}
				if cfg.Telemetry.LogLevel != "info" || cfg.Telemetry.MetricInterval != 30*time.Second {
					t.Errorf("got telemetry %+v, want info level and 30s interval", cfg.Telemetry)
				}
				if cfg.LeaderElection.LeaseName != "treelotd-finalizer" {
					t.Errorf("got lease name %q, want %q", cfg.LeaderElection.LeaseName, "treelotd-finalizer")
				}
			},
		},
		{
			name:    "invalid yaml",
			yaml:    `{{{invalid`,
			wantErr: true,
		},
		{
			name: "mysql driver accepted",
			yaml: `
database:
  driver: "mysql"
`,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Driver != "mysql" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "mysql")
				}
			},
		},
		{
			name: "memory driver accepted",
			yaml: `
database:
  driver: "memory"
`,
		},
		{
			name: "invalid driver rejected",
			yaml: `
database:
  driver: "mongodb"
`,
			wantErr: true,
		},
		{
			name: "negative increment rejected",
			yaml: `
auction:
  min_increment: "-1"
`,
			wantErr: true,
		},
		{
			name: "sub-cent increment rejected",
			yaml: `
auction:
  min_increment: "0.005"
`,
			wantErr: true,
		},
		{
			name: "telemetry and leader overrides",
			yaml: `
telemetry:
  log_level: "debug"
  metric_interval: 10s
leader_election:
  enabled: true
  identity: "sweeper-a"
`,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Telemetry.LogLevel != "debug" {
					t.Errorf("got log level %q, want %q", cfg.Telemetry.LogLevel, "debug")
				}
				if cfg.Telemetry.MetricInterval != 10*time.Second {
					t.Errorf("got metric interval %s, want 10s", cfg.Telemetry.MetricInterval)
				}
				if cfg.LeaderElection.Identity != "sweeper-a" {
					t.Errorf("got identity %q, want %q", cfg.LeaderElection.Identity, "sweeper-a")
				}
			},
		},
		{
			name: "unknown log level rejected",
			yaml: `
telemetry:
  log_level: "verbose"
`,
			wantErr: true,
		},
		{
			name: "zero buffer rejected",
			yaml: `
notify:
  buffer_size: 0
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := config.Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && cfg != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "user",
		Password: "pass",
		DBName:   "testdb",
		SSLMode:  "disable",
	}
	want := "host=localhost port=5432 user=user password=pass dbname=testdb sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
