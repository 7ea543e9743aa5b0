package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvPrefix+"LISTEN_ADDR", "")
	t.Setenv(EnvPrefix+"DB_PATH", "")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DB.Driver != DriverSQLite {
		t.Errorf("DB.Driver = %q, want %q", cfg.DB.Driver, DriverSQLite)
	}
	if cfg.DB.Path != defaultDBPath {
		t.Errorf("DB.Path = %q, want %q", cfg.DB.Path, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Engine.Workers != defaultWorkers || cfg.Engine.QueueSize != defaultQueueSize {
		t.Errorf("Engine = %d workers / %d slots, want %d / %d",
			cfg.Engine.Workers, cfg.Engine.QueueSize, defaultWorkers, defaultQueueSize)
	}
	if cfg.Engine.QueryTimeout != defaultTimeout {
		t.Errorf("QueryTimeout = %v, want %v", cfg.Engine.QueryTimeout, defaultTimeout)
	}
	if !cfg.Engine.RecoverOnStart {
		t.Error("RecoverOnStart should default to true")
	}
	if cfg.Backends.MaxBodyBytes != 16<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.Backends.MaxBodyBytes, 16<<20)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"LISTEN_ADDR", ":9090")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"DB_DRIVER", "Postgres")
	t.Setenv(EnvPrefix+"DB_DSN", "postgres://asyncq@localhost/asyncq")
	t.Setenv(EnvPrefix+"ENGINE_WORKERS", "8")
	t.Setenv(EnvPrefix+"ENGINE_QUERY_TIMEOUT", "5s")
	t.Setenv(EnvPrefix+"REDIS_ADDR", "localhost:6379")
	t.Setenv(EnvPrefix+"BACKEND_SCOPES", "read,query")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.DB.Driver != DriverPostgres {
		t.Errorf("DB.Driver = %q, want %q", cfg.DB.Driver, DriverPostgres)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Engine.Workers)
	}
	if cfg.Engine.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %v, want 5s", cfg.Engine.QueryTimeout)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if len(cfg.Backends.Scopes) != 2 || cfg.Backends.Scopes[1] != "query" {
		t.Errorf("Scopes = %v, want [read query]", cfg.Backends.Scopes)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	key := EnvPrefix + "BACKEND_GRAPHQL_URL"
	t.Setenv(key, "")
	os.Unsetenv(key)

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte(key+"=http://graphql.local/query\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backends.GraphQLURL != "http://graphql.local/query" {
		t.Errorf("GraphQLURL = %q", cfg.Backends.GraphQLURL)
	}
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	t.Setenv(EnvPrefix+"DB_DRIVER", "postgres")
	t.Setenv(EnvPrefix+"DB_DSN", "")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("Load should fail without a DSN for postgres")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite", Config{DB: DBConfig{Driver: DriverSQLite}}, false},
		{"postgres with dsn", Config{DB: DBConfig{Driver: DriverPostgres, DSN: "postgres://x"}}, false},
		{"postgres without dsn", Config{DB: DBConfig{Driver: DriverPostgres}}, true},
		{"unknown driver", Config{DB: DBConfig{Driver: "mysql"}}, true},
		{"token url without client", Config{
			DB:       DBConfig{Driver: DriverSQLite},
			Backends: BackendConfig{TokenURL: "http://auth/token"},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	cfg := Config{
		LogLevelRaw: "WARN",
		DB:          DBConfig{Driver: " SQLite "},
		Engine: EngineConfig{
			Workers:      -1,
			QueueSize:    8,
			QueryTimeout: -time.Second,
			PollBatch:    100,
		},
	}
	cfg.Sanitize()

	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want WARN", cfg.LogLevel)
	}
	if cfg.DB.Driver != DriverSQLite {
		t.Errorf("Driver = %q, want %q", cfg.DB.Driver, DriverSQLite)
	}
	if cfg.Engine.Workers != defaultWorkers {
		t.Errorf("Workers = %d, want %d", cfg.Engine.Workers, defaultWorkers)
	}
	if cfg.Engine.QueryTimeout != defaultTimeout {
		t.Errorf("QueryTimeout = %v, want %v", cfg.Engine.QueryTimeout, defaultTimeout)
	}
	if cfg.Engine.PollBatch != 8 {
		t.Errorf("PollBatch = %d, want it capped at the queue size 8", cfg.Engine.PollBatch)
	}
	if cfg.Engine.PollInterval != defaultPoll {
		t.Errorf("PollInterval = %v, want %v", cfg.Engine.PollInterval, defaultPoll)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "query_id", "q1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["query_id"] != "q1" {
		t.Errorf("query_id = %v, want %q", entry["query_id"], "q1")
	}
}
