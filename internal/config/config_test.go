package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEnvBareVar(t *testing.T) {
	os.Setenv("PIPE_TEST_HOST", "db.internal")
	defer os.Unsetenv("PIPE_TEST_HOST")

	got := expandEnv("postgres://${PIPE_TEST_HOST}:5432/pipe")
	want := "postgres://db.internal:5432/pipe"
	if got != want {
		t.Fatalf("expandEnv() = %q, want %q", got, want)
	}
}

func TestExpandEnvDefaultUsedWhenUnset(t *testing.T) {
	os.Unsetenv("PIPE_TEST_MISSING")
	got := expandEnv("${PIPE_TEST_MISSING:-localhost}")
	if got != "localhost" {
		t.Fatalf("expandEnv() = %q, want %q", got, "localhost")
	}
}

func TestExpandEnvDefaultIgnoredWhenSet(t *testing.T) {
	os.Setenv("PIPE_TEST_MISSING", "set-value")
	defer os.Unsetenv("PIPE_TEST_MISSING")
	got := expandEnv("${PIPE_TEST_MISSING:-localhost}")
	if got != "set-value" {
		t.Fatalf("expandEnv() = %q, want %q", got, "set-value")
	}
}

func TestLoadIngestConfig(t *testing.T) {
	os.Setenv("PIPE_TEST_KEY", "secret123")
	defer os.Unsetenv("PIPE_TEST_KEY")

	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")
	contents := `
symbols: ["BTCUSDT", "ETHUSDT"]
rest:
  base_url: "https://api.example.com"
  api_key: "${PIPE_TEST_KEY}"
rate_limit_rpm: 1200
bronze_prefix: "bronze"
bucket: "market-data"
batch_size: 500
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var cfg IngestConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.REST.APIKey != "secret123" {
		t.Fatalf("APIKey = %q, want %q", cfg.REST.APIKey, "secret123")
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" {
		t.Fatalf("Symbols = %v", cfg.Symbols)
	}
	if cfg.BatchSize != 500 {
		t.Fatalf("BatchSize = %d, want 500", cfg.BatchSize)
	}
}
