// Package config loads the per-service YAML configuration, expanding
// ${VAR} / ${VAR:-default} environment references before unmarshal — in
// the style of the teacher's guards/providers loaders (read file, then
// yaml.Unmarshal into a struct), extended with the substitution step §6
// requires and this corpus otherwise lacks.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RESTEndpoint describes one exchange REST surface C4 pulls from.
type RESTEndpoint struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// StreamEndpoint describes the exchange streaming surface C5 connects to.
type StreamEndpoint struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// RetryConfig maps directly onto circuit.RetryPolicy / circuit.Config.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialDelayMS   int     `yaml:"initial_delay_ms"`
	Multiplier       float64 `yaml:"multiplier"`
	MaxDelayMS       int     `yaml:"max_delay_ms"`
	FailureThreshold int     `yaml:"failure_threshold"`
	SuccessThreshold int     `yaml:"success_threshold"`
	RecoveryTimeoutS int     `yaml:"recovery_timeout_s"`
	RequestTimeoutS  int     `yaml:"request_timeout_s"`
}

func (r RetryConfig) InitialDelay() time.Duration { return time.Duration(r.InitialDelayMS) * time.Millisecond }
func (r RetryConfig) MaxDelay() time.Duration     { return time.Duration(r.MaxDelayMS) * time.Millisecond }
func (r RetryConfig) RecoveryTimeout() time.Duration {
	return time.Duration(r.RecoveryTimeoutS) * time.Second
}
func (r RetryConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutS) * time.Second
}

// IngestConfig is cmd/ingestd's config: C1-C7 wired together.
type IngestConfig struct {
	Symbols       []string       `yaml:"symbols"`
	REST          RESTEndpoint   `yaml:"rest"`
	Stream        StreamEndpoint `yaml:"stream"`
	RateLimitRPM  float64        `yaml:"rate_limit_rpm"`
	Retry         RetryConfig    `yaml:"retry"`
	BronzePrefix  string         `yaml:"bronze_prefix"`
	Bucket        string         `yaml:"bucket"`
	Compression   bool           `yaml:"compression"`
	BusStreams    []string       `yaml:"bus_streams"`
	BatchSize     int            `yaml:"batch_size"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	CheckpointDir string         `yaml:"checkpoint_dir"`
	HealthAddr    string         `yaml:"health_addr"`
}

// AggregatorConfig is cmd/aggregatord's config: C8.
type AggregatorConfig struct {
	BusStreams    []string      `yaml:"bus_streams"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisDB       int           `yaml:"redis_db"`
	FeatureTTL    time.Duration `yaml:"feature_ttl"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MinMessages   int           `yaml:"min_messages"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	HealthAddr    string        `yaml:"health_addr"`
}

// ETLConfig is cmd/etld's config: C9.
type ETLConfig struct {
	BronzePrefix   string        `yaml:"bronze_prefix"`
	Bucket         string        `yaml:"bucket"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	CycleInterval  time.Duration `yaml:"cycle_interval"`
	BatchSize      int           `yaml:"batch_size"`
	DerivedFeature bool          `yaml:"derived_features"`
	HealthAddr     string        `yaml:"health_addr"`
}

// Load reads path, expands ${VAR}/${VAR:-default} references against the
// process environment, and unmarshals into out (a pointer to one of the
// structs above).
func Load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// expandEnv resolves ${VAR} and ${VAR:-default} references. os.Expand
// hands the mapping function the whole text inside the braces, so the
// mapping splits off a ":-default" suffix itself.
func expandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		if name, def, ok := strings.Cut(ref, ":-"); ok {
			if v, present := os.LookupEnv(name); present && v != "" {
				return v
			}
			return def
		}
		return os.Getenv(ref)
	})
}
