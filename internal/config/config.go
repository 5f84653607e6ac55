// Package config loads engine settings from a closed set of environment
// variables, with an optional YAML file for deployment overrides. Unknown
// environment variables are ignored; unknown YAML keys are an error.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full engine configuration. Durations arrive as
// milliseconds on the wire and are converted once, here.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	DatabaseURL string `yaml:"database_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`

	PubSubProjectID            string `yaml:"pubsub_project_id"`
	PubSubIncidentTopic        string `yaml:"pubsub_incident_topic"`
	PubSubIncidentSubscription string `yaml:"pubsub_incident_subscription"`
	PubSubEscalationTopic      string `yaml:"pubsub_escalation_topic"`

	// EncryptionKey opens server credentials. Exactly 32 bytes; env only.
	EncryptionKey []byte `yaml:"-"`

	SSHConnectionTimeout time.Duration `yaml:"-"`
	SSHKeepaliveInterval time.Duration `yaml:"-"`
	SSHPoolMaxSize       int           `yaml:"ssh_pool_max_size"`
	SSHPoolMaxIdleTime   time.Duration `yaml:"-"`

	MaxFixAttempts int `yaml:"max_fix_attempts"`
	MaxRetries     int `yaml:"max_retries"`

	CooldownWindow        time.Duration `yaml:"-"`
	MaxIncidentsPerWindow int           `yaml:"max_incidents_per_window"`

	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"-"`

	MaxLoopIterations int           `yaml:"max_loop_iterations"`
	MaxLoopDuration   time.Duration `yaml:"-"`
}

func defaults() Config {
	return Config{
		HTTPAddr:                   ":8080",
		PubSubIncidentTopic:        "wp-incidents",
		PubSubIncidentSubscription: "wp-autohealer-engine",
		PubSubEscalationTopic:      "wp-escalations",
		SSHConnectionTimeout:       30 * time.Second,
		SSHKeepaliveInterval:       30 * time.Second,
		SSHPoolMaxSize:             50,
		SSHPoolMaxIdleTime:         5 * time.Minute,
		MaxFixAttempts:             15,
		MaxRetries:                 10,
		CooldownWindow:             10 * time.Minute,
		MaxIncidentsPerWindow:      5,
		CircuitBreakerThreshold:    5,
		CircuitBreakerTimeout:      60 * time.Second,
		MaxLoopIterations:          1000,
		MaxLoopDuration:            5 * time.Minute,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables. Call Validate before
// using the result.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTPAddr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("PUBSUB_PROJECT_ID", &c.PubSubProjectID)
	str("PUBSUB_INCIDENT_TOPIC", &c.PubSubIncidentTopic)
	str("PUBSUB_INCIDENT_SUBSCRIPTION", &c.PubSubIncidentSubscription)
	str("PUBSUB_ESCALATION_TOPIC", &c.PubSubEscalationTopic)

	ints := []struct {
		name string
		dst  *int
	}{
		{"REDIS_DB", &c.RedisDB},
		{"SSH_POOL_MAX_SIZE", &c.SSHPoolMaxSize},
		{"MAX_FIX_ATTEMPTS", &c.MaxFixAttempts},
		{"MAX_RETRIES", &c.MaxRetries},
		{"MAX_INCIDENTS_PER_WINDOW", &c.MaxIncidentsPerWindow},
		{"CIRCUIT_BREAKER_THRESHOLD", &c.CircuitBreakerThreshold},
		{"MAX_LOOP_ITERATIONS", &c.MaxLoopIterations},
	}
	for _, f := range ints {
		if v := os.Getenv(f.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", f.name, v)
			}
			*f.dst = n
		}
	}

	durs := []struct {
		name string
		dst  *time.Duration
	}{
		{"SSH_CONNECTION_TIMEOUT", &c.SSHConnectionTimeout},
		{"SSH_KEEPALIVE_INTERVAL", &c.SSHKeepaliveInterval},
		{"SSH_POOL_MAX_IDLE_TIME", &c.SSHPoolMaxIdleTime},
		{"COOLDOWN_WINDOW_MS", &c.CooldownWindow},
		{"CIRCUIT_BREAKER_TIMEOUT", &c.CircuitBreakerTimeout},
		{"MAX_LOOP_DURATION_MS", &c.MaxLoopDuration},
	}
	for _, f := range durs {
		if v := os.Getenv(f.name); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not a millisecond count", f.name, v)
			}
			*f.dst = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		key, err := decodeKey(v)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		c.EncryptionKey = key
	}
	return nil
}

// decodeKey accepts the key as 64 hex chars, base64 of 32 bytes, or the
// raw 32-byte string, in that order of preference.
func decodeKey(v string) ([]byte, error) {
	if len(v) == 64 {
		if key, err := hex.DecodeString(v); err == nil {
			return key, nil
		}
	}
	if key, err := base64.StdEncoding.DecodeString(v); err == nil && len(key) == 32 {
		return key, nil
	}
	if len(v) == 32 {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("must decode to exactly 32 bytes (hex, base64, or raw)")
}

// Validate checks the invariants Load cannot default its way around.
func (c *Config) Validate() error {
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("config: encryption key must be 32 bytes, have %d", len(c.EncryptionKey))
	}
	if c.MaxFixAttempts < 1 {
		return fmt.Errorf("config: max fix attempts must be positive")
	}
	if c.SSHPoolMaxSize < 1 {
		return fmt.Errorf("config: ssh pool size must be positive")
	}
	if c.MaxIncidentsPerWindow < 1 {
		return fmt.Errorf("config: max incidents per window must be positive")
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config: circuit breaker threshold must be positive")
	}
	return nil
}
