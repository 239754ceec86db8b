package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bilancio/internal/services"
)

type Config struct {
	// Local snapshot database
	SQLiteDBPath string

	// Remote backend
	RemoteBackend string
	RemoteBaseURL string
	RemoteToken   string

	// AMQP (optional; empty URL disables event publishing)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Sync tuning
	SyncDebounce  time.Duration
	FlushInterval time.Duration

	// Conflict handling for propagated edits
	ConflictPolicy string

	// First month materialized on startup; empty means the current month.
	SeedMonth string
}

func Load() *Config {
	cfg := &Config{
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/bilancio.db"),

		RemoteBackend: getEnv("REMOTE_BACKEND", "memory"),
		RemoteBaseURL: getEnv("REMOTE_BASE_URL", ""),
		RemoteToken:   getEnv("REMOTE_TOKEN", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "bilancio"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "month_events"),

		SyncDebounce:  getEnvDuration("SYNC_DEBOUNCE", 300*time.Millisecond),
		FlushInterval: getEnvDuration("FLUSH_INTERVAL", 30*time.Second),

		ConflictPolicy: getEnv("CONFLICT_POLICY", "never"),

		SeedMonth: getEnv("SEED_MONTH", ""),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	validBackends := []string{"memory", "http"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.RemoteBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid remote backend '%s': must be one of %v", c.RemoteBackend, validBackends))
	}

	if c.RemoteBackend == "http" {
		if c.RemoteBaseURL == "" {
			errors = append(errors, "remote base URL is required when using the http backend")
		} else if parsedURL, err := url.Parse(c.RemoteBaseURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid remote base URL '%s': %v", c.RemoteBaseURL, err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("invalid remote base URL scheme '%s': must be 'http' or 'https'", parsedURL.Scheme))
		}
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		// Check if directory exists or can be created
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.SyncDebounce < 10*time.Millisecond {
		errors = append(errors, fmt.Sprintf("invalid sync debounce %v: must be at least 10ms", c.SyncDebounce))
	} else if c.SyncDebounce > time.Minute {
		errors = append(errors, fmt.Sprintf("invalid sync debounce %v: must be at most 1 minute", c.SyncDebounce))
	}

	if c.FlushInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid flush interval %v: must be at least 1 second", c.FlushInterval))
	} else if c.FlushInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid flush interval %v: must be at most 24 hours", c.FlushInterval))
	}

	if _, err := c.propagationPolicy(); err != nil {
		errors = append(errors, err.Error())
	}

	if c.SeedMonth != "" {
		if _, err := time.Parse("2006-01", c.SeedMonth); err != nil {
			errors = append(errors, fmt.Sprintf("invalid seed month '%s': want YYYY-MM", c.SeedMonth))
		}
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// PropagationPolicy maps the configured conflict policy name onto the
// propagation engine's policy. Call Validate first; unknown names fall
// back to never-overwrite.
func (c *Config) PropagationPolicy() services.ConflictPolicy {
	policy, err := c.propagationPolicy()
	if err != nil {
		return services.NeverOverwrite
	}
	return policy
}

func (c *Config) propagationPolicy() (services.ConflictPolicy, error) {
	switch c.ConflictPolicy {
	case "never", "":
		return services.NeverOverwrite, nil
	case "always":
		return services.AlwaysOverwrite, nil
	case "ask":
		return services.AskCaller, nil
	default:
		return services.NeverOverwrite, fmt.Errorf("invalid conflict policy '%s': must be one of [never always ask]", c.ConflictPolicy)
	}
}

// ReconcilerConfig builds the sync tuning block.
func (c *Config) ReconcilerConfig() services.ReconcilerConfig {
	return services.ReconcilerConfig{
		Debounce:      c.SyncDebounce,
		FlushInterval: c.FlushInterval,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
