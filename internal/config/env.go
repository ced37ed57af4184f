// Package config loads bridge configuration from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables consumed by the bridge. Nothing else is read.
const (
	EnvAPIURL     = "PROMPT_API_URL"
	EnvAPIKey     = "PROMPT_API_KEY"
	EnvAPITimeout = "PROMPT_API_TIMEOUT"
)

const (
	// DefaultAPIURL is the hosted prompt catalog backend.
	DefaultAPIURL = "https://api.promptcatalog.dev/mcp"
	// DefaultTimeout bounds every outbound HTTP call.
	DefaultTimeout = 30 * time.Second
)

// Config holds the backend connection settings.
type Config struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads the configuration using the given lookup function.
// Unset or blank values fall back to defaults.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{
		APIURL:  DefaultAPIURL,
		Timeout: DefaultTimeout,
	}

	if v, ok := lookup(EnvAPIURL); ok && strings.TrimSpace(v) != "" {
		cfg.APIURL = strings.TrimSpace(v)
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if v, ok := lookup(EnvAPIKey); ok {
		cfg.APIKey = strings.TrimSpace(v)
	}

	if v, ok := lookup(EnvAPITimeout); ok && strings.TrimSpace(v) != "" {
		d, err := ParseTimeout(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvAPITimeout, err)
		}
		cfg.Timeout = d
	}

	return cfg, nil
}

// ParseTimeout accepts a Go duration ("15s") or a bare integer in milliseconds.
func ParseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.Atoi(raw); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", d)
	}
	return d, nil
}

// HasAPIKey reports whether outbound requests will be authenticated.
func (c *Config) HasAPIKey() bool {
	return c.APIKey != ""
}
