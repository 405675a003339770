// Package config loads the daemon configuration from a JSON or YAML file.
// YAML is coerced to JSON first so both formats share one strict decoder.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"routined/internal/history"
	"routined/internal/ingress"
	"routined/internal/provider"
	logx "routined/pkg/logx"
)

type Config struct {
	Logging logx.Config `json:"logging"`

	Routines  RoutinesConfig  `json:"routines"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ingress   IngressConfig   `json:"ingress"`
	Provider  ProviderConfig  `json:"provider"`
	Executor  ExecutorConfig  `json:"executor"`
	History   history.Config  `json:"history,omitempty"`
}

// RoutinesConfig locates the catalogue file.
type RoutinesConfig struct {
	// Path to the routines JSON file. Created on first write if absent.
	Path string `json:"path"`
	// Watch reloads the catalogue when the file changes on disk.
	Watch bool `json:"watch"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval is a Go duration string (e.g. "1s", "500ms").
	PollInterval string `json:"poll_interval,omitempty"`
	// Timezone for evaluating cron schedules, e.g. "Europe/Berlin".
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
}

type IngressConfig struct {
	HTTP     *HTTPIngressConfig      `json:"http,omitempty"`
	Telegram *ingress.TelegramConfig `json:"telegram,omitempty"`
}

type HTTPIngressConfig struct {
	Enabled bool `json:"enabled"`
	ingress.WebhookConfig
}

// ProviderConfig selects the model backend for lightweight actions. If
// Fallback is set, it is tried when the primary fails.
type ProviderConfig struct {
	Primary  *provider.Config `json:"primary,omitempty"`
	Fallback *provider.Config `json:"fallback,omitempty"`
}

type ExecutorConfig struct {
	// Timeout is a Go duration string bounding one action execution.
	Timeout string `json:"timeout,omitempty"`
}

// Load reads, decodes, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s config: %w", format, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the decoder cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Routines.Path) == "" {
		return fmt.Errorf("routines.path is required")
	}
	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("executor.timeout", c.Executor.Timeout); err != nil {
		return err
	}
	if c.Ingress.HTTP != nil && c.Ingress.HTTP.Enabled && strings.TrimSpace(c.Ingress.HTTP.Addr) == "" {
		return fmt.Errorf("ingress.http.addr is required when enabled")
	}
	if c.Ingress.Telegram != nil && strings.TrimSpace(c.Ingress.Telegram.Token) == "" {
		return fmt.Errorf("ingress.telegram.token is required")
	}
	if c.Provider.Fallback != nil && c.Provider.Primary == nil {
		return fmt.Errorf("provider.fallback requires provider.primary")
	}
	return nil
}

// PollInterval returns the parsed scheduler poll interval, or def when
// unset.
func (c *Config) PollInterval(def time.Duration) time.Duration {
	d, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Location resolves the scheduler timezone. Validate has already checked
// it, so failures fall back to local time.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// ExecutorTimeout returns the parsed action timeout, or def when unset.
func (c *Config) ExecutorTimeout(def time.Duration) time.Duration {
	d, err := ParseDurationField("executor.timeout", c.Executor.Timeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParseDurationField parses a non-negative Go duration string, naming the
// offending field in the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// coerceToJSONBytes converts a YAML config to JSON bytes so the strict
// JSON decoder (DisallowUnknownFields) covers both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
