package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv is consulted for API keys left empty in the config file.
const APIKeyEnv = "OPENAI_API_KEY"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills API keys from the
// environment, applies defaults and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty API keys from [APIKeyEnv] using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	key, ok := lookup(APIKeyEnv)
	if !ok || key == "" {
		return
	}
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = key
	}
	if cfg.Turn.APIKey == "" {
		cfg.Turn.APIKey = key
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects defaults to have been applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("server.poll_interval %v must not be negative", cfg.Server.PollInterval))
	}

	// Realtime
	rt := cfg.Realtime
	if u, err := url.Parse(rt.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("realtime.base_url %q: %w", rt.BaseURL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("realtime.base_url %q must use the ws or wss scheme", rt.BaseURL))
	}
	if rt.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.connect_timeout %v must not be negative", rt.ConnectTimeout))
	}
	if rt.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("realtime.reconnect.max_retries %d must not be negative", rt.Reconnect.MaxRetries))
	}
	if rt.Reconnect.Backoff > rt.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("realtime.reconnect.backoff %v exceeds max_backoff %v", rt.Reconnect.Backoff, rt.Reconnect.MaxBackoff))
	}
	errs = append(errs, validateBreaker("realtime.breaker", rt.Breaker)...)
	if rt.APIKey == "" {
		slog.Warn("realtime.api_key is empty and " + APIKeyEnv + " is not set; the upstream will reject the session")
	}

	// Turn
	if cfg.Turn.Timeout < 0 {
		errs = append(errs, fmt.Errorf("turn.timeout %v must not be negative", cfg.Turn.Timeout))
	}
	if cfg.Turn.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("turn.max_upload_bytes %d must not be negative", cfg.Turn.MaxUploadBytes))
	}
	if cfg.Turn.BaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.Turn.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("turn.base_url %q: %w", cfg.Turn.BaseURL, err))
		}
	}
	errs = append(errs, validateBreaker("turn.breaker", cfg.Turn.Breaker)...)
	if cfg.Turn.APIKey == "" {
		slog.Warn("turn.api_key is empty and " + APIKeyEnv + " is not set; /api/chat will fail")
	}

	// Endpointing
	if th := cfg.Endpointing.Threshold; th < 0 || th > 255 {
		errs = append(errs, fmt.Errorf("endpointing.threshold %.2f is out of range [0, 255]", th))
	}
	if cfg.Endpointing.QuietDuration < 0 {
		errs = append(errs, fmt.Errorf("endpointing.quiet_duration %v must not be negative", cfg.Endpointing.QuietDuration))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

func validateBreaker(prefix string, b BreakerConfig) []error {
	var errs []error
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s.max_failures %d must not be negative", prefix, b.MaxFailures))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout %v must not be negative", prefix, b.ResetTimeout))
	}
	return errs
}
