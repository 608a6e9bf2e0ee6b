// Package config manages kgserve configuration. Values come from built-in
// defaults, an optional TOML file, the environment and command-line flags,
// in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kilupskalvis/kgserve/internal/query"
	"github.com/kilupskalvis/kgserve/internal/store"
)

const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultReloadTimeout = 10 * time.Minute

	// EnvConfig names the config file when --config is not given.
	EnvConfig = "KGSERVE_CONFIG"
)

// Config is the complete kgserve configuration.
type Config struct {
	BundlePath        string   `toml:"bundle_path"`
	DatabaseURL       string   `toml:"database_url"`
	MaxLimit          int      `toml:"max_limit"`
	Listen            string   `toml:"listen"`
	LogLevel          string   `toml:"log_level"`
	LogFormat         string   `toml:"log_format"`
	DocsDir           string   `toml:"docs_dir,omitempty"`
	PruneDocs         bool     `toml:"prune_docs"`
	ForceReload       bool     `toml:"force_reload"`
	AdminToken        string   `toml:"admin_token,omitempty"`
	WebhookURLs       []string `toml:"webhook_urls,omitempty"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	ReloadTimeout     string   `toml:"reload_timeout"` // Go duration, e.g. "10m"

	path string // file the config was read from, if any
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabaseURL:   store.DefaultURL,
		MaxLimit:      query.DefaultMaxLimit,
		Listen:        DefaultListen,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
		ReloadTimeout: DefaultReloadTimeout.String(),
	}
}

// Load builds a configuration from the defaults, the TOML file at path and
// the environment read through getenv. An empty path falls back to
// KGSERVE_CONFIG; when both are empty no file is read. A nil getenv reads
// the process environment.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if path == "" {
		path = getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("failed to parse config %s: %s", path, strict.String())
		}
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.path = path
	return nil
}

// ApplyEnv overrides fields from environment variables. Unset or empty
// variables leave the field alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, keys ...string) error {
		for _, k := range keys {
			v := strings.TrimSpace(getenv(k))
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", k, v)
			}
			*dst = n
			return nil
		}
		return nil
	}

	setString(&c.BundlePath, "BUNDLE_PATH", "KGSERVE_BUNDLE_PATH")
	setString(&c.DatabaseURL, "DATABASE_URL", "KGSERVE_DATABASE_URL")
	if err := setInt(&c.MaxLimit, "MAX_LIMIT", "GRAPHQL_MAX_LIMIT", "KGSERVE_MAX_LIMIT"); err != nil {
		return err
	}
	setString(&c.Listen, "KGSERVE_LISTEN")
	setString(&c.LogLevel, "KGSERVE_LOG_LEVEL")
	setString(&c.LogFormat, "KGSERVE_LOG_FORMAT")
	setString(&c.DocsDir, "KGSERVE_DOCS_DIR")
	setString(&c.AdminToken, "KGSERVE_ADMIN_TOKEN")
	setString(&c.ReloadTimeout, "KGSERVE_RELOAD_TIMEOUT")
	if err := setInt(&c.RequestsPerMinute, "KGSERVE_REQUESTS_PER_MINUTE"); err != nil {
		return err
	}

	if v := getenv("BUNDLE_FORCE_RELOAD"); v != "" {
		c.ForceReload = ParseBool(v)
	}
	if v := getenv("KGSERVE_PRUNE_DOCS"); v != "" {
		c.PruneDocs = ParseBool(v)
	}
	if v := getenv("KGSERVE_WEBHOOK_URLS"); v != "" {
		c.WebhookURLs = SplitList(v)
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxLimit < 1 {
		errs = append(errs, fmt.Errorf("max_limit must be >= 1, got %d", c.MaxLimit))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want json or text", c.LogFormat))
	}
	if err := store.ValidateURL(c.DatabaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("requests_per_minute must be >= 0, got %d", c.RequestsPerMinute))
	}
	if d, err := time.ParseDuration(c.ReloadTimeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("reload_timeout %q: want a positive duration", c.ReloadTimeout))
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("webhook url %q: want http or https", u))
		}
	}
	return errors.Join(errs...)
}

// ReloadTimeoutDuration returns the parsed reload timeout, or the default if
// it does not parse.
func (c *Config) ReloadTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.ReloadTimeout)
	if err != nil || d <= 0 {
		return DefaultReloadTimeout
	}
	return d
}

// Path returns the config file this configuration was read from, or "".
func (c *Config) Path() string {
	return c.path
}

// Marshal renders the configuration as TOML with the admin token redacted.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	if out.AdminToken != "" {
		out.AdminToken = "<redacted>"
	}
	data, err := toml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// ParseBool accepts 1, true and yes in any case.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
