// Package config loads the ad selection service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/auction"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/bidding"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/fetcher"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/filter"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/selection"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxURLLength    int           `yaml:"max_url_length"`
}

// RedisConfig holds store settings. An empty URL keeps histograms and
// overrides in memory.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// SandboxConfig points at the script evaluation service
type SandboxConfig struct {
	RemoteURL    string        `yaml:"remote_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxHeapBytes int64         `yaml:"max_heap_bytes"`
}

// AdminConfig holds the tokens accepted by the developer override
// endpoints. No tokens leaves the endpoints unauthenticated.
type AdminConfig struct {
	Tokens []string `yaml:"tokens"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config is the full service configuration
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Log       logger.Config     `yaml:"log"`
	Redis     RedisConfig       `yaml:"redis"`
	Bidding   bidding.Config    `yaml:"bidding"`
	Selection selection.Options `yaml:"selection"`
	Fetcher   fetcher.Config    `yaml:"fetcher"`
	Filter    filter.Config     `yaml:"filter"`
	Sandbox   SandboxConfig     `yaml:"sandbox"`
	Auction   auction.Config    `yaml:"auction"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Admin     AdminConfig       `yaml:"admin"`
}

// Default returns production defaults
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8000",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1024 * 1024,
			MaxURLLength:    8192,
		},
		Log:       logger.DefaultConfig(),
		Redis:     RedisConfig{Prefix: "adsel"},
		Bidding:   bidding.DefaultConfig(),
		Selection: selection.DefaultOptions(),
		Fetcher:   fetcher.DefaultConfig(),
		Filter:    filter.DefaultConfig(),
		Sandbox: SandboxConfig{
			RemoteURL:    "http://localhost:5060",
			Timeout:      5 * time.Second,
			MaxHeapBytes: 10 * 1024 * 1024,
		},
		Auction: auction.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true, Namespace: "adselection"},
	}
}

// Load reads path over the defaults, then applies ADSEL_* environment
// overrides. An empty path loads defaults and the environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = nil
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					*dst = append(*dst, item)
				}
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ADSEL_PORT", &cfg.Server.Port)
	str("ADSEL_LOG_LEVEL", &cfg.Log.Level)
	str("ADSEL_LOG_FORMAT", &cfg.Log.Format)
	str("ADSEL_REDIS_URL", &cfg.Redis.URL)
	str("ADSEL_SANDBOX_URL", &cfg.Sandbox.RemoteURL)
	duration("ADSEL_BIDDING_TIMEOUT", &cfg.Bidding.Timeout)
	duration("ADSEL_SELECTION_TIMEOUT", &cfg.Selection.Timeout)
	duration("ADSEL_AUCTION_TIMEOUT", &cfg.Auction.Timeout)
	duration("ADSEL_FETCH_TIMEOUT", &cfg.Fetcher.Timeout)
	boolean("ADSEL_PREBUILT_ENABLED", &cfg.Fetcher.PrebuiltEnabled)
	boolean("ADSEL_DEV_OVERRIDES_ENABLED", &cfg.Fetcher.DevOverridesEnabled)
	boolean("ADSEL_FILTERING_ENABLED", &cfg.Filter.Enabled)
	boolean("ADSEL_COPY_AD_COUNTER_KEYS", &cfg.Bidding.CopyAdCounterKeys)
	boolean("ADSEL_METRICS_ENABLED", &cfg.Metrics.Enabled)
	list("ADSEL_ADMIN_TOKENS", &cfg.Admin.Tokens)

	return errors.Join(errs...)
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	positive("server.read_timeout", c.Server.ReadTimeout)
	positive("server.write_timeout", c.Server.WriteTimeout)
	positive("bidding.timeout", c.Bidding.Timeout)
	positive("selection.timeout", c.Selection.Timeout)
	positive("auction.timeout", c.Auction.Timeout)
	positive("fetcher.timeout", c.Fetcher.Timeout)
	positive("sandbox.timeout", c.Sandbox.Timeout)

	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Sandbox.RemoteURL == "" {
		errs = append(errs, errors.New("sandbox.remote_url is required"))
	}
	if c.Auction.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("auction.max_concurrency must be positive"))
	}
	if c.Bidding.RequestedVersion < 0 || c.Bidding.MinAudienceAwareVersion < 0 {
		errs = append(errs, errors.New("bidding versions must not be negative"))
	}
	return errors.Join(errs...)
}
