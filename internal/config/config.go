// Package config loads the service configuration from YAML with
// SERVICEMON_* environment overrides.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nikiz24/servicemon/internal/logging"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Service     ServiceConfig     `yaml:"service"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	RemoteWrite RemoteWriteConfig `yaml:"remote_write"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServiceConfig identifies the service in every telemetry label.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

// MetricsConfig controls the metrics core and exposition endpoint.
type MetricsConfig struct {
	Path             string    `yaml:"path"`
	LatencyBuckets   []float64 `yaml:"latency_buckets"`
	MaxSeries        int       `yaml:"max_series"`
	InstrumentProbes bool      `yaml:"instrument_probes"`
	RuntimeMetrics   bool      `yaml:"runtime_metrics"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RemoteWriteConfig enables pushing to a Prometheus remote-write endpoint.
// An empty URL disables it.
type RemoteWriteConfig struct {
	URL          string            `yaml:"url"`
	Schedule     string            `yaml:"schedule"`
	Timeout      time.Duration     `yaml:"timeout"`
	Instance     string            `yaml:"instance"`
	CustomLabels map[string]string `yaml:"custom_labels"`
	DNS          DNSConfig         `yaml:"dns"`
}

// DNSConfig selects custom resolvers for the remote-write host.
type DNSConfig struct {
	Enable          bool          `yaml:"enable"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	UDPServers      []string      `yaml:"udp_servers"`
	TLSServers      []string      `yaml:"tls_servers"`
	DoHEndpoints    []string      `yaml:"doh_endpoints"`
}

// ReservedPaths are the routes the service serves besides the metrics path.
var ReservedPaths = []string{"/products", "/orders", "/healthz", "/readyz"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = "0.0.0.0:5000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = "product-api"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.RemoteWrite.Schedule == "" {
		cfg.RemoteWrite.Schedule = "@every 15s"
	}
	if cfg.RemoteWrite.Timeout == 0 {
		cfg.RemoteWrite.Timeout = 15 * time.Second
	}
}

// Load reads path, applies defaults and environment overrides, and validates.
// An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}
	ApplyDefaults(cfg)
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies SERVICEMON_SECTION_FIELD variables.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	str("SERVICEMON_SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	str("SERVICEMON_SERVICE_NAME", &cfg.Service.Name)
	str("SERVICEMON_METRICS_PATH", &cfg.Metrics.Path)
	integer("SERVICEMON_METRICS_MAX_SERIES", &cfg.Metrics.MaxSeries)
	boolean("SERVICEMON_METRICS_INSTRUMENT_PROBES", &cfg.Metrics.InstrumentProbes)
	boolean("SERVICEMON_METRICS_RUNTIME_METRICS", &cfg.Metrics.RuntimeMetrics)
	str("SERVICEMON_LOGGING_LEVEL", &cfg.Logging.Level)
	str("SERVICEMON_LOGGING_FORMAT", &cfg.Logging.Format)
	str("SERVICEMON_REMOTE_WRITE_URL", &cfg.RemoteWrite.URL)
	str("SERVICEMON_REMOTE_WRITE_SCHEDULE", &cfg.RemoteWrite.Schedule)
	str("SERVICEMON_REMOTE_WRITE_INSTANCE", &cfg.RemoteWrite.Instance)

	if v, ok := lookup("SERVICEMON_METRICS_LATENCY_BUCKETS"); ok && v != "" {
		buckets, err := parseBuckets(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SERVICEMON_METRICS_LATENCY_BUCKETS: %v", err))
		} else {
			cfg.Metrics.LatencyBuckets = buckets
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// parseBuckets parses a comma separated list of floats.
func parseBuckets(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Validate checks the configuration for values the service cannot run with.
func Validate(cfg *Config) error {
	var errs []string
	if cfg.Server.ListenAddress == "" {
		errs = append(errs, "server.listen_address is required")
	}
	if cfg.Service.Name == "" {
		errs = append(errs, "service.name is required")
	}
	switch p := cfg.Metrics.Path; {
	case !strings.HasPrefix(p, "/"):
		errs = append(errs, "metrics.path must start with /")
	case strings.ContainsAny(p, "{}% \t\r\n"):
		errs = append(errs, fmt.Sprintf("metrics.path %q contains characters not allowed in a route", p))
	case slices.Contains(ReservedPaths, p):
		errs = append(errs, fmt.Sprintf("metrics.path %q is already served by the service", p))
	}
	if cfg.Metrics.MaxSeries < 0 {
		errs = append(errs, "metrics.max_series cannot be negative")
	}
	for i, b := range cfg.Metrics.LatencyBuckets {
		if b < 0 {
			errs = append(errs, fmt.Sprintf("metrics.latency_buckets[%d] cannot be negative", i))
		}
		if i > 0 && b <= cfg.Metrics.LatencyBuckets[i-1] {
			errs = append(errs, "metrics.latency_buckets must be strictly ascending")
			break
		}
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be json or console, got %q", cfg.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
