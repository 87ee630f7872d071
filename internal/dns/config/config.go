// Package config assembles the proxy configuration from struct defaults, an
// optional YAML/JSON/TOML file and DNS_ prefixed environment variables, in
// that order of precedence, and validates the result.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// AppConfig is the root of the configuration tree.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log       LoggingConfig   `koanf:"log"`
	Listen    ListenConfig    `koanf:"listen"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Cache     CacheConfig     `koanf:"cache"`
	Rules     RulesConfig     `koanf:"rules"`
	Blocklist BlocklistConfig `koanf:"blocklist"`
	Trace     TraceConfig     `koanf:"trace"`
}

// LoggingConfig controls verbosity and the optional rotating log file.
type LoggingConfig struct {
	Level      string `koanf:"level" validate:"required,oneof=debug info warn error"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
	Compress   bool   `koanf:"compress"`
}

// ListenConfig describes the inbound side of the proxy.
type ListenConfig struct {
	// Addresses are bound for every enabled transport.
	Addresses      []string      `koanf:"addresses" validate:"required,min=1,dive,ip_port"`
	UDP            bool          `koanf:"udp"`
	TCP            bool          `koanf:"tcp"`
	TCPIdleTimeout time.Duration `koanf:"tcp_idle_timeout" validate:"gt=0"`
	QueryTimeout   time.Duration `koanf:"query_timeout" validate:"gt=0"`
	MaxUDPSize     int           `koanf:"max_udp_size" validate:"gte=512,lte=65535"`
	Workers        int           `koanf:"workers" validate:"gte=1"`
	// RateLimit is queries per second per client; zero disables limiting.
	RateLimit float64 `koanf:"rate_limit" validate:"gte=0"`
	RateBurst int     `koanf:"rate_burst" validate:"gte=0"`
}

// UpstreamConfig describes the resolvers queries are forwarded to.
type UpstreamConfig struct {
	// Servers accepts "ip", "ip:port", "udp://ip:port" and "tcp://ip:port".
	Servers          []string      `koanf:"servers" validate:"required,min=1,dive,upstream_addr"`
	Strategy         string        `koanf:"strategy" validate:"required,oneof=priority round_robin"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	AttemptTimeout   time.Duration `koanf:"attempt_timeout" validate:"gt=0"`
	FailureThreshold int           `koanf:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `koanf:"cooldown" validate:"gt=0"`
	QPS              float64       `koanf:"qps" validate:"gte=0"`
	UDPSize          int           `koanf:"udp_size" validate:"gte=512,lte=65535"`
}

type CacheConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Size          int           `koanf:"size" validate:"gte=1"`
	MinTTL        time.Duration `koanf:"min_ttl" validate:"gte=0"`
	MaxTTL        time.Duration `koanf:"max_ttl" validate:"gte=0"`
	NegativeTTL   time.Duration `koanf:"negative_ttl" validate:"gte=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gte=0"`
}

type RulesConfig struct {
	// File is optional; without it every query is allowed unless block listed.
	File        string `koanf:"file"`
	MaxRewrites int    `koanf:"max_rewrites" validate:"gte=1,lte=64"`
	RewriteTTL  uint32 `koanf:"rewrite_ttl" validate:"gte=1"`
}

type BlocklistConfig struct {
	// Directory holds plain and hosts-format list files; empty disables block lists.
	Directory string         `koanf:"dir"`
	DB        string         `koanf:"db" validate:"required_with=Directory"`
	CacheSize int            `koanf:"cache_size" validate:"gte=0"`
	Strategy  string         `koanf:"strategy" validate:"required,oneof=nxdomain refused sinkhole"`
	Sinkhole  SinkholeConfig `koanf:"sinkhole"`
}

type SinkholeConfig struct {
	Targets []string `koanf:"targets" validate:"dive,ip"`
	TTL     uint32   `koanf:"ttl" validate:"gte=1"`
}

// TraceConfig controls OpenTelemetry span export over OTLP/HTTP.
// An empty Endpoint disables tracing.
type TraceConfig struct {
	ServiceName string  `koanf:"service_name" validate:"required"`
	Endpoint    string  `koanf:"endpoint" validate:"omitempty,hostname_port"`
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio" validate:"gte=0,lte=1"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LoggingConfig{
		Level:      "info",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
	Listen: ListenConfig{
		Addresses:      []string{"0.0.0.0:5353"},
		UDP:            true,
		TCP:            true,
		TCPIdleTimeout: 10 * time.Second,
		QueryTimeout:   5 * time.Second,
		MaxUDPSize:     1232,
		Workers:        512,
	},
	Upstream: UpstreamConfig{
		Servers:          []string{"1.1.1.1:53"},
		Strategy:         "priority",
		Timeout:          5 * time.Second,
		AttemptTimeout:   2 * time.Second,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		UDPSize:          1232,
	},
	Cache: CacheConfig{
		Enabled:       true,
		Size:          10000,
		MaxTTL:        time.Hour,
		NegativeTTL:   5 * time.Minute,
		SweepInterval: time.Minute,
	},
	Rules: RulesConfig{
		MaxRewrites: 8,
		RewriteTTL:  60,
	},
	Blocklist: BlocklistConfig{
		DB:        "/var/lib/rr-proxy/blocklist.db",
		CacheSize: 10000,
		Strategy:  "nxdomain",
		Sinkhole:  SinkholeConfig{Targets: []string{}, TTL: 300},
	},
	Trace: TraceConfig{
		ServiceName: "rr-proxy",
		SampleRatio: 1,
	},
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
// It expects the value to be in the format "IP:Port".
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0 && portNum < 65536
}

// validUpstreamAddr accepts anything domain.ParseUpstreamTarget does.
func validUpstreamAddr(fl validator.FieldLevel) bool {
	_, err := domain.ParseUpstreamTarget(fl.Field().String())
	return err == nil
}

// sections lists the top-level keys whose environment variables nest one
// level, so DNS_LISTEN_MAX_UDP_SIZE maps to listen.max_udp_size.
var sections = map[string]bool{
	"log":       true,
	"listen":    true,
	"upstream":  true,
	"cache":     true,
	"rules":     true,
	"blocklist": true,
	"trace":     true,
}

// envKey maps an environment variable name to its koanf path.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, "DNS_"))
	section, rest, ok := strings.Cut(key, "_")
	if !ok || !sections[section] {
		return key
	}
	if section == "blocklist" {
		if sub, ok := strings.CutPrefix(rest, "sinkhole_"); ok {
			return "blocklist.sinkhole." + sub
		}
	}
	return section + "." + rest
}

// envLoader loads environment variables with the prefix "DNS_". Values
// holding spaces or commas become lists. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			key = envKey(key)
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG using the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader merges the configuration file at path, picking the parser from
// its extension.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q", filepath.Ext(path))
	}
	return k.Load(file.Provider(path), parser)
}

// registerValidation registers the "ip_port" and "upstream_addr" tags.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("upstream_addr", validUpstreamAddr)
}

// Load builds the configuration. path names an optional configuration file;
// environment variables override it.
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// check covers constraints spanning several fields.
func (c *AppConfig) check() error {
	var errs []error
	if !c.Listen.UDP && !c.Listen.TCP {
		errs = append(errs, errors.New("at least one of listen.udp and listen.tcp must be enabled"))
	}
	if c.Blocklist.Strategy == "sinkhole" && len(c.Blocklist.Sinkhole.Targets) == 0 {
		errs = append(errs, errors.New("blocklist.strategy sinkhole requires blocklist.sinkhole.targets"))
	}
	if c.Cache.MaxTTL > 0 && c.Cache.MinTTL > c.Cache.MaxTTL {
		errs = append(errs, errors.New("cache.min_ttl exceeds cache.max_ttl"))
	}
	return errors.Join(errs...)
}
