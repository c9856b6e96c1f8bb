package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RegistryJSON   = "json"
	RegistrySQLite = "sqlite"

	PowNative = "native"
	PowWASM   = "wasm"

	DefaultBaseURL = "https://chat.deepseek.com"
)

type Config struct {
	Listen     string         `yaml:"listen"`
	AdminKey   string         `yaml:"admin_key"`
	LogLevel   string         `yaml:"log_level"`
	DevCapture bool           `yaml:"dev_capture"`
	Upstream   UpstreamConfig `yaml:"upstream"`
	Pow        PowConfig      `yaml:"pow"`
	Pool       PoolConfig     `yaml:"pool"`
	Sessions   SessionConfig  `yaml:"sessions"`
	Registry   RegistryConfig `yaml:"registry"`
}

type UpstreamConfig struct {
	BaseURL           string        `yaml:"base_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	LoginTimeout      time.Duration `yaml:"login_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
}

type PowConfig struct {
	Backend       string `yaml:"backend"`
	WASMPath      string `yaml:"wasm_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type PoolConfig struct {
	CooldownBase time.Duration `yaml:"cooldown_base"`
	CooldownMax  time.Duration `yaml:"cooldown_max"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RegistryConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

func Defaults() Config {
	return Config{
		Listen: ":5001",
		Upstream: UpstreamConfig{
			BaseURL:           DefaultBaseURL,
			RequestTimeout:    60 * time.Second,
			LoginTimeout:      30 * time.Second,
			StreamIdleTimeout: 120 * time.Second,
			KeepAlive:         5 * time.Second,
		},
		Pow: PowConfig{
			Backend:       PowNative,
			MaxConcurrent: 4,
		},
		Pool: PoolConfig{
			CooldownBase: 30 * time.Second,
			CooldownMax:  30 * time.Minute,
		},
		Sessions: SessionConfig{
			IdleTimeout:   time.Hour,
			SweepInterval: time.Minute,
		},
		Registry: RegistryConfig{Backend: RegistryJSON},
	}
}

// Load builds the runtime settings: defaults, then the YAML settings file
// (or DS2API_SETTINGS_YAML inline), then env overrides.
func Load() (Config, error) {
	cfg := Defaults()
	raw, err := readSettings()
	if err != nil {
		return cfg, err
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readSettings() ([]byte, error) {
	if inline := strings.TrimSpace(os.Getenv("DS2API_SETTINGS_YAML")); inline != "" {
		return decodeInline(inline), nil
	}
	b, err := os.ReadFile(SettingsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// decodeInline accepts plain YAML or base64 of it.
func decodeInline(raw string) []byte {
	if strings.ContainsAny(raw, ":\n") {
		return []byte(raw)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil {
			return b
		}
	}
	return []byte(raw)
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	if v := strings.TrimSpace(os.Getenv("DS2API_ADMIN_KEY")); v != "" {
		cfg.AdminKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("DEEPSEEK_BASE_URL")); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DS2API_POW_BACKEND")); v != "" {
		cfg.Pow.Backend = v
	}
	if strings.TrimSpace(os.Getenv("DS2API_WASM_PATH")) != "" {
		cfg.Pow.WASMPath = WASMPath()
	}
	if v := strings.TrimSpace(os.Getenv("DS2API_POW_MAX_CONCURRENT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pow.MaxConcurrent = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DS2API_REGISTRY_BACKEND")); v != "" {
		cfg.Registry.Backend = v
	}
	if strings.TrimSpace(os.Getenv("API_KEYS_STORAGE_PATH")) != "" {
		cfg.Registry.Path = RegistryPath(cfg.Registry.Backend)
	}
	if v := strings.TrimSpace(os.Getenv("DS2API_DEV_CAPTURE")); v != "" {
		cfg.DevCapture = v == "1" || strings.EqualFold(v, "true")
	}
}

func (c *Config) normalize() error {
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBaseURL
	}
	c.Pow.Backend = strings.ToLower(strings.TrimSpace(c.Pow.Backend))
	switch c.Pow.Backend {
	case "":
		c.Pow.Backend = PowNative
	case PowNative, PowWASM:
	default:
		return fmt.Errorf("unknown pow backend %q", c.Pow.Backend)
	}
	if c.Pow.Backend == PowWASM && strings.TrimSpace(c.Pow.WASMPath) == "" {
		c.Pow.WASMPath = WASMPath()
	}
	if c.Pow.MaxConcurrent <= 0 {
		c.Pow.MaxConcurrent = 1
	}
	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	switch c.Registry.Backend {
	case "":
		c.Registry.Backend = RegistryJSON
	case RegistryJSON, RegistrySQLite:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		c.Registry.Path = RegistryPath(c.Registry.Backend)
	} else {
		c.Registry.Path = absFromBase(c.Registry.Path)
	}
	if c.Pool.CooldownBase <= 0 {
		c.Pool.CooldownBase = 30 * time.Second
	}
	if c.Pool.CooldownMax < c.Pool.CooldownBase {
		c.Pool.CooldownMax = c.Pool.CooldownBase
	}
	if c.Sessions.IdleTimeout <= 0 {
		c.Sessions.IdleTimeout = time.Hour
	}
	if c.Sessions.SweepInterval <= 0 {
		c.Sessions.SweepInterval = time.Minute
	}
	if c.Upstream.KeepAlive <= 0 {
		c.Upstream.KeepAlive = 5 * time.Second
	}
	return nil
}
