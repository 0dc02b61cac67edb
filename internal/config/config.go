// Package config loads and saves the global configuration kept under the
// wasmer data directory. Values resolve from defaults, then the config
// file, then WAPM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/john-sharratt/wapm-cli/internal/registry"
)

const (
	// Filename is the global config file under the data directory. It
	// shares its name with the project manifest but never its location.
	Filename = "wapm.toml"

	// DirEnv overrides the data directory location.
	DirEnv = "WASMER_DIR"

	// envPrefix namespaces environment overrides, e.g. WAPM_REGISTRY_URL.
	envPrefix = "WAPM"
)

var ErrUnknownKey = errors.New("unknown config key")

// Config is the global configuration.
type Config struct {
	Registry RegistryConfig `mapstructure:"registry" toml:"registry"`
	Trust    TrustConfig    `mapstructure:"trust" toml:"trust"`
	Abi      AbiConfig      `mapstructure:"abi" toml:"abi"`
	Install  InstallConfig  `mapstructure:"install" toml:"install"`
	Proxy    ProxyConfig    `mapstructure:"proxy" toml:"proxy"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

type RegistryConfig struct {
	URL   string `mapstructure:"url" toml:"url"`
	Token string `mapstructure:"token" toml:"token,omitempty"`
}

type TrustConfig struct {
	AllowUnsigned bool `mapstructure:"allow_unsigned" toml:"allow_unsigned"`
}

type AbiConfig struct {
	Strict bool `mapstructure:"strict" toml:"strict"`
}

type InstallConfig struct {
	Parallelism int `mapstructure:"parallelism" toml:"parallelism"`
}

type ProxyConfig struct {
	URL string `mapstructure:"url" toml:"url,omitempty"`
}

type LogConfig struct {
	Level string `mapstructure:"level" toml:"level"`
}

// Dir returns the data directory: $WASMER_DIR, or ~/.wasmer.
func Dir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".wasmer"), nil
}

// GlobalsDir is the project directory that global installs resolve
// against. It holds its own manifest and wapm_packages tree.
func GlobalsDir(dir string) string {
	return filepath.Join(dir, "globals")
}

// Path returns the config file path under a data directory.
func Path(dir string) string {
	return filepath.Join(dir, Filename)
}

// Load reads the configuration under the given data directory. A missing
// config file yields the defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()

	v.SetDefault("registry.url", registry.DefaultURL)
	v.SetDefault("registry.token", "")
	v.SetDefault("trust.allow_unsigned", true)
	v.SetDefault("abi.strict", false)
	v.SetDefault("install.parallelism", 8)
	v.SetDefault("proxy.url", "")
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := Path(dir)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Install.Parallelism < 1 {
		cfg.Install.Parallelism = 1
	}
	return &cfg, nil
}

// Save writes the configuration under the given data directory.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	body, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data := append([]byte("# wapm configuration\n\n"), body...)
	if err := os.WriteFile(Path(dir), data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Get returns the value of a dotted config key as a string.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "registry.url":
		return c.Registry.URL, nil
	case "registry.token":
		return c.Registry.Token, nil
	case "trust.allow_unsigned":
		return strconv.FormatBool(c.Trust.AllowUnsigned), nil
	case "abi.strict":
		return strconv.FormatBool(c.Abi.Strict), nil
	case "install.parallelism":
		return strconv.Itoa(c.Install.Parallelism), nil
	case "proxy.url":
		return c.Proxy.URL, nil
	case "log.level":
		return c.Log.Level, nil
	}
	return "", fmt.Errorf("%q: %w", key, ErrUnknownKey)
}

// Set updates a dotted config key from a string value. Changing the
// registry URL drops the stored token: it belongs to the old registry.
func (c *Config) Set(key, value string) error {
	switch key {
	case "registry.url":
		if value != c.Registry.URL {
			c.Registry.Token = ""
		}
		c.Registry.URL = value
		return nil
	case "registry.token":
		c.Registry.Token = value
		return nil
	case "trust.allow_unsigned":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		c.Trust.AllowUnsigned = b
		return nil
	case "abi.strict":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		c.Abi.Strict = b
		return nil
	case "install.parallelism":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		if n < 1 {
			return fmt.Errorf("parsing %s: must be at least 1", key)
		}
		c.Install.Parallelism = n
		return nil
	case "proxy.url":
		c.Proxy.URL = value
		return nil
	case "log.level":
		c.Log.Level = value
		return nil
	}
	return fmt.Errorf("%q: %w", key, ErrUnknownKey)
}

// Keys lists the settable config keys.
func Keys() []string {
	return []string{
		"abi.strict",
		"install.parallelism",
		"log.level",
		"proxy.url",
		"registry.token",
		"registry.url",
		"trust.allow_unsigned",
	}
}
