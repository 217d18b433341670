// Package config loads service configuration from config.yaml and the
// environment. Environment variables prefixed SUBFORGE_ override file
// values, with __ separating nested keys (SUBFORGE_SERVER__PORT).
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Converter ConverterConfig `koanf:"converter"`
	Storage   StorageConfig   `koanf:"storage"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type ConverterConfig struct {
	// ScriptPath locates the transformation routine source. It is read
	// fresh on every request.
	ScriptPath string `koanf:"script_path"`

	// UseCache is the default cache-fallback policy. A request's
	// nocache flag overrides it per call.
	UseCache bool `koanf:"use_cache"`

	// CacheDir is the flat directory holding cached manifests.
	CacheDir string `koanf:"cache_dir"`

	// TimeoutMS is the wall-clock budget for one routine invocation.
	TimeoutMS int `koanf:"timeout_ms"`

	// UserAgent overrides the identifying client string sent upstream.
	UserAgent string `koanf:"user_agent"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// Load reads config.yaml (optional) and the environment.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile reads the given YAML file (optional) and the environment.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("SUBFORGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SUBFORGE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 25500)
	}
	if !k.Exists("converter.use_cache") {
		k.Set("converter.use_cache", true)
	}
	if !k.Exists("converter.cache_dir") {
		k.Set("converter.cache_dir", "./cache")
	}
	if !k.Exists("converter.script_path") {
		k.Set("converter.script_path", "./routine.go")
	}
	if !k.Exists("converter.timeout_ms") {
		k.Set("converter.timeout_ms", 10000)
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "none")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "./data/subforge.db")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
