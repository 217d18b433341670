package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 25500 {
		t.Errorf("Server.Port = %d, want 25500", cfg.Server.Port)
	}
	if !cfg.Converter.UseCache {
		t.Errorf("Converter.UseCache = false, want true")
	}
	if cfg.Converter.CacheDir != "./cache" {
		t.Errorf("Converter.CacheDir = %q, want ./cache", cfg.Converter.CacheDir)
	}
	if cfg.Converter.ScriptPath != "./routine.go" {
		t.Errorf("Converter.ScriptPath = %q, want ./routine.go", cfg.Converter.ScriptPath)
	}
	if cfg.Converter.TimeoutMS != 10000 {
		t.Errorf("Converter.TimeoutMS = %d, want 10000", cfg.Converter.TimeoutMS)
	}
	if cfg.Storage.Type != "none" {
		t.Errorf("Storage.Type = %q, want none", cfg.Storage.Type)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9000
converter:
  script_path: /etc/subforge/routine.go
  use_cache: false
  timeout_ms: 2500
storage:
  type: sqlite
  sqlite:
    path: /var/lib/subforge/history.db
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Converter.ScriptPath != "/etc/subforge/routine.go" {
		t.Errorf("Converter.ScriptPath = %q", cfg.Converter.ScriptPath)
	}
	if cfg.Converter.UseCache {
		t.Errorf("Converter.UseCache = true, want false")
	}
	if cfg.Converter.TimeoutMS != 2500 {
		t.Errorf("Converter.TimeoutMS = %d, want 2500", cfg.Converter.TimeoutMS)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "/var/lib/subforge/history.db" {
		t.Errorf("Storage = %+v, want sqlite with configured path", cfg.Storage)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SUBFORGE_SERVER__PORT", "8125")
	t.Setenv("SUBFORGE_CONVERTER__USER_AGENT", "custom-agent/2.0")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Port != 8125 {
		t.Errorf("Server.Port = %d, want env override 8125", cfg.Server.Port)
	}
	if cfg.Converter.UserAgent != "custom-agent/2.0" {
		t.Errorf("Converter.UserAgent = %q, want env value", cfg.Converter.UserAgent)
	}
}
