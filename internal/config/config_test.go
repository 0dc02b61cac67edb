package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/john-sharratt/wapm-cli/internal/registry"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.URL != registry.DefaultURL {
		t.Errorf("registry.url = %q, want %q", cfg.Registry.URL, registry.DefaultURL)
	}
	if !cfg.Trust.AllowUnsigned {
		t.Error("trust.allow_unsigned should default to true")
	}
	if cfg.Abi.Strict {
		t.Error("abi.strict should default to false")
	}
	if cfg.Install.Parallelism != 8 {
		t.Errorf("install.parallelism = %d, want 8", cfg.Install.Parallelism)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	body := `
[registry]
url = "https://registry.example.com"
token = "secret"

[install]
parallelism = 2
`
	if err := os.WriteFile(Path(dir), []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.URL != "https://registry.example.com" {
		t.Errorf("registry.url = %q", cfg.Registry.URL)
	}
	if cfg.Registry.Token != "secret" {
		t.Errorf("registry.token = %q", cfg.Registry.Token)
	}
	if cfg.Install.Parallelism != 2 {
		t.Errorf("install.parallelism = %d", cfg.Install.Parallelism)
	}
	// Untouched keys keep their defaults.
	if !cfg.Trust.AllowUnsigned {
		t.Error("trust.allow_unsigned should keep its default")
	}
}

func TestLoadClampsParallelism(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("[install]\nparallelism = 0\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Install.Parallelism != 1 {
		t.Errorf("install.parallelism = %d, want 1", cfg.Install.Parallelism)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("[registry]\nurl = \"https://file.example.com\"\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("WAPM_REGISTRY_URL", "https://env.example.com")
	t.Setenv("WAPM_TRUST_ALLOW_UNSIGNED", "false")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.URL != "https://env.example.com" {
		t.Errorf("registry.url = %q, want env value", cfg.Registry.URL)
	}
	if cfg.Trust.AllowUnsigned {
		t.Error("trust.allow_unsigned should be overridden to false")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Set("registry.token", "tok123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cfg.Set("abi.strict", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(Path(dir))
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# wapm configuration") {
		t.Errorf("saved config missing header:\n%s", data)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Registry.Token != "tok123" || !reloaded.Abi.Strict {
		t.Errorf("round trip lost values: %+v", reloaded)
	}
}

func TestSetResetsTokenOnRegistryChange(t *testing.T) {
	cfg := &Config{}
	cfg.Registry.URL = registry.DefaultURL
	cfg.Registry.Token = "old-token"

	if err := cfg.Set("registry.url", "https://other.example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if cfg.Registry.Token != "" {
		t.Errorf("token should be cleared on registry change, got %q", cfg.Registry.Token)
	}

	// Setting the same URL keeps the token.
	cfg.Registry.Token = "new-token"
	if err := cfg.Set("registry.url", "https://other.example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if cfg.Registry.Token != "new-token" {
		t.Errorf("token should survive a no-op url set, got %q", cfg.Registry.Token)
	}
}

func TestGetSetErrors(t *testing.T) {
	cfg := &Config{}

	if _, err := cfg.Get("no.such.key"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Get unknown key error = %v", err)
	}
	if err := cfg.Set("no.such.key", "x"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Set unknown key error = %v", err)
	}
	if err := cfg.Set("trust.allow_unsigned", "perhaps"); err == nil {
		t.Error("expected bool parse error")
	}
	if err := cfg.Set("install.parallelism", "0"); err == nil {
		t.Error("expected parallelism floor error")
	}
}

func TestGetCoversAllKeys(t *testing.T) {
	cfg := &Config{}
	for _, key := range Keys() {
		if _, err := cfg.Get(key); err != nil {
			t.Errorf("Get(%q): %v", key, err)
		}
	}
}

func TestDirHonorsEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wasmer-data")
	t.Setenv(DirEnv, dir)

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if got != dir {
		t.Errorf("Dir = %q, want %q", got, dir)
	}
}
