package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"voicechat/client/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Theme != "dark" {
		t.Errorf("expected theme 'dark', got %q", cfg.Theme)
	}
	if cfg.Volume != 1.0 {
		t.Errorf("expected volume 1.0, got %v", cfg.Volume)
	}
	if cfg.InputDeviceID != -1 || cfg.OutputDeviceID != -1 {
		t.Error("expected device IDs to default to -1")
	}
	if len(cfg.Servers) == 0 {
		t.Error("expected at least one default server")
	}
	if !cfg.NoiseEnabled {
		t.Error("expected noise suppression enabled by default")
	}
	if cfg.NoiseLevel != 80 {
		t.Errorf("expected default noise level 80, got %d", cfg.NoiseLevel)
	}
	if cfg.ReqSecLevel != 1 {
		t.Errorf("expected default security level 1, got %d", cfg.ReqSecLevel)
	}
	if cfg.DisplayName != "" {
		t.Errorf("expected empty default display name, got %q", cfg.DisplayName)
	}
	if cfg.Servers[0].Addr != "localhost:20354" {
		t.Errorf("expected default server 'localhost:20354', got %q", cfg.Servers[0].Addr)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		Theme:          "dracula",
		DisplayName:    "alice",
		InputDeviceID:  2,
		OutputDeviceID: 3,
		Volume:         0.75,
		NoiseEnabled:   true,
		NoiseLevel:     40,
		ReqSecLevel:    3,
		Servers: []config.ServerEntry{
			{Name: "Home", Addr: "192.168.1.10:8443"},
		},
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Theme != cfg.Theme {
		t.Errorf("theme: want %q got %q", cfg.Theme, loaded.Theme)
	}
	if loaded.DisplayName != cfg.DisplayName {
		t.Errorf("display name: want %q got %q", cfg.DisplayName, loaded.DisplayName)
	}
	if loaded.InputDeviceID != cfg.InputDeviceID {
		t.Errorf("input device: want %d got %d", cfg.InputDeviceID, loaded.InputDeviceID)
	}
	if loaded.Volume != cfg.Volume {
		t.Errorf("volume: want %v got %v", cfg.Volume, loaded.Volume)
	}
	if loaded.OutputDeviceID != cfg.OutputDeviceID {
		t.Errorf("output device: want %d got %d", cfg.OutputDeviceID, loaded.OutputDeviceID)
	}
	if loaded.NoiseEnabled != cfg.NoiseEnabled {
		t.Errorf("noise enabled: want %v got %v", cfg.NoiseEnabled, loaded.NoiseEnabled)
	}
	if loaded.NoiseLevel != cfg.NoiseLevel {
		t.Errorf("noise level: want %d got %d", cfg.NoiseLevel, loaded.NoiseLevel)
	}
	if loaded.ReqSecLevel != cfg.ReqSecLevel {
		t.Errorf("security level: want %d got %d", cfg.ReqSecLevel, loaded.ReqSecLevel)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Addr != "192.168.1.10:8443" {
		t.Errorf("servers: unexpected value %+v", loaded.Servers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.Theme == "" {
		t.Error("expected non-empty theme from defaults")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "voicechat", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.Theme != "dark" {
		t.Errorf("expected default theme on corrupt file, got %q", cfg.Theme)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "voicechat", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
