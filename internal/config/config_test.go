package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate: %v", err)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("Expected 5s connect timeout, got %s", cfg.ConnectTimeout)
	}
	if cfg.Port != DefaultPort || cfg.PaperWidth != "58mm" {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
transport: sim
paper_width: 80mm
connect_timeout: 2s
keep_alive: true
serial:
  baud: 115200
sim:
  devices:
    - name: Test
      address: AA:BB
      bonded: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != TransportSim || cfg.PaperWidth != "80mm" || !cfg.KeepAlive {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.ConnectTimeout != 2*time.Second {
		t.Errorf("Expected 2s, got %s", cfg.ConnectTimeout)
	}
	if cfg.Serial.Baud != 115200 {
		t.Errorf("Expected baud 115200, got %d", cfg.Serial.Baud)
	}
	if len(cfg.Sim.Devices) != 1 || !cfg.Sim.Devices[0].Bonded {
		t.Errorf("Expected file devices to replace defaults, got %+v", cfg.Sim.Devices)
	}
	if cfg.Adapter != "hci0" {
		t.Errorf("Expected unset keys to keep defaults, got adapter %q", cfg.Adapter)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "transport: serial\nport: \"9000\"\n")
	t.Setenv("BTPRINT_TRANSPORT", "sim")
	t.Setenv("BTPRINT_CONNECT_TIMEOUT", "750ms")
	t.Setenv("BTPRINT_KEEP_ALIVE", "true")
	t.Setenv("SERVER_PORT", "8081")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != TransportSim {
		t.Errorf("Expected env transport, got %q", cfg.Transport)
	}
	if cfg.ConnectTimeout != 750*time.Millisecond || !cfg.KeepAlive {
		t.Errorf("Unexpected env overrides %+v", cfg)
	}
	if cfg.Port != "8081" {
		t.Errorf("Expected SERVER_PORT to win, got %q", cfg.Port)
	}
}

func TestInvalidEnv(t *testing.T) {
	t.Setenv("BTPRINT_CONNECT_TIMEOUT", "soon")
	if _, err := Load(writeConfig(t, "")); err == nil || !strings.Contains(err.Error(), "BTPRINT_CONNECT_TIMEOUT") {
		t.Fatalf("Expected timeout parse error, got %v", err)
	}
}

func TestMissingFiles(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for a missing explicit file")
	}

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	if _, err := Load(""); err != nil {
		t.Errorf("Expected a missing default file to be ignored, got %v", err)
	}
}

func TestMalformedFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "transport: [")); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"paper", func(c *Config) { c.PaperWidth = "90mm" }},
		{"timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"port", func(c *Config) { c.Port = "http" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected %s to be rejected", tt.name)
			}
		})
	}
}

func TestResolveRegistryPath(t *testing.T) {
	cfg := Default()
	cfg.RegistryPath = "/tmp/custom.json"
	if got := cfg.ResolveRegistryPath(); got != "/tmp/custom.json" {
		t.Errorf("Expected explicit path, got %q", got)
	}

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	cfg.RegistryPath = ""
	got := cfg.ResolveRegistryPath()
	if filepath.Base(got) != registryFileName || filepath.Base(filepath.Dir(got)) != appName {
		t.Errorf("Expected registry under the config dir, got %q", got)
	}
}
