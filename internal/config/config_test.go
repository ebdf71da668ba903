package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/tarsier/internal/cpu"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxInstructions != DefaultMaxInstructions {
		t.Errorf("MaxInstructions = %d", cfg.MaxInstructions)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tarsier.yaml")
	data := `
arch: arm64
os: ios
enable_ui_kit: true
max_instructions: 5000
bundle:
  identifier: com.taobao.taobao4iphone
  short_version: "10.8.0"
  info:
    CFBundleName: Taobao
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TARSIER_MAX_INSTRUCTIONS", "9000")
	t.Setenv("TARSIER_BUNDLE_IDENTIFIER", "com.example.override")
	t.Setenv("TARSIER_TRACE_COLOR", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.EnableUIKit {
		t.Error("enable_ui_kit not read from file")
	}
	if !cfg.TraceColor {
		t.Error("TARSIER_TRACE_COLOR ignored")
	}
	if cfg.MaxInstructions != 9000 {
		t.Errorf("MaxInstructions = %d, want env override 9000", cfg.MaxInstructions)
	}
	if cfg.Bundle.Identifier != "com.example.override" {
		t.Errorf("Bundle.Identifier = %q", cfg.Bundle.Identifier)
	}
	if cfg.Bundle.ShortVersion != "10.8.0" || cfg.Bundle.Info["CFBundleName"] != "Taobao" {
		t.Errorf("bundle = %+v", cfg.Bundle)
	}
	if cfg.Backend != "interp" {
		t.Errorf("default backend lost: %q", cfg.Backend)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
		want error
	}{
		{"arch", func(c *Config) { c.Arch = "x86_64" }, ErrArch},
		{"os", func(c *Config) { c.OS = "android" }, ErrOS},
		{"backend", func(c *Config) { c.Backend = "qemu" }, ErrBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mut(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateBackendBuiltIn(t *testing.T) {
	cfg := Default()
	cfg.Backend = "unicorn"
	err := cfg.Validate()
	if cpu.Available("unicorn") {
		if err != nil {
			t.Errorf("unicorn built in but rejected: %v", err)
		}
		return
	}
	if !errors.Is(err, ErrBackend) {
		t.Errorf("Validate() = %v, want ErrBackend without -tags unicorn", err)
	}
}
