// Package config holds session configuration. Values come from Default, then
// an optional YAML file, then TARSIER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v8"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/tarsier/internal/cpu"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TARSIER_"

// DefaultMaxInstructions bounds a single guest call.
const DefaultMaxInstructions = 200_000_000

// Bundle describes the main bundle reported to the guest through NSBundle.
type Bundle struct {
	Identifier     string            `yaml:"identifier" env:"IDENTIFIER"`
	ExecutablePath string            `yaml:"executable_path" env:"EXECUTABLE_PATH"`
	ShortVersion   string            `yaml:"short_version" env:"SHORT_VERSION"`
	Info           map[string]string `yaml:"info"`
}

// Config is the full set of session options.
type Config struct {
	Arch            string `yaml:"arch" env:"ARCH"`
	OS              string `yaml:"os" env:"OS"`
	RootFS          string `yaml:"rootfs" env:"ROOTFS"`
	Backend         string `yaml:"backend" env:"BACKEND"`
	EnableUIKit     bool   `yaml:"enable_ui_kit" env:"ENABLE_UI_KIT"`
	FallbackImports bool   `yaml:"fallback_imports" env:"FALLBACK_IMPORTS"`
	MaxInstructions uint64 `yaml:"max_instructions" env:"MAX_INSTRUCTIONS"`
	StackSize       uint64 `yaml:"stack_size" env:"STACK_SIZE"`
	HeapSize        uint64 `yaml:"heap_size" env:"HEAP_SIZE"`
	Trace           bool   `yaml:"trace" env:"TRACE"`
	TraceColor      bool   `yaml:"trace_color" env:"TRACE_COLOR"`
	// Debug switches the process logger to development output. Only the
	// first session or driver to initialize logging decides.
	Debug bool `yaml:"debug" env:"DEBUG"`

	Bundle Bundle `yaml:"bundle" envPrefix:"BUNDLE_"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Arch:            "arm64",
		OS:              "ios",
		Backend:         "interp",
		FallbackImports: true,
		MaxInstructions: DefaultMaxInstructions,
		StackSize:       0x100000,
		HeapSize:        0x4000000,
		Bundle: Bundle{
			Identifier:   "com.example.app",
			ShortVersion: "1.0",
		},
	}
}

// Load reads Default, overlays the YAML file at path (skipped when empty)
// and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays TARSIER_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

var (
	ErrArch    = errors.New("unsupported architecture")
	ErrOS      = errors.New("unsupported operating system")
	ErrBackend = errors.New("unknown cpu backend")
)

// Validate rejects configurations a session cannot honor.
func (c Config) Validate() error {
	if c.Arch != "arm64" {
		return fmt.Errorf("%w: %q", ErrArch, c.Arch)
	}
	if c.OS != "ios" {
		return fmt.Errorf("%w: %q", ErrOS, c.OS)
	}
	switch {
	case c.Backend == "" || cpu.Available(c.Backend):
	case c.Backend == "unicorn":
		return fmt.Errorf("%w: %q is not built in, rebuild with -tags unicorn", ErrBackend, c.Backend)
	default:
		return fmt.Errorf("%w: %q", ErrBackend, c.Backend)
	}
	if c.StackSize != 0 && c.StackSize < 0x4000 {
		return fmt.Errorf("stack size 0x%x too small", c.StackSize)
	}
	return nil
}
