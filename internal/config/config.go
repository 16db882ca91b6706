// Package config loads the yaml run configuration. Each orchestration run
// owns its own Config value; nothing here is a process-wide singleton.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind selects the provider backend.
type Kind string

const (
	KindLocal   Kind = "local"
	KindLibvirt Kind = "libvirt"
)

// Libvirt holds the libvirt provider's connection settings.
type Libvirt struct {
	URI     string `yaml:"uri"`
	Network string `yaml:"network"`
	BaseDir string `yaml:"base_dir"`

	// ImageDir is where base qcow2 images referenced by image aliases live.
	ImageDir string `yaml:"image_dir"`
}

// Config is one run's configuration.
type Config struct {
	Provider Kind    `yaml:"provider"`
	Libvirt  Libvirt `yaml:"libvirt"`

	// LocalBaseDir is where the local provider creates environment
	// subtrees. Empty means the system temporary directory.
	LocalBaseDir string `yaml:"local_base_dir"`

	// Images maps short aliases to provider image references.
	Images map[string]string `yaml:"images"`

	// MaxWorkers bounds the parallel runner; <= 0 means one worker per
	// environment.
	MaxWorkers int `yaml:"max_workers"`

	// Preserve keeps environments alive after runs for inspection.
	Preserve bool `yaml:"preserve"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Provider: KindLocal,
		Libvirt: Libvirt{
			URI:      "qemu:///system",
			Network:  "default",
			BaseDir:  "/var/lib/cleanroom/run",
			ImageDir: "/var/lib/cleanroom/images",
		},
		Images: map[string]string{},
	}
}

// Load reads and validates a yaml configuration file, filling unset fields
// from Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field combinations a yaml decode cannot.
func (c Config) Validate() error {
	switch c.Provider {
	case KindLocal, KindLibvirt:
	case "":
		return errors.New("provider kind is required")
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider)
	}
	if c.Provider == KindLibvirt {
		if c.Libvirt.URI == "" {
			return errors.New("libvirt.uri is required")
		}
		if c.Libvirt.Network == "" {
			return errors.New("libvirt.network is required")
		}
	}
	return nil
}

// Image resolves an alias to its provider image reference. Unknown aliases
// pass through unchanged so callers can name images directly.
func (c Config) Image(alias string) string {
	if ref, ok := c.Images[alias]; ok {
		return ref
	}
	return alias
}
