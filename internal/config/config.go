// Package config loads the minikernel configuration from a YAML file and
// overlays MINIKERNEL_* keys read from dotenv files and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment keys overriding the YAML values.
const (
	EnvImage         = "MINIKERNEL_IMAGE"
	EnvLabel         = "MINIKERNEL_LABEL"
	EnvMaxProcs      = "MINIKERNEL_MAX_PROCS"
	EnvPageDirectory = "MINIKERNEL_PAGE_DIRECTORY"
	EnvLogLevel      = "MINIKERNEL_LOG_LEVEL"
	EnvNoColor       = "MINIKERNEL_NO_COLOR"
)

type Config struct {
	// Image is the path of the floppy image to operate on.
	Image string `yaml:"image"`
	// Label is the volume label written by format.
	Label string `yaml:"label"`
	// MaxProcs is the process table capacity.
	MaxProcs int `yaml:"max_procs"`
	// PageDirectory is the CR3 value given to every process.
	PageDirectory uint32 `yaml:"page_directory"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	NoColor  bool   `yaml:"no_color"`
}

// Default returns the built in configuration.
func Default() Config {
	return Config{
		Image:         "floppy.img",
		Label:         "MINIKERNEL",
		MaxProcs:      16,
		PageDirectory: 0x9C000,
		LogLevel:      "info",
	}
}

type genericConfigProvider interface {
	Read(filenames ...string) (envMap map[string]string, err error)
}

// Loader reads configuration sources in order of increasing precedence:
// defaults, YAML file, dotenv files, process environment.
type Loader struct {
	Provider genericConfigProvider
	// Getenv looks up process environment variables. Defaults to os.Getenv.
	Getenv func(string) string
}

// Load reads the configuration with the dotenv provider.
func Load(yamlPath string, envFiles ...string) (Config, error) {
	l := Loader{Provider: &GodotenvProvider{}}
	return l.Load(yamlPath, envFiles...)
}

// Load reads yamlPath, if not empty, and the envFiles that exist over the defaults.
func (l *Loader) Load(yamlPath string, envFiles ...string) (Config, error) {
	cfg := Default()
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return cfg, fmt.Errorf("(config) %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("(config) %s: %w", yamlPath, err)
		}
	}

	var existing []string
	for _, name := range envFiles {
		if _, err := os.Stat(name); err == nil {
			existing = append(existing, name)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("(config) %w", err)
		}
	}
	envMap := map[string]string{}
	if len(existing) > 0 && l.Provider != nil {
		m, err := l.Provider.Read(existing...)
		if err != nil {
			return cfg, err
		}
		envMap = m
	}
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, key := range []string{EnvImage, EnvLabel, EnvMaxProcs, EnvPageDirectory, EnvLogLevel, EnvNoColor} {
		if v := getenv(key); v != "" {
			envMap[key] = v
		}
	}
	if err := cfg.overlay(envMap); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) overlay(envMap map[string]string) error {
	if v, ok := envMap[EnvImage]; ok {
		cfg.Image = v
	}
	if v, ok := envMap[EnvLabel]; ok {
		cfg.Label = v
	}
	if v, ok := envMap[EnvLogLevel]; ok {
		cfg.LogLevel = v
	}
	if v, ok := envMap[EnvMaxProcs]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("(config) %s: %w", EnvMaxProcs, err)
		}
		cfg.MaxProcs = n
	}
	if v, ok := envMap[EnvPageDirectory]; ok {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("(config) %s: %w", EnvPageDirectory, err)
		}
		cfg.PageDirectory = uint32(n)
	}
	if v, ok := envMap[EnvNoColor]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("(config) %s: %w", EnvNoColor, err)
		}
		cfg.NoColor = b
	}
	return nil
}

// Validate checks value ranges.
func (cfg *Config) Validate() error {
	if cfg.MaxProcs <= 0 {
		return fmt.Errorf("(config) max_procs must be positive, got %d", cfg.MaxProcs)
	} else if cfg.PageDirectory&0xFFF != 0 {
		return fmt.Errorf("(config) page_directory %#x not page aligned", cfg.PageDirectory)
	} else if len(cfg.Label) > 11 {
		return fmt.Errorf("(config) label %q longer than 11 bytes", cfg.Label)
	}
	_, err := cfg.Level()
	return err
}

// Level parses LogLevel.
func (cfg *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("(config) log_level: %w", err)
	}
	return lvl, nil
}
