package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultPort            = 8420
	defaultStaticDir       = ""
	defaultRobotBinary     = "robot"
	defaultOutputDir       = "./results"
	defaultMaxSessions     = 5
	defaultRingCapacity    = 1000
	defaultRecoveryDelay   = 5 * time.Second
	defaultGracefulTimeout = 5 * time.Second
)

// Config stores server settings loaded from a TOML file with environment
// overrides.
type Config struct {
	Port            int
	StaticDir       string
	RobotBinary     string
	OutputDir       string
	MaxSessions     int
	RingCapacity    int
	RecoveryDelay   time.Duration
	GracefulTimeout time.Duration
}

type fileConfig struct {
	Port            *int    `toml:"port"`
	StaticDir       *string `toml:"static_dir"`
	RobotBinary     *string `toml:"robot_binary"`
	OutputDir       *string `toml:"output_dir"`
	MaxSessions     *int    `toml:"max_sessions"`
	RingCapacity    *int    `toml:"ring_capacity"`
	RecoveryDelay   *string `toml:"recovery_delay"`
	GracefulTimeout *string `toml:"graceful_timeout"`
}

// Load reads config from the given TOML path (skipped when empty or absent),
// overlays it onto defaults, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = n
	}
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Port:            defaultPort,
		StaticDir:       defaultStaticDir,
		RobotBinary:     defaultRobotBinary,
		OutputDir:       defaultOutputDir,
		MaxSessions:     defaultMaxSessions,
		RingCapacity:    defaultRingCapacity,
		RecoveryDelay:   defaultRecoveryDelay,
		GracefulTimeout: defaultGracefulTimeout,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if decoded.Port != nil {
		cfg.Port = *decoded.Port
	}
	if decoded.StaticDir != nil {
		cfg.StaticDir = *decoded.StaticDir
	}
	if decoded.RobotBinary != nil {
		cfg.RobotBinary = *decoded.RobotBinary
	}
	if decoded.OutputDir != nil {
		cfg.OutputDir = *decoded.OutputDir
	}
	if decoded.MaxSessions != nil {
		cfg.MaxSessions = *decoded.MaxSessions
	}
	if decoded.RingCapacity != nil {
		cfg.RingCapacity = *decoded.RingCapacity
	}
	if err := overlayDuration(&cfg.RecoveryDelay, decoded.RecoveryDelay, "recovery_delay", path); err != nil {
		return err
	}
	if err := overlayDuration(&cfg.GracefulTimeout, decoded.GracefulTimeout, "graceful_timeout", path); err != nil {
		return err
	}
	return nil
}

func overlayDuration(dst *time.Duration, raw *string, key, path string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("invalid %s in %q: %w", key, path, err)
	}
	*dst = d
	return nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("ring_capacity must be positive, got %d", c.RingCapacity)
	}
	if c.RobotBinary == "" {
		return errors.New("robot_binary must not be empty")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir must not be empty")
	}
	return nil
}
