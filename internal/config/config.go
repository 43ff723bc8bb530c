package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is the well-known location of the authramp configuration file.
const DefaultPath = "/etc/security/authramp.conf"

// ErrTallyDirUnavailable is returned when the tally directory cannot be
// created or accessed. Without durable storage the engine cannot provide
// any lockout guarantee, so this error is fatal to the caller.
var ErrTallyDirUnavailable = errors.New("tally directory unavailable")

// Config holds the tunable lockout parameters. It is resolved once per
// invocation and treated as immutable afterwards.
type Config struct {
	TallyDir       string
	FreeTries      int
	BaseDelay      time.Duration
	RampMultiplier float64
	EvenDenyRoot   bool
	Countdown      bool
}

// Defaults returns the built-in configuration values.
func Defaults() *Config {
	return &Config{
		TallyDir:       "/var/run/authramp",
		FreeTries:      6,
		BaseDelay:      30 * time.Second,
		RampMultiplier: 50,
		EvenDenyRoot:   false,
		Countdown:      true,
	}
}

// rawConfig mirrors the on-disk layout: a single [Configuration] table
// whose keys are decoded individually so one bad value cannot take the
// rest of the configuration down with it.
type rawConfig struct {
	Configuration map[string]toml.Primitive `toml:"Configuration"`
}

// Resolve reads the configuration file at path (DefaultPath when empty)
// and returns the resulting configuration. A missing or unparsable file
// yields the defaults; a recognized key with an invalid value falls back
// to that key's default. Resolve never fails: lockout protection must not
// be disabled by a damaged configuration file.
func Resolve(path string, logger *slog.Logger) *Config {
	if path == "" {
		path = DefaultPath
	}
	cfg := Defaults()

	var raw rawConfig
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("unparsable configuration file, using defaults",
				slog.String("path", path),
				slog.Any("error", err))
		}
		return cfg
	}
	if raw.Configuration == nil {
		return cfg
	}

	resolveString(md, raw.Configuration, "tally_dir", logger, func(v string) bool {
		if v == "" {
			return false
		}
		cfg.TallyDir = v
		return true
	})
	resolveInt(md, raw.Configuration, "free_tries", logger, func(v int64) bool {
		if v < 0 {
			return false
		}
		cfg.FreeTries = int(v)
		return true
	})
	resolveInt(md, raw.Configuration, "base_delay_seconds", logger, func(v int64) bool {
		if v < 0 {
			return false
		}
		cfg.BaseDelay = time.Duration(v) * time.Second
		return true
	})
	resolveFloat(md, raw.Configuration, "ramp_multiplier", logger, func(v float64) bool {
		if v <= 0 {
			return false
		}
		cfg.RampMultiplier = v
		return true
	})
	resolveBool(md, raw.Configuration, "even_deny_root", logger, func(v bool) bool {
		cfg.EvenDenyRoot = v
		return true
	})
	resolveBool(md, raw.Configuration, "countdown", logger, func(v bool) bool {
		cfg.Countdown = v
		return true
	})

	return cfg
}

// Load resolves the configuration and ensures the tally directory exists,
// creating it owner-only if missing.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := Resolve(path, logger)
	if err := cfg.EnsureTallyDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureTallyDir creates the tally directory with restrictive permissions
// if it does not exist yet.
func (c *Config) EnsureTallyDir() error {
	if err := os.MkdirAll(c.TallyDir, 0o700); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrTallyDirUnavailable, c.TallyDir, err)
	}
	return nil
}

func resolveString(md toml.MetaData, table map[string]toml.Primitive, key string, logger *slog.Logger, apply func(string) bool) {
	prim, ok := table[key]
	if !ok {
		return
	}
	var v string
	if err := md.PrimitiveDecode(prim, &v); err != nil || !apply(v) {
		logInvalidKey(logger, key)
	}
}

func resolveInt(md toml.MetaData, table map[string]toml.Primitive, key string, logger *slog.Logger, apply func(int64) bool) {
	prim, ok := table[key]
	if !ok {
		return
	}
	var v int64
	if err := md.PrimitiveDecode(prim, &v); err != nil || !apply(v) {
		logInvalidKey(logger, key)
	}
}

func resolveFloat(md toml.MetaData, table map[string]toml.Primitive, key string, logger *slog.Logger, apply func(float64) bool) {
	prim, ok := table[key]
	if !ok {
		return
	}
	// TOML authors write "50" and "50.0" interchangeably here.
	var f float64
	if err := md.PrimitiveDecode(prim, &f); err == nil && apply(f) {
		return
	}
	var i int64
	if err := md.PrimitiveDecode(prim, &i); err == nil && apply(float64(i)) {
		return
	}
	logInvalidKey(logger, key)
}

func resolveBool(md toml.MetaData, table map[string]toml.Primitive, key string, logger *slog.Logger, apply func(bool) bool) {
	prim, ok := table[key]
	if !ok {
		return
	}
	var v bool
	if err := md.PrimitiveDecode(prim, &v); err != nil || !apply(v) {
		logInvalidKey(logger, key)
	}
}

func logInvalidKey(logger *slog.Logger, key string) {
	logger.Warn("invalid configuration value, using default", slog.String("key", key))
}
