// Package config loads formdbg configuration from defaults, an optional
// YAML file, FORMDBG_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/formdbg/internal/recovery"
)

// EnvPrefix prefixes every environment variable: recovery.indoubt is read
// from FORMDBG_RECOVERY_INDOUBT.
const EnvPrefix = "formdbg"

// Config is the resolved configuration of one formdbg invocation. Load
// fills it from defaults, the config file, FORMDBG_* variables and changed
// flags, later sources winning.
type Config struct {
	Journal     string          `mapstructure:"journal"` // Journal file
	Store       string          `mapstructure:"store"`   // SQLite snapshot and plan store
	Schema      string          `mapstructure:"schema"`  // Constraint schema, .yaml or .cue
	State       string          `mapstructure:"state"`   // Optional live state dump; empty means derive from snapshots
	Recovery    RecoveryConfig  `mapstructure:"recovery"`
	Retention   RetentionConfig `mapstructure:"retention"`
	Parallelism int             `mapstructure:"parallelism"`
	LogLevel    string          `mapstructure:"log_level"`
}

// RecoveryConfig chooses how a recovery plan treats in-doubt transactions
// and which state it aims for.
type RecoveryConfig struct {
	InDoubt recovery.InDoubtPolicy `mapstructure:"indoubt"`
	Target  recovery.Target        `mapstructure:"target"`
}

// RetentionConfig bounds what the store keeps. Provenance history is
// collapsed at the oldest retained snapshot.
type RetentionConfig struct {
	// Snapshots is how many snapshots to keep after a new head is written
	// by a recovery or a checkpoint; 0 keeps all.
	Snapshots int `mapstructure:"snapshots"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"journal":        "journal",
	"store":          "store",
	"schema":         "schema",
	"state":          "state",
	"indoubt":        "recovery.indoubt",
	"target":         "recovery.target",
	"keep-snapshots": "retention.snapshots",
	"parallelism":    "parallelism",
	"log-level":      "log_level",
}

// Load reads configuration. path may be empty (no config file). flags may be
// nil; flags it contains that are listed in flagKeys override every other
// source when set.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("journal", "")
	v.SetDefault("store", "formdbg.db")
	v.SetDefault("schema", "")
	v.SetDefault("state", "")
	v.SetDefault("recovery.indoubt", string(recovery.InDoubtOperator))
	v.SetDefault("recovery.target", string(recovery.TargetMinimal))
	v.SetDefault("retention.snapshots", 0)
	v.SetDefault("parallelism", 4)
	v.SetDefault("log_level", "info")
}

// Validate checks enumerations and bounds.
func (c Config) Validate() error {
	if _, err := recovery.ParseInDoubtPolicy(string(c.Recovery.InDoubt)); err != nil {
		return fmt.Errorf("recovery.indoubt: %w", err)
	}
	if _, err := recovery.ParseTarget(string(c.Recovery.Target)); err != nil {
		return fmt.Errorf("recovery.target: %w", err)
	}
	if c.Retention.Snapshots < 0 {
		return fmt.Errorf("retention.snapshots must not be negative, got %d", c.Retention.Snapshots)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
