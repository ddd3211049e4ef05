// Package config loads server configuration through viper and keeps the
// fleet snapshot current as its file changes.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/mule-ai/horde/pkg/storage"
)

// EnvPrefix is prepended to environment overrides, e.g. HORDE_DATABASE_DRIVER.
const EnvPrefix = "HORDE"

// Database drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	File   string `mapstructure:"file"`
	Stdout bool   `mapstructure:"stdout"`
	Level  string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is a postgres:// URL.
	DSN string `mapstructure:"dsn"`
}

type SchedulerConfig struct {
	TickSchedule string `mapstructure:"tickSchedule"`
	GCSchedule   string `mapstructure:"gcSchedule"`
}

type StorageConfig struct {
	Namespaces []storage.NamespaceConfig `mapstructure:"namespaces"`
}

type FleetConfig struct {
	SnapshotPath string `mapstructure:"snapshotPath"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `mapstructure:"listen"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file", "")
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("scheduler.tickSchedule", "@every 5s")
	v.SetDefault("scheduler.gcSchedule", "@every 1h")
	v.SetDefault("fleet.snapshotPath", "")
	v.SetDefault("metrics.listen", ":9090")
}

// Load reads configuration from path (optional), HORDE_ environment
// variables and any flags already bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem found.
func (c *Config) Validate() error {
	var errs error

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = multierr.Append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, schedule := range []struct{ name, spec string }{
		{"scheduler.tickSchedule", c.Scheduler.TickSchedule},
		{"scheduler.gcSchedule", c.Scheduler.GCSchedule},
	} {
		if _, err := parser.Parse(schedule.spec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid %s %q: %w", schedule.name, schedule.spec, err))
		}
	}

	seen := make(map[string]bool)
	for i, ns := range c.Storage.Namespaces {
		switch {
		case ns.ID == "":
			errs = multierr.Append(errs, fmt.Errorf("storage.namespaces[%d] has no id", i))
		case seen[ns.ID]:
			errs = multierr.Append(errs, fmt.Errorf("duplicate storage namespace %q", ns.ID))
		}
		seen[ns.ID] = true
		if ns.Backend.Type == "file" && ns.Backend.BaseDir == "" {
			errs = multierr.Append(errs, fmt.Errorf("storage namespace %q needs backend.baseDir", ns.ID))
		}
		if ns.GcDelayHrs < 0 {
			errs = multierr.Append(errs, fmt.Errorf("storage namespace %q has a negative gcDelayHrs", ns.ID))
		}
	}

	return errs
}
