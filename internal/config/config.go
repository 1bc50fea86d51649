// Package config loads taskflow settings from a YAML file and TASKFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// EnvPrefix is prepended to every environment override, e.g.
// TASKFLOW_STORE_DRIVER.
const EnvPrefix = "TASKFLOW"

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Engine struct {
		MaxHops int `mapstructure:"max_hops"`
	} `mapstructure:"engine"`
	Store struct {
		Driver   string `mapstructure:"driver"`
		DSN      string `mapstructure:"dsn"`
		Prefix   string `mapstructure:"prefix"`
		Database string `mapstructure:"database"`
	} `mapstructure:"store"`
	Graph struct {
		Files []string `mapstructure:"files"`
	} `mapstructure:"graph"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("engine.max_hops", 100)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.prefix", "taskflow:")
	v.SetDefault("store.database", "taskflow")
	v.SetDefault("graph.files", []string{"workflows"})
}

// Load reads the configuration. With an empty path it looks for
// taskflow.yaml in the working directory and ./config, and a missing file
// is not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	// A single env value like "a.yaml,b.yaml" arrives as one element.
	var files []string
	for _, f := range c.Graph.Files {
		for _, part := range strings.Split(f, ",") {
			if part = strings.TrimSpace(part); part != "" {
				files = append(files, part)
			}
		}
	}
	c.Graph.Files = files
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if c.Store.DSN == "" {
			problems = append(problems, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Engine.MaxHops <= 0 {
		problems = append(problems, fmt.Errorf("engine.max_hops must be positive, got %d", c.Engine.MaxHops))
	}
	if c.Server.Addr == "" {
		problems = append(problems, errors.New("server.addr is required"))
	}
	if len(c.Graph.Files) == 0 {
		problems = append(problems, errors.New("graph.files names no workflow files"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %w", errors.Join(problems...))
	}
	return nil
}
