// Package config loads the runtime configuration from a YAML file with
// environment overrides. Every env variable is prefixed with WAREHOUSE_.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"warehousecore/internal/blob"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Driver names an executor implementation.
type Driver string

// Supported executor drivers.
const (
	DriverMemory    Driver = "memory"
	DriverSQLite    Driver = "sqlite"
	DriverPostgres  Driver = "postgres"
	DriverSQLServer Driver = "sqlserver"
	DriverBlob      Driver = "blob"
)

// SQL reports whether d is backed by database/sql.
func (d Driver) SQL() bool {
	return d == DriverSQLite || d == DriverPostgres || d == DriverSQLServer
}

// Routing modes.
const (
	RoutingDefault = "default"
	RoutingShard   = "shard"
)

// Config is the full runtime configuration.
type Config struct {
	// Executors lists the named executors. When empty a single executor is
	// built from Driver and DSN so a deployment can be configured from env
	// alone.
	Executors []ExecutorConfig `yaml:"executors"`

	Driver Driver `yaml:"-" env:"WAREHOUSE_DRIVER" env-default:"memory" env-description:"driver of the implicit executor when none are listed"`

	// DSN may carry credentials and is only read from the environment.
	DSN string `yaml:"-" env:"WAREHOUSE_DSN" env-description:"connection string of the implicit executor"`

	Routing   RoutingConfig   `yaml:"routing"`
	Execution ExecutionConfig `yaml:"execution"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Blob      blob.Config     `yaml:"blob" env-prefix:"WAREHOUSE_BLOB_"`
}

// ExecutorConfig describes one executor. DSNEnv names an environment
// variable holding the DSN so credentials stay out of the file.
type ExecutorConfig struct {
	Name    string `yaml:"name"`
	Driver  Driver `yaml:"driver"`
	DSN     string `yaml:"dsn,omitempty"`
	DSNEnv  string `yaml:"dsn_env,omitempty"`
	Default bool   `yaml:"default,omitempty"`
}

// RoutingConfig selects the resolver.
type RoutingConfig struct {
	Mode string `yaml:"mode" env:"WAREHOUSE_ROUTING_MODE" env-default:"default" env-description:"default or shard"`
}

// ExecutionConfig holds the options passed to every write batch.
type ExecutionConfig struct {
	Isolation string `yaml:"isolation" env:"WAREHOUSE_ISOLATION" env-description:"transaction isolation level for write batches"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"WAREHOUSE_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"WAREHOUSE_LOG_FORMAT" env-default:"json"`
}

// MetricsConfig configures the command recorder.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"WAREHOUSE_METRICS_ENABLED" env-default:"true"`
	Namespace string `yaml:"namespace" env:"WAREHOUSE_METRICS_NAMESPACE" env-default:"warehouse"`
}

// Load reads path when set, otherwise the environment only. Environment
// variables override values from the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Normalize(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills implied values and validates the result. lookup resolves
// DSNEnv references.
func (c *Config) Normalize(lookup func(string) (string, bool)) error {
	if len(c.Executors) == 0 {
		c.Executors = []ExecutorConfig{{Name: "default", Driver: c.Driver, DSN: c.DSN, Default: true}}
	}
	seen := make(map[string]bool, len(c.Executors))
	defaults := 0
	var errs []error
	for i := range c.Executors {
		ec := &c.Executors[i]
		ec.Driver = Driver(strings.ToLower(string(ec.Driver)))
		if ec.Name == "" {
			ec.Name = string(ec.Driver)
		}
		if seen[ec.Name] {
			errs = append(errs, fmt.Errorf("executor %q listed twice", ec.Name))
		}
		seen[ec.Name] = true
		if ec.Default {
			defaults++
		}
		if ec.DSN == "" && ec.DSNEnv != "" {
			ec.DSN, _ = lookup(ec.DSNEnv)
		}
		switch {
		case ec.Driver.SQL():
			if ec.DSN == "" {
				errs = append(errs, fmt.Errorf("executor %q: %s requires a dsn", ec.Name, ec.Driver))
			}
		case ec.Driver == DriverMemory, ec.Driver == DriverBlob:
		default:
			errs = append(errs, fmt.Errorf("executor %q: unknown driver %q", ec.Name, ec.Driver))
		}
	}
	if defaults > 1 {
		errs = append(errs, errors.New("more than one default executor"))
	}
	switch c.Routing.Mode {
	case "":
		c.Routing.Mode = RoutingDefault
	case RoutingDefault, RoutingShard:
	default:
		errs = append(errs, fmt.Errorf("unknown routing mode %q", c.Routing.Mode))
	}
	return errors.Join(errs...)
}

// Sample returns a configuration showing every executor driver.
func Sample() *Config {
	return &Config{
		Executors: []ExecutorConfig{
			{Name: "primary", Driver: DriverPostgres, DSNEnv: "WAREHOUSE_PRIMARY_DSN", Default: true},
			{Name: "archive", Driver: DriverSQLServer, DSNEnv: "WAREHOUSE_ARCHIVE_DSN"},
			{Name: "local", Driver: DriverSQLite, DSN: "file:warehouse.db"},
			{Name: "documents", Driver: DriverBlob},
			{Name: "scratch", Driver: DriverMemory},
		},
		Routing:   RoutingConfig{Mode: RoutingDefault},
		Execution: ExecutionConfig{Isolation: "read committed"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Metrics:   MetricsConfig{Enabled: true, Namespace: "warehouse"},
		Blob:      blob.Config{Driver: blob.DriverFilesystem, Root: "./blobdata"},
	}
}

// WriteYAML encodes c as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// EnvHelp describes the environment variables Load understands.
func EnvHelp() (string, error) {
	header := "Environment variables:"
	return cleanenv.GetDescription(&Config{}, &header)
}
