// Package config loads cskg configuration from an optional YAML file,
// CSKG_-prefixed environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Compose ComposeConfig `mapstructure:"compose"`
	Detect  DetectConfig  `mapstructure:"detect"`
	Extract ExtractConfig `mapstructure:"extract"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "neo4j".
	Driver string      `mapstructure:"driver"`
	Path   string      `mapstructure:"path"`
	Neo4j  Neo4jConfig `mapstructure:"neo4j"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type ComposeConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type DetectConfig struct {
	MinSupport       int `mapstructure:"min_support"`
	MinItemsetSize   int `mapstructure:"min_itemset_size"`
	MinFunctionCount int `mapstructure:"min_function_count"`
	// Tree is "memory" or "store".
	Tree        string        `mapstructure:"tree"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ExtractConfig struct {
	Workers      int    `mapstructure:"workers"`
	ModulePrefix string `mapstructure:"module_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

const (
	DriverSQLite = "sqlite"
	DriverNeo4j  = "neo4j"

	TreeMemory = "memory"
	TreeStore  = "store"
)

// SetDefaults registers every key with its default, which also makes the
// key visible to AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", ".cskg/graph.db")
	v.SetDefault("store.neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("store.neo4j.username", "neo4j")
	v.SetDefault("store.neo4j.password", "")
	v.SetDefault("store.neo4j.database", "")

	v.SetDefault("compose.batch_size", 1000)
	v.SetDefault("compose.max_retries", 3)
	v.SetDefault("compose.batch_timeout", 30*time.Second)
	v.SetDefault("compose.concurrency", 4)

	v.SetDefault("detect.min_support", 3)
	v.SetDefault("detect.min_itemset_size", 3)
	v.SetDefault("detect.min_function_count", 2)
	v.SetDefault("detect.tree", TreeMemory)
	v.SetDefault("detect.concurrency", runtime.NumCPU())
	v.SetDefault("detect.max_retries", 3)
	v.SetDefault("detect.timeout", 30*time.Second)

	v.SetDefault("extract.workers", runtime.NumCPU())
	v.SetDefault("extract.module_prefix", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.listen", "")
}

// NewViper returns a viper instance with defaults and CSKG_ environment
// overrides, e.g. CSKG_STORE_NEO4J_PASSWORD for store.neo4j.password.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("CSKG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from the optional file at path and the
// environment.
func Load(path string) (*Config, error) {
	return FromViper(NewViper(), path)
}

// FromViper reads the optional file at path into v and decodes the result.
// Invalid configuration is an error; see Validate.
func FromViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if _, err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ErrInvalid marks a configuration value that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks configuration for issues. Values that cannot work are
// returned as an error; questionable ones as warnings.
func (c *Config) Validate() ([]string, error) {
	var warnings []string
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			invalid("store.path is empty")
		}
	case DriverNeo4j:
		if c.Store.Neo4j.URI == "" {
			invalid("store.neo4j.uri is empty")
		}
		if c.Store.Neo4j.Password == "" {
			warnings = append(warnings, "store.neo4j.password is empty")
		}
	default:
		invalid("store.driver %q is not sqlite or neo4j", c.Store.Driver)
	}

	if c.Compose.BatchSize < 1 {
		invalid("compose.batch_size %d must be at least 1", c.Compose.BatchSize)
	}
	if c.Compose.MaxRetries < 1 {
		invalid("compose.max_retries %d must be at least 1", c.Compose.MaxRetries)
	}
	if c.Compose.BatchTimeout <= 0 {
		warnings = append(warnings, "compose.batch_timeout is not positive; batches run without a deadline")
	}
	if c.Compose.Concurrency < 1 {
		warnings = append(warnings, fmt.Sprintf("compose.concurrency %d is below 1; using 1", c.Compose.Concurrency))
	}

	if c.Detect.MinSupport < 1 {
		invalid("detect.min_support %d must be at least 1", c.Detect.MinSupport)
	}
	if c.Detect.MinItemsetSize < 1 {
		invalid("detect.min_itemset_size %d must be at least 1", c.Detect.MinItemsetSize)
	}
	if c.Detect.MinFunctionCount < 1 {
		invalid("detect.min_function_count %d must be at least 1", c.Detect.MinFunctionCount)
	}
	if c.Detect.MaxRetries < 1 {
		invalid("detect.max_retries %d must be at least 1", c.Detect.MaxRetries)
	}
	switch c.Detect.Tree {
	case TreeMemory, TreeStore:
	default:
		invalid("detect.tree %q is not memory or store", c.Detect.Tree)
	}
	if c.Detect.MinItemsetSize == 1 {
		warnings = append(warnings, "detect.min_itemset_size 1 never yields findings; itemsets need at least 2 items")
	}
	if c.Detect.MinFunctionCount > c.Detect.MinSupport {
		warnings = append(warnings, fmt.Sprintf("detect.min_function_count %d exceeds detect.min_support %d", c.Detect.MinFunctionCount, c.Detect.MinSupport))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		invalid("log.format %q is not text or json", c.Log.Format)
	}

	return warnings, errors.Join(errs...)
}
