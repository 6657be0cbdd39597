// Package config loads the urisk configuration: built-in defaults, then an
// optional YAML file validated against an embedded JSON Schema, then a
// .env file, then process environment variables.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/happyfish020/MarketMonitor-sub001/internal/logging"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "urisk-config.schema.json"

// Environment variables that override file values.
const (
	EnvDBPath        = "UR_DB_PATH"
	EnvBusyTimeoutMS = "UR_BUSY_TIMEOUT_MS"
	EnvLogLevel      = "UR_LOG_LEVEL"
	EnvLogFormat     = "UR_LOG_FORMAT"
	EnvEngineVersion = "UR_ENGINE_VERSION"
)

// Config is the full urisk configuration.
type Config struct {
	Database      DatabaseConfig `yaml:"database"`
	Log           LogConfig      `yaml:"log"`
	EngineVersion string         `yaml:"engine_version"`
	Replay        ReplayConfig   `yaml:"replay"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// LogConfig configures logging.New.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReplayConfig holds replay defaults; CLI flags override them.
type ReplayConfig struct {
	FloatAtol  float64  `yaml:"float_atol"`
	Ignore     []string `yaml:"ignore"`
	BlockSpecs string   `yaml:"block_specs"`
	OutDir     string   `yaml:"out_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          "data/persistent/unifiedrisk.db",
			BusyTimeoutMS: 5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		Replay: ReplayConfig{
			FloatAtol: 1e-8,
			OutDir:    "out/replay",
		},
	}
}

type loadOptions struct {
	envFile string
	lookup  func(string) (string, bool)
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithEnvFile reads overrides from path instead of ".env". An empty path
// disables the file.
func WithEnvFile(path string) LoadOption {
	return func(o *loadOptions) { o.envFile = path }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) { o.lookup = fn }
}

// Load builds the configuration. path may be empty. Precedence, lowest
// first: defaults, YAML file, .env file, process environment.
func Load(path string, opts ...LoadOption) (*Config, error) {
	o := loadOptions{envFile: ".env", lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	env, err := readEnvFile(o.envFile)
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := o.lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := env[key]
		return v, ok && v != ""
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateSchema(doc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return env, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDBPath); ok {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvBusyTimeoutMS); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBusyTimeoutMS, err)
		}
		c.Database.BusyTimeoutMS = n
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.Log.Format = v
	}
	if v, ok := lookup(EnvEngineVersion); ok {
		c.EngineVersion = v
	}
	return nil
}

// Validate checks values the schema cannot see, including those set from
// the environment.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.BusyTimeoutMS < 0 {
		return fmt.Errorf("database.busy_timeout_ms must be >= 0")
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}
	switch c.Log.Format {
	case logging.FormatJSON, logging.FormatConsole, "pretty":
	default:
		return fmt.Errorf("log.format must be one of: json, console")
	}
	if c.Replay.FloatAtol < 0 {
		return fmt.Errorf("replay.float_atol must be >= 0")
	}
	return nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add config schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return sch, nil
})

// validateSchema checks a decoded YAML document against the embedded
// schema and reports each failing location.
func validateSchema(doc any) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	err = sch.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	var msgs []string
	collectSchemaErrors(verr, &msgs)
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}

func collectSchemaErrors(err *jsonschema.ValidationError, out *[]string) {
	if len(err.Causes) == 0 {
		path := strings.Join(err.InstanceLocation, ".")
		if path == "" {
			path = "(root)"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", path, err.Error()))
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, out)
	}
}
