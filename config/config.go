// Package config layers the client's settings from defaults, a YAML file,
// the environment and CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/pwclient/internal/trace"
	"github.com/liuxd6825/pwclient/wait"
)

// Config holds the client settings. Unset fields fall back to the layer
// below when applied.
type Config struct {
	DriverPath null.String `json:"driverPath" envconfig:"PWCLIENT_DRIVER_PATH"`
	DriverArgs []string    `json:"driverArgs" envconfig:"PWCLIENT_DRIVER_ARGS"`
	WSEndpoint null.String `json:"wsEndpoint" envconfig:"PWCLIENT_WS_ENDPOINT"`

	Browser  null.String `json:"browser" envconfig:"PWCLIENT_BROWSER"`
	Headless null.Bool   `json:"headless" envconfig:"PWCLIENT_HEADLESS"`

	// Timeouts are in milliseconds, 0 disables them.
	Timeout           null.Int `json:"timeout" envconfig:"PWCLIENT_TIMEOUT"`
	NavigationTimeout null.Int `json:"navigationTimeout" envconfig:"PWCLIENT_NAVIGATION_TIMEOUT"`

	LogLevel          null.String `json:"logLevel" envconfig:"PWCLIENT_LOG_LEVEL"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"PWCLIENT_LOG_CATEGORY_FILTER"`
	// LogOutput is stderr, none or file=path[,level=lvl].
	LogOutput null.String `json:"logOutput" envconfig:"PWCLIENT_LOG_OUTPUT"`

	// TracesOutput is none or otel[=url][,proto=...][,header.name=value].
	TracesOutput null.String `json:"tracesOutput" envconfig:"PWCLIENT_TRACES_OUTPUT"`
}

// Default returns the built-in defaults. None of its fields are marked
// valid, so every other layer overrides them.
func Default() Config {
	return Config{
		DriverPath: null.NewString("playwright", false),
		DriverArgs: []string{"run-driver"},
		Browser:    null.NewString("chromium", false),
		Headless:   null.NewBool(true, false),
		Timeout:    null.NewInt(wait.DefaultTimeout.Milliseconds(), false),
		LogLevel:   null.NewString("info", false),
		LogOutput:  null.NewString("stderr", false),

		TracesOutput: null.NewString("none", false),
	}
}

// Apply returns c with the valid fields of cfg applied on top.
func (c Config) Apply(cfg Config) Config {
	if cfg.DriverPath.Valid {
		c.DriverPath = cfg.DriverPath
	}
	if len(cfg.DriverArgs) > 0 {
		c.DriverArgs = cfg.DriverArgs
	}
	if cfg.WSEndpoint.Valid {
		c.WSEndpoint = cfg.WSEndpoint
	}
	if cfg.Browser.Valid {
		c.Browser = cfg.Browser
	}
	if cfg.Headless.Valid {
		c.Headless = cfg.Headless
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.NavigationTimeout.Valid {
		c.NavigationTimeout = cfg.NavigationTimeout
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.LogOutput.Valid {
		c.LogOutput = cfg.LogOutput
	}
	if cfg.TracesOutput.Valid {
		c.TracesOutput = cfg.TracesOutput
	}
	return c
}

// FromEnv reads the PWCLIENT_* variables of env.
func FromEnv(env map[string]string) (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

// fileConfig is the YAML shape of Config.
type fileConfig struct {
	DriverPath        *string  `yaml:"driverPath"`
	DriverArgs        []string `yaml:"driverArgs"`
	WSEndpoint        *string  `yaml:"wsEndpoint"`
	Browser           *string  `yaml:"browser"`
	Headless          *bool    `yaml:"headless"`
	Timeout           *int64   `yaml:"timeout"`
	NavigationTimeout *int64   `yaml:"navigationTimeout"`
	LogLevel          *string  `yaml:"logLevel"`
	LogCategoryFilter *string  `yaml:"logCategoryFilter"`
	LogOutput         *string  `yaml:"logOutput"`
	TracesOutput      *string  `yaml:"tracesOutput"`
}

// Parse decodes a YAML config document.
func Parse(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	return Config{
		DriverPath:        null.StringFromPtr(fc.DriverPath),
		DriverArgs:        fc.DriverArgs,
		WSEndpoint:        null.StringFromPtr(fc.WSEndpoint),
		Browser:           null.StringFromPtr(fc.Browser),
		Headless:          null.BoolFromPtr(fc.Headless),
		Timeout:           null.IntFromPtr(fc.Timeout),
		NavigationTimeout: null.IntFromPtr(fc.NavigationTimeout),
		LogLevel:          null.StringFromPtr(fc.LogLevel),
		LogCategoryFilter: null.StringFromPtr(fc.LogCategoryFilter),
		LogOutput:         null.StringFromPtr(fc.LogOutput),
		TracesOutput:      null.StringFromPtr(fc.TracesOutput),
	}, nil
}

// FromFile reads a YAML config file. A missing file is an empty config.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

var browsers = map[string]bool{"chromium": true, "firefox": true, "webkit": true}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if !browsers[c.Browser.String] {
		errs = append(errs, fmt.Errorf("unsupported browser %q", c.Browser.String))
	}
	if c.Timeout.Int64 < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %d", c.Timeout.Int64))
	}
	if c.NavigationTimeout.Valid && c.NavigationTimeout.Int64 < 0 {
		errs = append(errs, fmt.Errorf("navigation timeout must not be negative, got %d", c.NavigationTimeout.Int64))
	}
	if _, err := logrus.ParseLevel(c.LogLevel.String); err != nil {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel.String))
	}
	if c.LogCategoryFilter.String != "" {
		if _, err := regexp.Compile(c.LogCategoryFilter.String); err != nil {
			errs = append(errs, fmt.Errorf("invalid log category filter: %w", err))
		}
	}
	switch out := c.LogOutput.String; {
	case out == "stderr", out == "none", strings.HasPrefix(out, "file="):
	default:
		errs = append(errs, fmt.Errorf("unsupported log output %q", out))
	}
	if err := trace.ValidateOutput(c.TracesOutput.String); err != nil {
		errs = append(errs, err)
	}
	if c.WSEndpoint.String != "" {
		u, err := url.Parse(c.WSEndpoint.String)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("invalid websocket endpoint %q", c.WSEndpoint.String))
		}
	} else if c.DriverPath.String == "" {
		errs = append(errs, errors.New("either a driver path or a websocket endpoint is required"))
	}

	return errors.Join(errs...)
}

// Load layers defaults, the file at path if any, env and flags, in that
// order, and validates the result.
func Load(flags *pflag.FlagSet, env map[string]string, path string) (Config, error) {
	cfg := Default()
	if path != "" {
		fileConf, err := FromFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.Apply(fileConf)
	}
	envConf, err := FromEnv(env)
	if err != nil {
		return cfg, err
	}
	cfg = cfg.Apply(envConf)
	if flags != nil {
		cfg = cfg.Apply(FromFlags(flags))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
