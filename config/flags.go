package config

import (
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
)

// FlagSet returns the flags overriding the config.
func FlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("driver-path", "", "`path` of the engine driver executable")
	flags.StringSlice("driver-args", nil, "arguments passed to the engine driver")
	flags.String("ws-endpoint", "", "connect to a running engine at this websocket `url` instead of starting one")
	flags.StringP("browser", "b", "", "browser type to launch: chromium, firefox or webkit")
	flags.Bool("headless", true, "run the browser without a window")
	flags.Int64("timeout", 0, "default timeout of waits in `ms`, 0 disables it")
	flags.Int64("navigation-timeout", 0, "default timeout of navigations in `ms`, 0 disables it")
	flags.StringP("log-level", "l", "", "log level: trace, debug, info, warn or error")
	flags.String("log-category-filter", "", "only log categories matching this `regexp`")
	flags.String("log-output", "stderr", "where logs go: stderr, none or file=path[,level=lvl]")
	flags.String("traces-output", "none", "where request spans go: none or otel[=url][,proto=http|grpc][,header.name=value]")
	return flags
}

// FromFlags returns the config set by the flags of FlagSet. Flags left at
// their default are not valid.
func FromFlags(flags *pflag.FlagSet) Config {
	cfg := Config{
		DriverPath:        getNullString(flags, "driver-path"),
		WSEndpoint:        getNullString(flags, "ws-endpoint"),
		Browser:           getNullString(flags, "browser"),
		Headless:          getNullBool(flags, "headless"),
		Timeout:           getNullInt64(flags, "timeout"),
		NavigationTimeout: getNullInt64(flags, "navigation-timeout"),
		LogLevel:          getNullString(flags, "log-level"),
		LogCategoryFilter: getNullString(flags, "log-category-filter"),
		LogOutput:         getNullString(flags, "log-output"),
		TracesOutput:      getNullString(flags, "traces-output"),
	}
	if flags.Changed("driver-args") {
		cfg.DriverArgs, _ = flags.GetStringSlice("driver-args")
	}
	return cfg
}

func getNullBool(flags *pflag.FlagSet, key string) null.Bool {
	v, err := flags.GetBool(key)
	if err != nil {
		panic(err)
	}
	return null.NewBool(v, flags.Changed(key))
}

func getNullInt64(flags *pflag.FlagSet, key string) null.Int {
	v, err := flags.GetInt64(key)
	if err != nil {
		panic(err)
	}
	return null.NewInt(v, flags.Changed(key))
}

func getNullString(flags *pflag.FlagSet, key string) null.String {
	v, err := flags.GetString(key)
	if err != nil {
		panic(err)
	}
	return null.NewString(v, flags.Changed(key))
}
