package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the audiographd server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ServerDir         string
	PortMax           int
	SampleRate        int
	PeriodFrames      int
	DriverName        string // "null" or "portaudio"
	InChannels        int
	OutChannels       int
	Realtime          bool
	RTPriority        int
	ClientTimeoutMsec int
	WatchdogSeconds   int
	SelfConnectMode   string // "allow", "fail-external", "fail-all"
	DiagAddr          string // empty disables the diagnostics HTTP surface
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
}

// defaults
const (
	defaultServerDir         = "/tmp/audiographd"
	defaultPortMax           = 2048
	defaultSampleRate        = 48000
	defaultPeriodFrames      = 1024
	defaultDriverName        = "null"
	defaultInChannels        = 2
	defaultOutChannels       = 2
	defaultRTPriority        = 10
	defaultClientTimeoutMsec = 500
	defaultWatchdogSeconds   = 5
	defaultSelfConnectMode   = "allow"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// envPrefix is the prefix for all audiographd environment variables.
const envPrefix = "AUDIOGRAPHD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("audiographd", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerDir, "server-dir", defaultServerDir, "directory for control sockets and subgraph FIFOs")
	fs.IntVar(&cfg.PortMax, "port-max", defaultPortMax, "maximum number of ports across all clients")
	fs.IntVar(&cfg.SampleRate, "sample-rate", defaultSampleRate, "hardware sample rate in Hz")
	fs.IntVar(&cfg.PeriodFrames, "period-frames", defaultPeriodFrames, "frames per hardware buffer period")
	fs.StringVar(&cfg.DriverName, "driver", defaultDriverName, "audio driver backend (null, portaudio)")
	fs.IntVar(&cfg.InChannels, "in-channels", defaultInChannels, "hardware capture channel count (portaudio driver)")
	fs.IntVar(&cfg.OutChannels, "out-channels", defaultOutChannels, "hardware playback channel count (portaudio driver)")
	fs.BoolVar(&cfg.Realtime, "realtime", false, "enable real-time scheduling and excessive-delay handling")
	fs.IntVar(&cfg.RTPriority, "rt-priority", defaultRTPriority, "real-time priority advertised to clients")
	fs.IntVar(&cfg.ClientTimeoutMsec, "timeout", defaultClientTimeoutMsec, "external client subgraph wait timeout in milliseconds (non-realtime mode)")
	fs.IntVar(&cfg.WatchdogSeconds, "watchdog-interval", defaultWatchdogSeconds, "seconds of silence before the watchdog kills the process")
	fs.StringVar(&cfg.SelfConnectMode, "self-connect-mode", defaultSelfConnectMode, "self-connection policy (allow, fail-external, fail-all)")
	fs.StringVar(&cfg.DiagAddr, "diag-addr", "", "address for the read-only diagnostics HTTP surface (empty disables it)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"server-dir":        envPrefix + "SERVER_DIR",
		"port-max":          envPrefix + "PORT_MAX",
		"sample-rate":       envPrefix + "SAMPLE_RATE",
		"period-frames":     envPrefix + "PERIOD_FRAMES",
		"driver":            envPrefix + "DRIVER",
		"in-channels":       envPrefix + "IN_CHANNELS",
		"out-channels":      envPrefix + "OUT_CHANNELS",
		"realtime":          envPrefix + "REALTIME",
		"rt-priority":       envPrefix + "RT_PRIORITY",
		"timeout":           envPrefix + "TIMEOUT",
		"watchdog-interval": envPrefix + "WATCHDOG_INTERVAL",
		"self-connect-mode": envPrefix + "SELF_CONNECT_MODE",
		"diag-addr":         envPrefix + "DIAG_ADDR",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "server-dir":
			cfg.ServerDir = val
		case "port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PortMax = v
			}
		case "sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SampleRate = v
			}
		case "period-frames":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PeriodFrames = v
			}
		case "driver":
			cfg.DriverName = val
		case "in-channels":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.InChannels = v
			}
		case "out-channels":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OutChannels = v
			}
		case "realtime":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Realtime = v
			}
		case "rt-priority":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPriority = v
			}
		case "timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ClientTimeoutMsec = v
			}
		case "watchdog-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WatchdogSeconds = v
			}
		case "self-connect-mode":
			cfg.SelfConnectMode = val
		case "diag-addr":
			cfg.DiagAddr = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.PortMax < 1 {
		return fmt.Errorf("port-max must be positive, got %d", c.PortMax)
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate)
	}
	if c.PeriodFrames < 1 {
		return fmt.Errorf("period-frames must be positive, got %d", c.PeriodFrames)
	}
	validDrivers := map[string]bool{"null": true, "portaudio": true}
	if !validDrivers[strings.ToLower(c.DriverName)] {
		return fmt.Errorf("driver must be one of null, portaudio; got %q", c.DriverName)
	}
	c.DriverName = strings.ToLower(c.DriverName)

	validModes := map[string]bool{"allow": true, "fail-external": true, "fail-all": true}
	if !validModes[strings.ToLower(c.SelfConnectMode)] {
		return fmt.Errorf("self-connect-mode must be one of allow, fail-external, fail-all; got %q", c.SelfConnectMode)
	}
	c.SelfConnectMode = strings.ToLower(c.SelfConnectMode)

	if c.WatchdogSeconds < 1 {
		return fmt.Errorf("watchdog-interval must be positive, got %d", c.WatchdogSeconds)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// PeriodUsecs returns the fixed hardware buffer interval implied by
// PeriodFrames and SampleRate, in microseconds.
func (c *Config) PeriodUsecs() int64 {
	return int64(c.PeriodFrames) * 1_000_000 / int64(c.SampleRate)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
