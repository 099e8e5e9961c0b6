package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"cronwrap/internal/core"

	"github.com/joho/godotenv"
)

// Registry kinds.
const (
	RegistryFile   = "file"
	RegistrySQLite = "sqlite"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
}

// RegistryConfig selects where task definitions come from.
type RegistryConfig struct {
	Kind string
	Path string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark      BarkConfig
	PerMinute int
}

// Config holds the settings shared by every subcommand.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Registry     RegistryConfig
	Notification NotificationConfig

	StateDir      string
	RuntimeDir    string
	UseUTC        bool
	ShutdownGrace time.Duration
	Hash          string
	HistoryKeep   int
}

const (
	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultHistoryKeep   = 200
	defaultShutdownGrace = 5 * time.Second
	defaultNotifyPerMin  = 6
)

// env reads key through parse. Unset keys and values parse rejects yield def.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v, err := parse(val)
	if err != nil {
		return def
	}
	return v
}

func asString(v string) (string, error) { return v, nil }

// asBool treats anything but true, 1 or yes as false.
func asBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true, nil
	}
	return false, nil
}

// Parse reads global settings and returns the arguments left after the global flags,
// starting with the subcommand.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse(args []string) (*Config, []string, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "cronwrap", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional; earlier files win
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      env("CRONWRAP_ADDR", defaultAddr, asString),
			AuthToken: env("CRONWRAP_AUTH_TOKEN", "", asString),
		},
		Log: LogConfig{
			Level: env("CRONWRAP_LOG_LEVEL", defaultLogLevel, asString),
			File:  env("CRONWRAP_LOG_FILE", "", asString),
		},
		Registry: RegistryConfig{
			Kind: env("CRONWRAP_REGISTRY_KIND", "", asString),
			Path: env("CRONWRAP_REGISTRY", "", asString),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     env("CRONWRAP_BARK_URL", "", asString),
				Enabled: env("CRONWRAP_BARK_ENABLED", false, asBool),
			},
			PerMinute: env("CRONWRAP_NOTIFY_PER_MINUTE", defaultNotifyPerMin, strconv.Atoi),
		},
		StateDir:      env("CRONWRAP_STATE_DIR", "", asString),
		RuntimeDir:    env("CRONWRAP_RUNTIME_DIR", "", asString),
		UseUTC:        env("CRONWRAP_USE_UTC", false, asBool),
		ShutdownGrace: env("CRONWRAP_SHUTDOWN_GRACE", defaultShutdownGrace, time.ParseDuration),
		Hash:          env("CRONWRAP_HASH", core.DefaultHash, asString),
		HistoryKeep:   env("CRONWRAP_HISTORY_KEEP", defaultHistoryKeep, strconv.Atoi),
	}

	fs := flag.NewFlagSet("cronwrap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		addr, logLevel, logFile, stateDir, runtimeDir string
		registry, registryKind, hash                  string
		useUTC                                        bool
		historyKeep                                   int
		shutdownGrace                                 time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory for the database and the default log file")
	fs.StringVar(&runtimeDir, "runtime-dir", "", "Directory for per-task state files")
	fs.StringVar(&registry, "registry", "", "Task registry file (YAML or JSON)")
	fs.StringVar(&registryKind, "registry-kind", "", "Registry kind: file or sqlite")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFile, "log-file", "", "Log file for wrapper runs")
	fs.StringVar(&hash, "hash", "", "Task identity digest")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.IntVar(&historyKeep, "history-keep", 0, "Number of transitions retained per task")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("parse flags: %w", err)
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if runtimeDir != "" {
		cfg.RuntimeDir = runtimeDir
	}
	if registry != "" {
		cfg.Registry.Path = registry
	}
	if registryKind != "" {
		cfg.Registry.Kind = registryKind
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if hash != "" {
		cfg.Hash = hash
	}
	if historyKeep > 0 {
		cfg.HistoryKeep = historyKeep
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if err := cfg.resolve(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *Config) resolve() error {
	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve default state dir: %w", err)
		}
		c.StateDir = dir
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = filepath.Join(c.StateDir, "run")
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.StateDir, "cronwrap.log")
	}
	if c.Registry.Kind == "" {
		c.Registry.Kind = RegistrySQLite
		if c.Registry.Path != "" {
			c.Registry.Kind = RegistryFile
		}
	}
	switch c.Registry.Kind {
	case RegistryFile:
		if c.Registry.Path == "" {
			return errors.New("file registry needs --registry or CRONWRAP_REGISTRY")
		}
		abs, err := filepath.Abs(c.Registry.Path)
		if err != nil {
			return fmt.Errorf("resolve registry path: %w", err)
		}
		c.Registry.Path = abs
	case RegistrySQLite:
	default:
		return fmt.Errorf("unknown registry kind %q", c.Registry.Kind)
	}
	if !slices.Contains(core.HashNames(), c.Hash) {
		return fmt.Errorf("unknown hash %q (want one of %s)", c.Hash, strings.Join(core.HashNames(), ", "))
	}
	if c.HistoryKeep < 1 {
		c.HistoryKeep = defaultHistoryKeep
	}
	if c.Notification.PerMinute < 1 {
		c.Notification.PerMinute = defaultNotifyPerMin
	}
	return nil
}

// Location returns the zone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

// WrapperArgs are the global flags a spawned wrapper needs to see the same state,
// registry and log file as its parent.
func (c *Config) WrapperArgs() []string {
	args := []string{
		"--state-dir", c.StateDir,
		"--runtime-dir", c.RuntimeDir,
		"--registry-kind", c.Registry.Kind,
		"--log-level", c.Log.Level,
		"--log-file", c.Log.File,
		"--hash", c.Hash,
	}
	if c.Registry.Kind == RegistryFile {
		args = append(args, "--registry", c.Registry.Path)
	}
	if c.UseUTC {
		args = append(args, "--use-utc")
	}
	return args
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "cronwrap")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
