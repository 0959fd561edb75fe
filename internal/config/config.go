package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Daemon front-ends.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// RunRate limits manual trigger requests per second; RunBurst is the
	// bucket size.
	RunRate  float64
	RunBurst int
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Group   string
	Level   string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// SchedulerConfig holds engine settings.
type SchedulerConfig struct {
	TickInterval     time.Duration
	HistoryRetention int
	UseUTC           bool
}

// TasksFileConfig points at an optional declarative task file.
type TasksFileConfig struct {
	Path  string
	Watch bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	TasksFile    TasksFileConfig

	Mode          string
	StateDir      string
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "console"
	defaultRetention     = 200
	defaultShutdownGrace = 5 * time.Second
	defaultTickInterval  = 30 * time.Second
	defaultRunRate       = 2.0
	defaultRunBurst      = 5
)

// Location returns the zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Scheduler.UseUTC {
		return time.UTC
	}
	return time.Local
}

// envValue reads key through parse, falling back to def when the variable is
// unset or does not parse.
func envValue[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func envString(key, def string) string {
	return envValue(key, def, func(s string) (string, error) { return s, nil })
}

func envInt(key string, def int) int { return envValue(key, def, strconv.Atoi) }

func envFloat(key string, def float64) float64 {
	return envValue(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func envDuration(key string, def time.Duration) time.Duration {
	return envValue(key, def, time.ParseDuration)
}

// envBool treats true, 1, yes and on as true; any other set value is false.
func envBool(key string, def bool) bool {
	return envValue(key, def, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "on":
			return true, nil
		}
		return false, nil
	})
}

// Parse reads configuration from os.Args and the environment.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "cronkeeper", ".env"))
	}
	return Load(os.Args[1:], envFiles...)
}

// Load builds a Config from args, the environment and the given .env files.
// Missing .env files are ignored.
func Load(args []string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      envString("CRONKEEPER_ADDR", defaultAddr),
			AuthToken: envString("CRONKEEPER_AUTH_TOKEN", ""),
			RunRate:   envFloat("CRONKEEPER_RUN_RATE", defaultRunRate),
			RunBurst:  envInt("CRONKEEPER_RUN_BURST", defaultRunBurst),
		},
		Log: LogConfig{
			Level:  envString("CRONKEEPER_LOG_LEVEL", defaultLogLevel),
			Format: envString("CRONKEEPER_LOG_FORMAT", defaultLogFormat),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     envString("CRONKEEPER_BARK_URL", ""),
				Group:   envString("CRONKEEPER_BARK_GROUP", "cronkeeper"),
				Level:   envString("CRONKEEPER_BARK_LEVEL", "timeSensitive"),
				Enabled: envBool("CRONKEEPER_BARK_ENABLED", false),
			},
		},
		Scheduler: SchedulerConfig{
			TickInterval:     envDuration("CRONKEEPER_TICK_INTERVAL", defaultTickInterval),
			HistoryRetention: envInt("CRONKEEPER_HISTORY_RETENTION", defaultRetention),
			UseUTC:           envBool("CRONKEEPER_USE_UTC", false),
		},
		TasksFile: TasksFileConfig{
			Path:  envString("CRONKEEPER_TASKS_FILE", ""),
			Watch: envBool("CRONKEEPER_WATCH_TASKS_FILE", false),
		},
		Mode:          envString("CRONKEEPER_MODE", ModeHTTP),
		StateDir:      envString("CRONKEEPER_STATE_DIR", ""),
		ShutdownGrace: envDuration("CRONKEEPER_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("cronkeeperd", flag.ContinueOnError)
	var (
		addr, logLevel, logFormat, stateDir, mode, tasksFile string
		useUTC, watch                                        bool
		retention                                            int
		shutdownGrace, tickInterval                          time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (console, json)")
	fs.StringVar(&mode, "mode", "", "Front-end to serve (http, mcp, both)")
	fs.StringVar(&tasksFile, "tasks-file", "", "YAML file of task definitions to apply on start")
	fs.BoolVar(&watch, "watch-tasks-file", false, "Re-apply the tasks file when it changes")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.IntVar(&retention, "history-retention", 0, "Number of execution records to keep per task")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.DurationVar(&tickInterval, "tick-interval", 0, "Scheduler tick interval (1s to 60s)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = addr
		case "state-dir":
			cfg.StateDir = stateDir
		case "log-level":
			cfg.Log.Level = logLevel
		case "log-format":
			cfg.Log.Format = logFormat
		case "mode":
			cfg.Mode = mode
		case "tasks-file":
			cfg.TasksFile.Path = tasksFile
		case "watch-tasks-file":
			cfg.TasksFile.Watch = watch
		case "use-utc":
			cfg.Scheduler.UseUTC = useUTC
		case "history-retention":
			cfg.Scheduler.HistoryRetention = retention
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "tick-interval":
			cfg.Scheduler.TickInterval = tickInterval
		}
	})

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return nil, fmt.Errorf("invalid mode %q: want http, mcp or both", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}

	if cfg.Scheduler.HistoryRetention < 1 {
		cfg.Scheduler.HistoryRetention = defaultRetention
	}
	cfg.Scheduler.TickInterval = clampTick(cfg.Scheduler.TickInterval)
	if cfg.Server.RunRate <= 0 {
		cfg.Server.RunRate = defaultRunRate
	}
	if cfg.Server.RunBurst < 1 {
		cfg.Server.RunBurst = defaultRunBurst
	}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL == "" {
		return nil, fmt.Errorf("CRONKEEPER_BARK_ENABLED requires CRONKEEPER_BARK_URL")
	}
	return cfg, nil
}

func clampTick(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return defaultTickInterval
	case d < time.Second:
		return time.Second
	case d > time.Minute:
		return time.Minute
	default:
		return d
	}
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "cronkeeper"), nil
}
