package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort         = 3678
	DefaultBacklog      = 1
	DefaultMaxEvents    = 1024
	DefaultWriteTimeout = 5 * time.Second
	DefaultLogLevel     = "info"
	DefaultShutdown     = 10 * time.Second
	DefaultEchoDelayMin = time.Second
	DefaultEchoDelayMax = 5 * time.Second
)

// environment variable names
const (
	EnvPort         = "EVSERVER_PORT"
	EnvBacklog      = "EVSERVER_BACKLOG"
	EnvMaxEvents    = "EVSERVER_MAX_EVENTS"
	EnvMaxHandlers  = "EVSERVER_MAX_HANDLERS"
	EnvWriteTimeout = "EVSERVER_WRITE_TIMEOUT_MS"
	EnvLogLevel     = "EVSERVER_LOG_LEVEL"
	EnvLogDev       = "EVSERVER_LOG_DEV"
	EnvEchoDelayMin = "EVSERVER_ECHO_DELAY_MIN_MS"
	EnvEchoDelayMax = "EVSERVER_ECHO_DELAY_MAX_MS"
	EnvLogFile      = "EVSERVER_LOG_FILE"
	EnvShutdown     = "EVSERVER_SHUTDOWN_TIMEOUT_MS"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds everything the server binary needs to start.
type Config struct {
	// Networking
	Port      int // 0 picks an ephemeral port
	Backlog   int // listen(2) backlog
	MaxEvents int // events returned by a single epoll_wait

	// Dispatch
	MaxHandlers  int           // concurrent handler bound, 0 is unbounded
	WriteTimeout time.Duration // how long a blocked Write waits for the peer

	// how long Run waits for running handlers after the loop stops, 0 skips
	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
	LogDev   bool
	LogFile  string // empty logs to stderr

	// Echo handler
	EchoDelayMin time.Duration
	EchoDelayMax time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            DefaultPort,
		Backlog:         DefaultBacklog,
		MaxEvents:       DefaultMaxEvents,
		WriteTimeout:    DefaultWriteTimeout,
		ShutdownTimeout: DefaultShutdown,
		LogLevel:        DefaultLogLevel,
		EchoDelayMin:    DefaultEchoDelayMin,
		EchoDelayMax:    DefaultEchoDelayMax,
	}
}

// Load returns Default overridden by EVSERVER_* environment variables.
func Load() (Config, error) {
	c := Default()
	c.Port = envInt(EnvPort, c.Port)
	c.Backlog = envInt(EnvBacklog, c.Backlog)
	c.MaxEvents = envInt(EnvMaxEvents, c.MaxEvents)
	c.MaxHandlers = envInt(EnvMaxHandlers, c.MaxHandlers)
	c.WriteTimeout = envMillis(EnvWriteTimeout, c.WriteTimeout)
	c.ShutdownTimeout = envMillis(EnvShutdown, c.ShutdownTimeout)
	c.LogLevel = envString(EnvLogLevel, c.LogLevel)
	c.LogDev = envBool(EnvLogDev, c.LogDev)
	c.LogFile = envString(EnvLogFile, c.LogFile)
	c.EchoDelayMin = envMillis(EnvEchoDelayMin, c.EchoDelayMin)
	c.EchoDelayMax = envMillis(EnvEchoDelayMax, c.EchoDelayMax)
	return c, c.Validate()
}

// Validate reports the first out of range field.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	case c.Backlog <= 0:
		return fmt.Errorf("%w: backlog must be positive, got %d", ErrInvalidConfig, c.Backlog)
	case c.MaxEvents <= 0:
		return fmt.Errorf("%w: max events must be positive, got %d", ErrInvalidConfig, c.MaxEvents)
	case c.MaxHandlers < 0:
		return fmt.Errorf("%w: max handlers must not be negative, got %d", ErrInvalidConfig, c.MaxHandlers)
	case c.WriteTimeout < 0:
		return fmt.Errorf("%w: write timeout must not be negative", ErrInvalidConfig)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: shutdown timeout must not be negative", ErrInvalidConfig)
	case c.EchoDelayMin < 0 || c.EchoDelayMax < c.EchoDelayMin:
		return fmt.Errorf("%w: echo delay range [%s, %s]", ErrInvalidConfig, c.EchoDelayMin, c.EchoDelayMax)
	}
	return nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// unparsable values fall back to the default
func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envMillis(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
