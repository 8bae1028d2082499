package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
	assert.Equal(t, 3678, c.Port)
	assert.Equal(t, 1, c.Backlog)
	assert.Equal(t, 0, c.MaxHandlers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvBacklog, "64")
	t.Setenv(EnvMaxHandlers, "8")
	t.Setenv(EnvWriteTimeout, "250")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogDev, "true")
	t.Setenv(EnvEchoDelayMin, "0")
	t.Setenv(EnvEchoDelayMax, "10")
	t.Setenv(EnvLogFile, "/var/log/evserver.log")
	t.Setenv(EnvShutdown, "1500")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, 64, c.Backlog)
	assert.Equal(t, 8, c.MaxHandlers)
	assert.Equal(t, 250*time.Millisecond, c.WriteTimeout)
	assert.Equal(t, "debug", c.LogLevel)
	assert.True(t, c.LogDev)
	assert.Equal(t, time.Duration(0), c.EchoDelayMin)
	assert.Equal(t, 10*time.Millisecond, c.EchoDelayMax)
	assert.Equal(t, "/var/log/evserver.log", c.LogFile)
	assert.Equal(t, 1500*time.Millisecond, c.ShutdownTimeout)
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	t.Setenv(EnvLogDev, "maybe")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, c.Port)
	assert.False(t, c.LogDev)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	t.Setenv(EnvPort, "70000")

	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"negative port":    func(c *Config) { c.Port = -1 },
		"zero backlog":     func(c *Config) { c.Backlog = 0 },
		"zero max events":  func(c *Config) { c.MaxEvents = 0 },
		"negative bound":   func(c *Config) { c.MaxHandlers = -2 },
		"negative timeout": func(c *Config) { c.WriteTimeout = -time.Second },
		"negative drain":   func(c *Config) { c.ShutdownTimeout = -time.Second },
		"inverted delay":   func(c *Config) { c.EchoDelayMin, c.EchoDelayMax = 2*time.Second, time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}
