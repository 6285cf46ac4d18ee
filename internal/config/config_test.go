package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverFlags(t *testing.T, args ...string) *Config {
	t.Helper()
	cfg := &Config{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindServerFlags(fs, cfg)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, ApplyEnv(fs))
	return cfg
}

func TestServerDefaults(t *testing.T) {
	cfg := serverFlags(t)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.RejoinWindow)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.RedisAddr)
	assert.NoError(t, cfg.Validate())
}

func TestEnvFillsUnsetFlags(t *testing.T) {
	t.Setenv("KRACKLE_PORT", "9090")
	t.Setenv("KRACKLE_REJOIN_WINDOW", "45s")
	t.Setenv("KRACKLE_VIDEO_URLS", "https://a.example/1,https://a.example/2")
	t.Setenv("KRACKLE_BIND", "10.0.0.1")

	cfg := serverFlags(t, "--bind", "127.0.0.1")

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.RejoinWindow)
	assert.Equal(t, []string{"https://a.example/1", "https://a.example/2"}, cfg.VideoURLs)
	assert.Equal(t, "127.0.0.1", cfg.Bind, "explicit flags win over the environment")
}

func TestBadEnvValueIsReported(t *testing.T) {
	t.Setenv("KRACKLE_OUTBOUND_BUFFER", "lots")

	cfg := &Config{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindServerFlags(fs, cfg)
	require.NoError(t, fs.Parse(nil))
	err := ApplyEnv(fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KRACKLE_OUTBOUND_BUFFER")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"port":      func(c *Config) { c.Port = 70000 },
		"handshake": func(c *Config) { c.HandshakeTimeout = 0 },
		"ping":      func(c *Config) { c.PingInterval = -time.Second },
		"buffer":    func(c *Config) { c.OutboundBuffer = 0 },
		"rejoin":    func(c *Config) { c.RejoinWindow = -time.Second },
		"log level": func(c *Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateHistorian(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateHistorian())

	cfg.DatabaseURL = "postgres://localhost/krackle"
	cfg.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.ValidateHistorian())
}

func TestLevel(t *testing.T) {
	cfg := Default()
	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, level)

	cfg.Verbose = true
	level, err = cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, level)
}
