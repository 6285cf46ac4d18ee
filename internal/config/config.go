// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every flag name to form its environment variable,
// e.g. --rejoin-window is read from KRACKLE_REJOIN_WINDOW.
const EnvPrefix = "KRACKLE"

// Config carries every tunable of the server and the historian.
type Config struct {
	Bind             string
	Port             int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	OutboundBuffer   int
	RejoinWindow     time.Duration
	SessionTimeout   time.Duration
	AllowedOrigins   []string
	VideoURLs        []string

	RedisAddr    string
	RedisDB      int
	JournalQueue string

	DatabaseURL   string
	BatchSize     int
	FlushInterval time.Duration

	LogLevel string
	Verbose  bool
}

// Default returns the values used when neither a flag nor an env var is set.
func Default() Config {
	return Config{
		Bind:             "0.0.0.0",
		Port:             8080,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		OutboundBuffer:   32,
		RejoinWindow:     30 * time.Second,
		SessionTimeout:   60 * time.Minute,
		AllowedOrigins:   []string{"*"},
		JournalQueue:     "krackle_lobby_events",
		BatchSize:        100,
		FlushInterval:    2 * time.Second,
		LogLevel:         "info",
	}
}

// BindServerFlags registers the flags of the lobby server on fs.
func BindServerFlags(fs *pflag.FlagSet, cfg *Config) {
	d := Default()
	fs.StringVarP(&cfg.Bind, "bind", "b", d.Bind, "address to bind to (env: KRACKLE_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", d.Port, "port to listen on (env: KRACKLE_PORT)")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", d.HandshakeTimeout, "time allowed to complete the websocket handshake (env: KRACKLE_HANDSHAKE_TIMEOUT)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", d.PingInterval, "interval between websocket pings (env: KRACKLE_PING_INTERVAL)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", d.WriteTimeout, "deadline for a single websocket write (env: KRACKLE_WRITE_TIMEOUT)")
	fs.IntVar(&cfg.OutboundBuffer, "outbound-buffer", d.OutboundBuffer, "events queued per connection before it is dropped (env: KRACKLE_OUTBOUND_BUFFER)")
	fs.DurationVar(&cfg.RejoinWindow, "rejoin-window", d.RejoinWindow, "how long a released token may be reused, 0 to disable (env: KRACKLE_REJOIN_WINDOW)")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", d.SessionTimeout, "time before lobbies without connections are ended, 0 to disable (env: KRACKLE_SESSION_TIMEOUT)")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", d.AllowedOrigins, "origin patterns accepted on the websocket endpoint (env: KRACKLE_ALLOWED_ORIGINS)")
	fs.StringSliceVar(&cfg.VideoURLs, "video-urls", nil, "round video playlist, in order (env: KRACKLE_VIDEO_URLS)")
	bindCommonFlags(fs, cfg)
}

// BindHistorianFlags registers the flags of the journal historian on fs.
func BindHistorianFlags(fs *pflag.FlagSet, cfg *Config) {
	d := Default()
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (env: KRACKLE_DATABASE_URL)")
	fs.IntVar(&cfg.BatchSize, "batch-size", d.BatchSize, "records written per database transaction (env: KRACKLE_BATCH_SIZE)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", d.FlushInterval, "longest time a partial batch waits (env: KRACKLE_FLUSH_INTERVAL)")
	bindCommonFlags(fs, cfg)
}

func bindCommonFlags(fs *pflag.FlagSet, cfg *Config) {
	d := Default()
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for the lobby event journal, empty to disable (env: KRACKLE_REDIS_ADDR)")
	fs.IntVar(&cfg.RedisDB, "redis-db", d.RedisDB, "redis database number (env: KRACKLE_REDIS_DB)")
	fs.StringVar(&cfg.JournalQueue, "journal-queue", d.JournalQueue, "redis list holding journaled lobby events (env: KRACKLE_JOURNAL_QUEUE)")
	fs.StringVar(&cfg.LogLevel, "log-level", d.LogLevel, "log level: debug, info, warn, error (env: KRACKLE_LOG_LEVEL)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "shorthand for --log-level=debug (env: KRACKLE_VERBOSE)")
}

// ApplyEnv fills every flag that was not given on the command line from its
// KRACKLE_* environment variable.
func ApplyEnv(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			errs = append(errs, fmt.Errorf("env %s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err))
		}
	})
	return errors.Join(errs...)
}

// Validate checks the server settings.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("--handshake-timeout must be positive")
	}
	if c.PingInterval <= 0 {
		return errors.New("--ping-interval must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("--write-timeout must be positive")
	}
	if c.OutboundBuffer < 1 {
		return fmt.Errorf("--outbound-buffer must be at least 1: %d", c.OutboundBuffer)
	}
	if c.RejoinWindow < 0 || c.SessionTimeout < 0 {
		return errors.New("--rejoin-window and --session-timeout cannot be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// ValidateHistorian checks the historian settings.
func (c *Config) ValidateHistorian() error {
	if c.DatabaseURL == "" {
		return errors.New("--database-url is required")
	}
	if c.RedisAddr == "" {
		return errors.New("--redis-addr is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("--batch-size must be at least 1: %d", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return errors.New("--flush-interval must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// Level resolves the effective log level.
func (c *Config) Level() (logrus.Level, error) {
	if c.Verbose {
		return logrus.DebugLevel, nil
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}
