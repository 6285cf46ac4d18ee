// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/krackle/internal/cache"
	"github.com/jason-s-yu/krackle/internal/config"
	"github.com/jason-s-yu/krackle/internal/handlers"
	"github.com/jason-s-yu/krackle/internal/identity"
	"github.com/jason-s-yu/krackle/internal/lobby"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	releaseVersion  = "0.1.0"
	journalBuffer   = 1024
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg := config.Default()
	cobra.CheckErr(newCmd(&cfg).Execute())
}

func newCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "krackle-server",
		Short:   "Ephemeral party-game lobbies over websockets.",
		Args:    cobra.ExactArgs(0),
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ApplyEnv(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	config.BindServerFlags(cmd.Flags(), cfg)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	tokens := identity.NewRegistry(cfg.RejoinWindow)

	var journal lobby.Journal
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		rj := cache.NewRedisJournal(rdb, cfg.JournalQueue, journalBuffer, logger)
		defer func() {
			rj.Close()
			if n := rj.Dropped(); n > 0 {
				logger.Warnf("journal dropped %d events", n)
			}
		}()
		journal = rj
		logger.WithFields(logrus.Fields{"redis": cfg.RedisAddr, "queue": cfg.JournalQueue}).Info("lobby event journal enabled")
	}

	store := lobby.NewLobbyStore(tokens, journal, logger)
	if cfg.SessionTimeout > 0 {
		go store.RunReaper(ctx, cfg.SessionTimeout)
	}

	srv := handlers.NewLobbyServer(store, logger, handlers.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		WriteTimeout:     cfg.WriteTimeout,
		OutboundBuffer:   cfg.OutboundBuffer,
		AllowedOrigins:   cfg.AllowedOrigins,
	})
	srv.Videos = handlers.NewPlaylist(cfg.VideoURLs)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.NewRouter(srv),
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
