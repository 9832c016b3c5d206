package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stockroomhq/go-stockroom-sync/internal/config"
	"github.com/stockroomhq/go-stockroom-sync/internal/engine"
	httpapi "github.com/stockroomhq/go-stockroom-sync/internal/http"
	"github.com/stockroomhq/go-stockroom-sync/internal/observability"
	"github.com/stockroomhq/go-stockroom-sync/internal/sysutil"
)

// NewRunCommand creates the run command, which starts the sync engine and
// the local status server and blocks until interrupted.
func NewRunCommand(rootOpts *RootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync engine and status server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), version)
		},
	}
}

func runEngine(parent context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	var log zerolog.Logger
	if cfg.LogPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("otel shutdown")
		}
	}()

	eng, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	eng.Start()
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error().Err(err).Msg("engine close")
		}
	}()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, eng, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	return nil
}
