package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/credlink/keyops/internal/config"
	"github.com/credlink/keyops/pkg/engine"
)

// NewJanitorCommand creates the janitor command
func NewJanitorCommand(cfg *config.Config) *cobra.Command {
	var (
		once   bool
		listen string
	)

	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Retire previous credentials past the grace window",
		Long: `Sweep the record store and retire previous-generation credentials
whose grace window has elapsed. Retired records stay in the store as
the audit trail; they are never deleted.

Without --once the janitor runs continuously on the configured
interval and serves Prometheus metrics on --listen.

Examples:
  # Single sweep, then exit
  keyops janitor --once

  # Long-running sweeper with metrics
  keyops janitor --listen :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJanitor(cfg, once, listen)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single sweep and exit")
	cmd.Flags().StringVar(&listen, "listen", ":9464", "Metrics listen address for the long-running janitor")

	return cmd
}

func executeJanitor(cfg *config.Config, once bool, listen string) error {
	if err := cfg.Load(); err != nil {
		return err
	}

	recordStore, err := buildStore(cfg.Definition)
	if err != nil {
		return err
	}

	janitor := engine.NewJanitor(engine.JanitorOptions{
		Store:       recordStore,
		Logger:      cfg.Logger,
		Metrics:     engine.NewMetrics(),
		GraceWindow: cfg.Definition.GraceWindow(),
		Interval:    cfg.Definition.JanitorInterval(),
	})

	if once {
		retired, err := janitor.SweepOnce(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Sweep complete: %d credential(s) retired.\n", retired)
		return nil
	}

	// Long-running mode: register metrics and serve them alongside
	// the sweep loop.
	engine.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	cfg.Logger.Info("janitor running, metrics on %s", listen)

	runErr := janitor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		return err
	default:
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
