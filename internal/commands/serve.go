package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/runguard/internal/events"
	"github.com/dwsmith1983/runguard/internal/reconciler"
	"github.com/dwsmith1983/runguard/internal/server"
	"github.com/dwsmith1983/runguard/internal/telemetry"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var dir string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runguard HTTP API server and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dir, verbose)
		},
	}
	cmd.Flags().StringVarP(&dir, "config-dir", "C", ".", "directory containing runguard.yaml")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runServe(parent context.Context, dir string, verbose bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(verbose)
	cfg, err := loadConfig(ctx, dir)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}

	prov, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}
	if err := prov.Start(ctx); err != nil {
		return fmt.Errorf("connecting to %s provider: %w", cfg.Provider, err)
	}

	pub, err := events.New(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}

	gw, err := buildGateway(ctx, cfg, prov, pub, logger)
	if err != nil {
		return err
	}

	var rec *reconciler.Reconciler
	if cfg.Reconciler != nil && cfg.Reconciler.Enabled {
		rcfg, err := reconciler.NewConfig(cfg.Reconciler)
		if err != nil {
			return err
		}
		rec = reconciler.New(prov, gw, logger, rcfg)
		rec.SetEvents(pub)
	}

	srv := server.New(cfg.Server, gw, prov, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		color.Green("runguard listening on %s (provider=%s, orchestrator=%s)", srv.Addr(), cfg.Provider, cfg.Orchestrator.Type)
		return srv.Start()
	})
	if rec != nil {
		rec.Start(gctx)
	}
	g.Go(func() error {
		<-gctx.Done()
		color.Yellow("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if rec != nil {
			rec.Stop(shutdownCtx)
		}
		if err := srv.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := prov.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider shutdown: %w", err))
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	color.Green("Server stopped gracefully")
	return nil
}
