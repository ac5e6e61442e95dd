package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/runguard/internal/events"
	"github.com/dwsmith1983/runguard/internal/reconciler"
)

// NewReconcileCmd creates the reconcile command.
func NewReconcileCmd() *cobra.Command {
	var dir string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over in-flight and finished runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runReconcile(ctx, dir, verbose)
		},
	}
	cmd.Flags().StringVarP(&dir, "config-dir", "C", ".", "directory containing runguard.yaml")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runReconcile(ctx context.Context, dir string, verbose bool) error {
	logger := newLogger(verbose)
	cfg, err := loadConfig(ctx, dir)
	if err != nil {
		return err
	}
	prov, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := prov.Start(ctx); err != nil {
		return fmt.Errorf("connecting to provider: %w", err)
	}
	defer func() { _ = prov.Stop(ctx) }()

	pub, err := events.New(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	gw, err := buildGateway(ctx, cfg, prov, pub, logger)
	if err != nil {
		return err
	}
	rcfg, err := reconciler.NewConfig(cfg.Reconciler)
	if err != nil {
		return err
	}
	rec := reconciler.New(prov, gw, logger, rcfg)
	rec.SetEvents(pub)

	res, err := rec.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if res.Skipped {
		color.Yellow("another instance holds the sweep lock; nothing done")
		return nil
	}
	fmt.Printf("scanned=%d refreshed=%d settled=%d errors=%d\n", res.Scanned, res.Refreshed, res.Settled, res.Errors)
	if res.Errors > 0 {
		color.Red("%d records could not be reconciled", res.Errors)
	}
	return nil
}
