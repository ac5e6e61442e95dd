package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	ddbprov "github.com/dwsmith1983/runguard/internal/provider/dynamodb"
	pgstore "github.com/dwsmith1983/runguard/internal/provider/postgres"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the run state schema for the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runMigrate(ctx, dir)
		},
	}
	cmd.Flags().StringVarP(&dir, "config-dir", "C", ".", "directory containing runguard.yaml")
	return cmd
}

func runMigrate(ctx context.Context, dir string) error {
	cfg, err := loadConfig(ctx, dir)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	switch cfg.Provider {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating postgres: %w", err)
		}
	case "dynamodb":
		dc := *cfg.DynamoDB
		dc.CreateTable = true
		p, err := ddbprov.New(&dc)
		if err != nil {
			return err
		}
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("creating dynamodb table: %w", err)
		}
	default:
		color.Yellow("provider %s needs no schema", cfg.Provider)
		return nil
	}
	color.Green("%s schema ready", cfg.Provider)
	return nil
}
