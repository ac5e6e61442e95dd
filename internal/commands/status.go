package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	opts := defaultClientOptions()
	var runID, dir string
	var store bool

	cmd := &cobra.Command{
		Use:   "status [campaign-id]",
		Short: "Show a campaign's run status, or every active record with --store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if store {
				return runStoreStatus(ctx, dir)
			}
			if len(args) == 0 {
				return fmt.Errorf("a campaign id is required unless --store is set")
			}
			return runStatus(ctx, opts, args[0], runID)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&runID, "run-id", "", "run being tracked")
	cmd.Flags().BoolVar(&store, "store", false, "read records directly from the configured provider")
	cmd.Flags().StringVarP(&dir, "config-dir", "C", ".", "directory containing runguard.yaml (with --store)")
	return cmd
}

func runStatus(ctx context.Context, opts clientOptions, campaignID, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := opts.client().Status(ctx, campaignID, runID)
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}

	bold := color.New(color.Bold)
	_, _ = bold.Printf("Campaign: %s\n", resp.CampaignID)
	fmt.Printf("  Status:    %s\n", statusString(resp.Status))
	if resp.RunID != "" {
		fmt.Printf("  Run:       %s\n", resp.RunID)
	}
	if resp.TriggeredAt != nil {
		fmt.Printf("  Triggered: %s\n", resp.TriggeredAt.Format(time.RFC3339))
	}
	if resp.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", resp.CompletedAt.Format(time.RFC3339))
	}
	if resp.JobCount != nil {
		fmt.Printf("  Jobs:      %d\n", *resp.JobCount)
	}
	if resp.ErrorMessage != "" {
		color.Red("  Error:     %s", resp.ErrorMessage)
	}
	if resp.CooldownUntil != nil && time.Now().Before(*resp.CooldownUntil) {
		color.Yellow("  Cooldown:  until %s", resp.CooldownUntil.Format(time.RFC3339))
	}
	if resp.Forced {
		fmt.Println("  Forced:    yes")
	}
	fmt.Println()
	return nil
}

func runStoreStatus(ctx context.Context, dir string) error {
	cfg, err := loadConfig(ctx, dir)
	if err != nil {
		return err
	}
	prov, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := prov.Start(ctx); err != nil {
		return fmt.Errorf("connecting to provider: %w", err)
	}
	defer func() { _ = prov.Stop(ctx) }()

	return showRecords(ctx, prov, time.Now())
}

const listLimit = 1000

func showRecords(ctx context.Context, prov provider.Provider, now time.Time) error {
	records, err := prov.ListRunStates(ctx, []types.RunStatus{
		types.RunPending, types.RunRunning, types.RunSuccess, types.RunFailed, types.RunCooldown,
	}, "", listLimit)
	if err != nil {
		return fmt.Errorf("listing run states: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No active run records.")
		return nil
	}

	bold := color.New(color.Bold)
	_, _ = bold.Println("Run Records:")
	fmt.Println()
	for _, st := range records {
		eff := lifecycle.Effective(st, now)
		fmt.Printf("  %-24s %-18s run=%-28s v%d", st.CampaignID, statusString(eff.Status), st.RunID, st.Version)
		if st.Status == types.RunPending && st.RunID == "" {
			fmt.Print("  (claim)")
		}
		fmt.Println()
	}
	fmt.Println()
	return nil
}
