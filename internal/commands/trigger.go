package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/runguard/internal/coordinator"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// NewTriggerCmd creates the trigger command.
func NewTriggerCmd() *cobra.Command {
	opts := defaultClientOptions()
	var force, wait bool
	var intentPath string

	cmd := &cobra.Command{
		Use:   "trigger [campaign-id]",
		Short: "Start a run for a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd.Context(), opts, intentPath, args[0], force, wait)
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "bypass the cooldown (admin only)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "follow the run until it finishes")
	cmd.Flags().StringVar(&intentPath, "intent-db", "", "pending intent database (default in the user config dir)")
	return cmd
}

func runTrigger(ctx context.Context, opts clientOptions, intentPath, campaignID string, force, wait bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(opts, intentPath)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.mgr.Get(campaignID)
	if err != nil {
		return err
	}
	v, err := c.Trigger(ctx, force)
	fmt.Println(viewLine(v, time.Now()))
	if err != nil {
		if errors.Is(err, coordinator.ErrTriggerInFlight) {
			return err
		}
		if types.KindOf(err) != types.KindClientNetwork || !wait {
			return fmt.Errorf("trigger rejected: %w", err)
		}
	}
	if wait {
		s.follow(ctx, []string{campaignID})
		if st := c.View().State; st == coordinator.StateError || st == coordinator.StateTriggerFailed {
			return fmt.Errorf("campaign %s: %s", campaignID, st)
		}
	}
	return nil
}
