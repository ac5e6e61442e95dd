package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	opts := defaultClientOptions()
	var intentPath string

	cmd := &cobra.Command{
		Use:   "watch [campaign-id...]",
		Short: "Reattach to campaigns and follow in-flight runs",
		Long: `watch reconciles each campaign with the server, showing any run this
machine triggered but never saw finish, and follows in-flight runs until
they complete. Interrupting detaches without affecting the runs.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, intentPath, args)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&intentPath, "intent-db", "", "pending intent database (default in the user config dir)")
	return cmd
}

func runWatch(ctx context.Context, opts clientOptions, intentPath string, ids []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(opts, intentPath)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, id := range ids {
		c, err := s.mgr.Get(id)
		if err != nil {
			return err
		}
		v, err := c.Resume(ctx)
		fmt.Println(viewLine(v, time.Now()))
		if err != nil {
			fmt.Printf("  %s: %v\n", id, err)
		}
	}
	s.follow(ctx, ids)
	return nil
}
