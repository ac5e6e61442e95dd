package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/runguard/internal/coordinator"
	"github.com/dwsmith1983/runguard/internal/intent"
)

func (o *clientOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.url, "url", o.url, "runguard server URL (RUNGUARD_URL)")
	f.StringVar(&o.user, "user", o.user, "user id sent as X-User-ID (RUNGUARD_USER)")
	f.StringVar(&o.role, "role", o.role, "role sent as X-User-Role (RUNGUARD_ROLE)")
	f.StringVar(&o.apiKey, "api-key", o.apiKey, "API key (RUNGUARD_API_KEY)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
}

// session is a coordinator manager backed by the on-disk intent store.
type session struct {
	mgr     *coordinator.Manager
	intents *intent.SQLiteStore
	changes chan coordinator.View
}

func openSession(o clientOptions, intentPath string) (*session, error) {
	if intentPath == "" {
		intentPath = intent.DefaultPath()
	}
	store, err := intent.OpenSQLite(intentPath)
	if err != nil {
		return nil, fmt.Errorf("opening intent store: %w", err)
	}
	if _, err := store.Purge(context.Background(), time.Now()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("purging expired intents: %w", err)
	}

	s := &session{intents: store, changes: make(chan coordinator.View, 64)}
	s.mgr = coordinator.NewManager(o.client(), store,
		coordinator.WithLogger(newLogger(o.verbose)),
		coordinator.WithOnChange(func(v coordinator.View) {
			select {
			case s.changes <- v:
			default:
			}
		}),
	)
	return s, nil
}

func (s *session) Close() {
	s.mgr.Close()
	_ = s.intents.Close()
}

// follow prints view changes until every watched campaign settles or the
// user interrupts.
func (s *session) follow(ctx context.Context, ids []string) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pending := map[string]bool{}
	for _, id := range ids {
		c, err := s.mgr.Get(id)
		if err != nil {
			return
		}
		if !settled(c.View().State) {
			pending[id] = true
		}
	}
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			for id := range pending {
				if c, err := s.mgr.Get(id); err == nil {
					c.Detach()
				}
			}
			fmt.Println("\ndetached; the run continues on the server")
			return
		case v := <-s.changes:
			if !pending[v.CampaignID] {
				continue
			}
			fmt.Println(viewLine(v, time.Now()))
			if settled(v.State) {
				delete(pending, v.CampaignID)
			}
		}
	}
}
