// Package coordinator implements the client side of campaign run control.
// A Coordinator owns one campaign's view: it guards against double
// submission, bridges the gap after a trigger with a locally persisted
// pending intent, polls the server until the run finishes and reconciles
// optimistic state with the server after a restart. The server is always
// authoritative.
//
// Each Coordinator runs a single event loop. Requests run in their own
// goroutines and post results back to the loop, so all view state is
// mutated from one goroutine and at most one trigger and one status request
// are in flight per campaign.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/runguard/internal/intent"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// State is the client-side display state of a campaign.
type State string

// State values.
const (
	StateIdle            State = "idle"
	StateTriggering      State = "triggering"
	StateConflict        State = "conflict"
	StateCooldownBlocked State = "cooldown_blocked"
	StateTriggerFailed   State = "trigger_failed"
	StatePending         State = "pending"
	StatePolling         State = "polling"
	StateSuccess         State = "success"
	StateError           State = "error"
	StateCooldownDisplay State = "cooldown"
	StateStatusUnknown   State = "status_unknown"
)

// Defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 5 * time.Second
	// DefaultTriggerTimeout leaves headroom over the server's 30s orchestrator
	// budget so an upstream timeout arrives as UpstreamTimeout rather than a
	// client-side deadline.
	DefaultTriggerTimeout  = 35 * time.Second
	DefaultMaxPollFailures = 3
	DefaultResultHold      = 2 * time.Minute
)

// ErrTriggerInFlight is returned when a trigger is ignored because one is
// already being sent or a run is already being tracked.
var ErrTriggerInFlight = errors.New("a run is already starting or in progress for this campaign")

// ErrClosed is returned by calls on a closed Coordinator.
var ErrClosed = errors.New("coordinator closed")

// View is a snapshot of what the client shows for a campaign.
type View struct {
	CampaignID string
	State      State
	// RunStatus is the last server status observed, or pending while
	// rendering optimistically.
	RunStatus     types.RunStatus
	RunID         string
	JobCount      *int
	TriggeredAt   *time.Time
	CompletedAt   *time.Time
	CooldownUntil *time.Time
	ErrorMessage  string
	// ErrKind and Reason describe the last error surfaced to the user.
	ErrKind types.ErrorKind
	Reason  string
	// Optimistic is true while the view is derived from a pending intent
	// rather than a server response.
	Optimistic bool
	Forced     bool
	UpdatedAt  time.Time
}

// Config holds client timing policy.
type Config struct {
	PollInterval    time.Duration
	PollTimeout     time.Duration
	TriggerTimeout  time.Duration
	MaxPollFailures int
	IntentTTL       time.Duration
	// ResultHold is how long a finished run is shown before the view moves
	// to cooldown or idle.
	ResultHold time.Duration
}

// DefaultConfig returns the default client timing policy.
func DefaultConfig() Config {
	return Config{
		PollInterval:    DefaultPollInterval,
		PollTimeout:     DefaultPollTimeout,
		TriggerTimeout:  DefaultTriggerTimeout,
		MaxPollFailures: DefaultMaxPollFailures,
		IntentTTL:       types.DefaultIntentTTL,
		ResultHold:      DefaultResultHold,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig overrides the timing policy. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		d := DefaultConfig()
		if cfg.PollInterval > 0 {
			d.PollInterval = cfg.PollInterval
		}
		if cfg.PollTimeout > 0 {
			d.PollTimeout = cfg.PollTimeout
		}
		if cfg.TriggerTimeout > 0 {
			d.TriggerTimeout = cfg.TriggerTimeout
		}
		if cfg.MaxPollFailures > 0 {
			d.MaxPollFailures = cfg.MaxPollFailures
		}
		if cfg.IntentTTL > 0 {
			d.IntentTTL = cfg.IntentTTL
		}
		if cfg.ResultHold > 0 {
			d.ResultHold = cfg.ResultHold
		}
		c.cfg = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock used for intents and cooldown display.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithOnChange registers a callback invoked from the event loop after every
// view change. It must not call back into the Coordinator synchronously.
func WithOnChange(fn func(View)) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

// Coordinator drives one campaign.
type Coordinator struct {
	campaignID string
	api        API
	intents    intent.Store
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	onChange   func(View)

	mu   sync.RWMutex
	view View

	events chan event
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// Loop-owned state.
	loop loopState
}

// New creates a Coordinator for campaignID and starts its event loop. Close
// must be called to stop it.
func New(campaignID string, api API, intents intent.Store, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		campaignID: campaignID,
		api:        api,
		intents:    intents,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		now:        time.Now,
		events:     make(chan event, 16),
		quit:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(c)
	}
	if c.intents == nil {
		c.intents = intent.NewMemoryStore()
	}
	c.logger = c.logger.With("campaign", campaignID)
	c.view = View{CampaignID: campaignID, State: StateIdle, RunStatus: types.RunIdle, UpdatedAt: c.now()}

	c.wg.Add(1)
	go c.run()
	return c
}

// View returns the current snapshot.
func (c *Coordinator) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Trigger asks the server to start a run and waits for the server's answer.
// While a trigger is in flight, or a run is being tracked and force is
// false, it returns ErrTriggerInFlight without sending anything.
func (c *Coordinator) Trigger(ctx context.Context, force bool) (View, error) {
	reply := make(chan result, 1)
	if err := c.send(ctx, triggerCmd{force: force, reply: reply}); err != nil {
		return c.View(), err
	}
	return c.await(ctx, reply)
}

// Resume reconciles with the server after a restart or reload: an unexpired
// pending intent is rendered optimistically, then one status request decides
// what is shown. Polling resumes if the server reports a run in flight.
func (c *Coordinator) Resume(ctx context.Context) (View, error) {
	reply := make(chan result, 1)
	if err := c.send(ctx, resumeCmd{reply: reply}); err != nil {
		return c.View(), err
	}
	return c.await(ctx, reply)
}

// Detach stops polling. The server-side run is unaffected and a later
// Resume picks it up again.
func (c *Coordinator) Detach() {
	_ = c.send(context.Background(), detachCmd{})
}

// Close stops the event loop and waits for in-flight requests to end.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		close(c.quit)
		c.cancel()
	})
	c.wg.Wait()
}

func (c *Coordinator) send(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a result from a request goroutine or timer. Results arriving
// after Close are dropped.
func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *Coordinator) await(ctx context.Context, reply <-chan result) (View, error) {
	select {
	case r := <-reply:
		return r.view, r.err
	case <-c.quit:
		return c.View(), ErrClosed
	case <-ctx.Done():
		return c.View(), ctx.Err()
	}
}

// update applies fn to the view and notifies the change callback. Loop only.
func (c *Coordinator) update(fn func(v *View)) {
	c.mu.Lock()
	fn(&c.view)
	c.view.UpdatedAt = c.now()
	v := c.view
	c.mu.Unlock()

	c.logger.Debug("view changed", "state", v.State, "status", v.RunStatus, "runID", v.RunID)
	if c.onChange != nil {
		c.onChange(v)
	}
}
