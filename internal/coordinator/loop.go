package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/dwsmith1983/runguard/internal/intent"
	"github.com/dwsmith1983/runguard/pkg/types"
)

type event interface{}

type result struct {
	view View
	err  error
}

type triggerCmd struct {
	force bool
	reply chan result
}

type resumeCmd struct {
	reply chan result
}

type detachCmd struct{}

type triggerDone struct {
	resp        types.TriggerResponse
	err         error
	wasTracking bool
}

type statusPurpose int

const (
	purposePoll statusPurpose = iota
	// purposeResume reconciles local state with the server after a restart.
	purposeResume
	// purposeVerify checks whether a trigger whose response was lost landed.
	purposeVerify
)

type statusDone struct {
	seq     uint64
	runID   string
	purpose statusPurpose
	resp    types.StatusResponse
	err     error
}

type pollTick struct{ gen uint64 }

type displayTick struct{ gen uint64 }

type intentTick struct{ gen uint64 }

// loopState is owned by the event loop goroutine.
type loopState struct {
	triggering   bool
	triggerReply chan result
	preTrigger   View
	resumeReply  []chan result

	// runID is the run being tracked; serverStatus is the last authoritative
	// status seen for it.
	runID        string
	serverStatus types.RunStatus
	intent       *types.PendingIntent

	polling   bool
	pollGen   uint64
	pollTimer *time.Timer
	failures  int
	stale     int

	seq          uint64
	statusCancel context.CancelFunc

	displayGen   uint64
	displayTimer *time.Timer
	intentGen    uint64
	intentTimer  *time.Timer
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	defer c.stopTimers()
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev event) {
	l := &c.loop
	switch e := ev.(type) {
	case triggerCmd:
		c.onTrigger(e)
	case triggerDone:
		c.onTriggerDone(e)
	case resumeCmd:
		c.onResume(e)
	case detachCmd:
		c.stopPolling()
		c.logger.Debug("detached")
	case statusDone:
		c.onStatus(e)
	case pollTick:
		if l.polling && e.gen == l.pollGen {
			c.issueStatus(purposePoll)
		}
	case displayTick:
		if e.gen == l.displayGen {
			c.onDisplayTick()
		}
	case intentTick:
		if e.gen == l.intentGen {
			c.onIntentTick()
		}
	}
}

// tracking reports whether a run is being followed.
func (c *Coordinator) tracking() bool {
	st := c.View().State
	return c.loop.polling || st == StatePending || st == StatePolling
}

func (c *Coordinator) onTrigger(cmd triggerCmd) {
	l := &c.loop
	wasTracking := c.tracking()
	if l.triggering || (wasTracking && !cmd.force) {
		cmd.reply <- result{view: c.View(), err: ErrTriggerInFlight}
		return
	}

	in := types.NewPendingIntent(c.campaignID, cmd.force, c.now(), c.cfg.IntentTTL)
	c.saveIntent(in)
	l.triggering = true
	l.triggerReply = cmd.reply

	if !wasTracking {
		l.preTrigger = c.View()
		l.displayGen++
		c.update(func(v *View) {
			v.State = StateTriggering
			v.Optimistic = true
			v.RunStatus = types.RunPending
			v.RunID = ""
			v.JobCount = nil
			v.CompletedAt = nil
			v.ErrorMessage = ""
			v.ErrKind = ""
			v.Reason = ""
			v.Forced = cmd.force
		})
	}

	force := cmd.force
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TriggerTimeout)
		defer cancel()
		resp, err := c.api.Trigger(ctx, c.campaignID, force)
		c.post(triggerDone{resp: resp, err: err, wasTracking: wasTracking})
	}()
}

func (c *Coordinator) onTriggerDone(e triggerDone) {
	l := &c.loop
	l.triggering = false
	reply := l.triggerReply
	l.triggerReply = nil
	respond := func(err error) {
		if reply != nil {
			reply <- result{view: c.View(), err: err}
		}
	}

	if e.err == nil {
		c.stopPolling()
		l.displayGen++
		l.runID = e.resp.RunID
		l.serverStatus = types.RunPending
		if l.intent != nil {
			l.intent.RunID = e.resp.RunID
			c.saveIntent(*l.intent)
		}
		c.logger.Info("run accepted", "runID", e.resp.RunID, "forced", e.resp.Forced)
		c.update(func(v *View) {
			v.State = StatePending
			v.Optimistic = false
			v.RunStatus = types.RunPending
			v.RunID = e.resp.RunID
			v.TriggeredAt = e.resp.TriggeredAt
			v.Forced = e.resp.Forced
			v.JobCount = nil
			v.CompletedAt = nil
			v.CooldownUntil = nil
			v.ErrorMessage = ""
			v.ErrKind = ""
			v.Reason = ""
		})
		c.startPolling()
		respond(nil)
		return
	}

	kind, reason, cooldownUntil := describe(e.err)
	c.logger.Warn("trigger failed", "kind", kind, "error", e.err)

	if kind == types.KindClientNetwork && !e.wasTracking {
		// The request may have landed; ask the server before giving up.
		c.update(func(v *View) {
			v.ErrKind = kind
			v.Reason = reason
		})
		c.issueStatus(purposeVerify)
		respond(e.err)
		return
	}

	if !e.wasTracking {
		c.dropIntent()
	} else if l.intent != nil && l.intent.RunID == "" {
		// The forced trigger's intent replaced the tracked run's.
		l.intent.RunID = l.runID
		c.saveIntent(*l.intent)
	}

	if e.wasTracking {
		c.update(func(v *View) {
			v.ErrKind = kind
			v.Reason = reason
		})
		respond(e.err)
		return
	}

	prev := l.preTrigger
	c.update(func(v *View) {
		*v = prev
		v.Optimistic = false
		v.ErrKind = kind
		v.Reason = reason
		switch kind {
		case types.KindConflict:
			v.State = StateConflict
		case types.KindCooldown:
			v.State = StateCooldownBlocked
			if cooldownUntil != nil {
				v.CooldownUntil = cooldownUntil
			}
		default:
			v.State = StateTriggerFailed
		}
	})
	if kind == types.KindCooldown && cooldownUntil != nil {
		c.scheduleDisplayAt(*cooldownUntil)
	}
	respond(e.err)
}

func (c *Coordinator) onResume(cmd resumeCmd) {
	l := &c.loop
	l.resumeReply = append(l.resumeReply, cmd.reply)
	if len(l.resumeReply) > 1 {
		return
	}

	now := c.now()
	in, err := c.intents.Load(c.ctx, c.campaignID)
	switch {
	case errors.Is(err, intent.ErrNotFound):
		l.intent = nil
	case err != nil:
		c.logger.Warn("failed to load pending intent", "error", err)
	case in.Expired(now):
		c.logger.Info("discarding expired pending intent", "createdAt", in.CreatedAt)
		l.intent = &in
		c.dropIntent()
	default:
		l.intent = &in
		if l.runID == "" {
			l.runID = in.RunID
		}
		if !c.tracking() && !l.triggering {
			l.displayGen++
			c.update(func(v *View) {
				v.State = StatePending
				v.Optimistic = true
				v.RunStatus = types.RunPending
				v.RunID = in.RunID
				v.Forced = in.Forced
				v.JobCount = nil
				v.CompletedAt = nil
				v.ErrorMessage = ""
			})
		}
		c.scheduleIntentExpiry(in.ExpiresAt)
	}
	c.issueStatus(purposeResume)
}

// issueStatus sends a status request. A newer request supersedes any in
// flight, whose result is then discarded.
func (c *Coordinator) issueStatus(purpose statusPurpose) {
	l := &c.loop
	if l.statusCancel != nil {
		l.statusCancel()
	}
	l.seq++
	seq, runID := l.seq, l.runID
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PollTimeout)
	l.statusCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		resp, err := c.api.Status(ctx, c.campaignID, runID)
		c.post(statusDone{seq: seq, runID: runID, purpose: purpose, resp: resp, err: err})
	}()
}

func (c *Coordinator) onStatus(e statusDone) {
	l := &c.loop
	if e.seq != l.seq {
		c.logger.Debug("discarding superseded status response", "kind", types.KindStaleState, "seq", e.seq, "latest", l.seq)
		return
	}
	l.statusCancel = nil

	switch e.purpose {
	case purposePoll:
		if !l.polling {
			return
		}
		if e.err != nil {
			c.onPollFailure(e.err)
			return
		}
		l.failures = 0
		c.apply(e.resp, false)
		if l.polling {
			c.schedulePoll()
		}

	case purposeResume:
		replies := l.resumeReply
		l.resumeReply = nil
		var err error
		if e.err != nil {
			err = e.err
			c.onReconcileFailure(e.err)
		} else {
			c.apply(e.resp, true)
		}
		for _, r := range replies {
			r <- result{view: c.View(), err: err}
		}

	case purposeVerify:
		if e.err != nil {
			c.onReconcileFailure(e.err)
			return
		}
		c.apply(e.resp, true)
		if !l.polling {
			// The server is not running anything for us: the trigger did
			// not land.
			c.update(func(v *View) {
				v.State = StateTriggerFailed
				v.ErrKind = types.KindClientNetwork
				v.Reason = "trigger could not be confirmed"
			})
		}
	}
}

func (c *Coordinator) onPollFailure(err error) {
	l := &c.loop
	l.failures++
	c.logger.Warn("status poll failed", "failures", l.failures, "error", err)
	if l.failures < c.cfg.MaxPollFailures {
		c.schedulePoll()
		return
	}
	c.stopPolling()
	kind, _, _ := describe(err)
	c.update(func(v *View) {
		v.State = StateStatusUnknown
		v.ErrKind = kind
		v.Reason = "status unavailable after repeated failures"
	})
}

// onReconcileFailure handles a failed resume or verify request. An unexpired
// intent keeps its optimistic rendering and polling takes over; otherwise
// nothing is known and the view falls back to idle.
func (c *Coordinator) onReconcileFailure(err error) {
	l := &c.loop
	kind, reason, _ := describe(err)
	c.logger.Warn("status reconcile failed", "kind", kind, "error", err)
	if l.intent != nil && !l.intent.Expired(c.now()) {
		c.update(func(v *View) {
			v.State = StatePending
			v.Optimistic = true
			v.RunStatus = types.RunPending
			v.ErrKind = kind
			v.Reason = reason
		})
		if !l.polling {
			c.startPolling()
			// One failure already happened.
			l.failures = 1
		}
		return
	}
	if c.tracking() {
		return
	}
	c.dropIntent()
	c.update(func(v *View) {
		v.State = StateIdle
		v.Optimistic = false
		v.RunStatus = types.RunIdle
		v.ErrKind = kind
		v.Reason = reason
	})
}

// apply folds an authoritative status into the view. With adopt false, a
// response for a run other than the tracked one is stale and discarded;
// with adopt true the server's current run replaces the tracked one.
func (c *Coordinator) apply(resp types.StatusResponse, adopt bool) {
	l := &c.loop
	if !adopt && l.runID != "" && resp.RunID != l.runID {
		l.stale++
		c.logger.Info("discarding status for another run",
			"kind", types.KindStaleState, "tracked", l.runID, "got", resp.RunID)
		if l.stale < c.cfg.MaxPollFailures {
			return
		}
		c.logger.Warn("server moved to another run, following it", "runID", resp.RunID)
	}
	l.stale = 0

	if resp.RunID != "" && resp.RunID == l.runID && rank(resp.Status) < rank(l.serverStatus) {
		c.logger.Info("discarding regressed status",
			"kind", types.KindStaleState, "runID", resp.RunID, "have", l.serverStatus, "got", resp.Status)
		return
	}
	l.runID = resp.RunID
	l.serverStatus = resp.Status
	l.displayGen++

	fill := func(v *View) {
		v.Optimistic = false
		v.RunStatus = resp.Status
		v.RunID = resp.RunID
		v.JobCount = resp.JobCount
		v.TriggeredAt = resp.TriggeredAt
		v.CompletedAt = resp.CompletedAt
		v.CooldownUntil = resp.CooldownUntil
		v.ErrorMessage = resp.ErrorMessage
		v.Forced = resp.Forced
		v.ErrKind = ""
		v.Reason = ""
	}

	switch resp.Status {
	case types.RunPending, types.RunRunning:
		if l.intent != nil && l.intent.RunID != resp.RunID {
			l.intent.RunID = resp.RunID
			c.saveIntent(*l.intent)
		}
		c.update(func(v *View) {
			fill(v)
			v.State = StatePolling
		})
		if !l.polling {
			c.startPolling()
		}
	case types.RunSuccess, types.RunFailed:
		c.stopPolling()
		c.dropIntent()
		c.update(func(v *View) {
			fill(v)
			v.State = StateSuccess
			if resp.Status == types.RunFailed {
				v.State = StateError
			}
		})
		c.scheduleDisplayAt(c.now().Add(c.cfg.ResultHold))
	case types.RunCooldown:
		c.stopPolling()
		c.dropIntent()
		c.update(func(v *View) {
			fill(v)
			v.State = StateCooldownDisplay
		})
		if resp.CooldownUntil != nil {
			c.scheduleDisplayAt(*resp.CooldownUntil)
		}
	default:
		c.stopPolling()
		c.dropIntent()
		c.update(func(v *View) {
			fill(v)
			v.State = StateIdle
			v.RunStatus = types.RunIdle
		})
	}
}

// onDisplayTick advances the time-driven display states.
func (c *Coordinator) onDisplayTick() {
	v := c.View()
	now := c.now()
	cooling := v.CooldownUntil != nil && now.Before(*v.CooldownUntil)
	switch v.State {
	case StateSuccess, StateError:
		if cooling {
			c.update(func(v *View) { v.State = StateCooldownDisplay })
			c.scheduleDisplayAt(*v.CooldownUntil)
			return
		}
		c.update(func(v *View) { v.State = StateIdle })
	case StateCooldownDisplay, StateCooldownBlocked:
		if cooling {
			c.scheduleDisplayAt(*v.CooldownUntil)
			return
		}
		c.update(func(v *View) {
			v.State = StateIdle
			v.ErrKind = ""
			v.Reason = ""
		})
	}
}

// onIntentTick discards an intent that expired without the server
// confirming it.
func (c *Coordinator) onIntentTick() {
	l := &c.loop
	if l.intent == nil || !l.intent.Expired(c.now()) {
		return
	}
	v := c.View()
	c.dropIntent()
	if !v.Optimistic {
		return
	}
	c.logger.Info("pending intent expired without confirmation")
	c.stopPolling()
	c.update(func(v *View) {
		v.State = StateIdle
		v.Optimistic = false
		v.RunStatus = types.RunIdle
		v.RunID = ""
	})
}

func (c *Coordinator) startPolling() {
	l := &c.loop
	l.polling = true
	l.pollGen++
	l.failures = 0
	l.stale = 0
	if st := c.View().State; st != StatePolling {
		c.update(func(v *View) { v.State = StatePolling })
	}
	c.schedulePoll()
}

func (c *Coordinator) schedulePoll() {
	l := &c.loop
	if l.pollTimer != nil {
		l.pollTimer.Stop()
	}
	gen := l.pollGen
	l.pollTimer = time.AfterFunc(c.cfg.PollInterval, func() { c.post(pollTick{gen: gen}) })
}

func (c *Coordinator) stopPolling() {
	l := &c.loop
	if !l.polling {
		return
	}
	l.polling = false
	l.pollGen++
	if l.pollTimer != nil {
		l.pollTimer.Stop()
		l.pollTimer = nil
	}
	if l.statusCancel != nil {
		l.statusCancel()
		l.statusCancel = nil
		// Any response still in flight is superseded.
		l.seq++
	}
}

func (c *Coordinator) scheduleDisplayAt(at time.Time) {
	l := &c.loop
	if l.displayTimer != nil {
		l.displayTimer.Stop()
	}
	gen := l.displayGen
	l.displayTimer = time.AfterFunc(nonNegative(at.Sub(c.now())), func() { c.post(displayTick{gen: gen}) })
}

func (c *Coordinator) scheduleIntentExpiry(at time.Time) {
	l := &c.loop
	if l.intentTimer != nil {
		l.intentTimer.Stop()
	}
	l.intentGen++
	gen := l.intentGen
	l.intentTimer = time.AfterFunc(nonNegative(at.Sub(c.now())), func() { c.post(intentTick{gen: gen}) })
}

func (c *Coordinator) stopTimers() {
	l := &c.loop
	for _, t := range []*time.Timer{l.pollTimer, l.displayTimer, l.intentTimer} {
		if t != nil {
			t.Stop()
		}
	}
	if l.statusCancel != nil {
		l.statusCancel()
	}
}

func (c *Coordinator) saveIntent(in types.PendingIntent) {
	c.loop.intent = &in
	if err := c.intents.Save(c.ctx, in); err != nil {
		c.logger.Warn("failed to persist pending intent", "error", err)
	}
}

func (c *Coordinator) dropIntent() {
	l := &c.loop
	if l.intent == nil {
		return
	}
	l.intent = nil
	l.intentGen++
	if l.intentTimer != nil {
		l.intentTimer.Stop()
		l.intentTimer = nil
	}
	if err := c.intents.Delete(c.ctx, c.campaignID); err != nil {
		c.logger.Warn("failed to delete pending intent", "error", err)
	}
}

// rank orders run statuses for one run so the view never moves backwards.
func rank(s types.RunStatus) int {
	switch s {
	case types.RunPending:
		return 1
	case types.RunRunning:
		return 2
	case types.RunSuccess, types.RunFailed:
		return 3
	case types.RunCooldown:
		return 4
	case types.RunIdle:
		return 5
	}
	return 0
}

// describe extracts what the user is shown for err. Errors that are not
// RunErrors come from the transport.
func describe(err error) (types.ErrorKind, string, *time.Time) {
	var re *types.RunError
	if errors.As(err, &re) {
		return re.Kind, re.Message, re.CooldownUntil
	}
	return types.KindClientNetwork, err.Error(), nil
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
