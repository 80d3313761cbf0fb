// Package watcher confirms that a triggered redeployment actually converged.
//
// One watcher instance exists per service per deploy. It is an explicit
// state machine: PENDING -> IN_PROGRESS -> {STABLE, TIMED_OUT, FAILED}.
// Poll performs a single step against a fresh orchestrator read; Run owns
// timing and cancellation. Poll results are deliberately never cached or
// memoized between ticks, so a converged signal is always current.
package watcher

import (
	"context"
	"time"

	"relctl/internal/model"
	"relctl/internal/orchestrator"
	"relctl/pkg/logging"
)

// maxConsecutivePollFailures bounds how many polls in a row may fail with a
// transient API error before the watcher gives up with FAILED. Each failed
// poll already sits one confirmation interval after the previous one, so
// this is the retry-with-backoff budget for one service.
const maxConsecutivePollFailures = 3

// Config controls one watch.
type Config struct {
	// Interval is the fixed confirmation interval between polls.
	Interval time.Duration
	// WaitFor is the total convergence budget. Once elapsed wait reaches
	// it the watcher times out and issues no further polls.
	WaitFor time.Duration
	// Verbose makes every tick report elapsed time, remaining budget and
	// task counts.
	Verbose bool
}

// DefaultConfig returns the confirmation timing used when the caller sets
// nothing.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		WaitFor:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.WaitFor <= 0 {
		c.WaitFor = def.WaitFor
	}
	return c
}

// Watcher polls the orchestrator after a redeploy until the rollout
// converges, times out or fails.
type Watcher struct {
	reader       orchestrator.StatusReader
	svc          orchestrator.Service
	releaseLabel string
	cfg          Config
	clock        Clock

	state    model.OutcomeStatus
	detail   string
	failures int
	last     orchestrator.ServiceStatus
}

// New returns a watcher in PENDING for the given service and release label.
func New(reader orchestrator.StatusReader, svc orchestrator.Service, releaseLabel string, cfg Config, clock Clock) *Watcher {
	if clock == nil {
		clock = RealClock()
	}
	return &Watcher{
		reader:       reader,
		svc:          svc,
		releaseLabel: releaseLabel,
		cfg:          cfg.withDefaults(),
		clock:        clock,
		state:        model.StatusPending,
	}
}

// State returns the current state.
func (w *Watcher) State() model.OutcomeStatus { return w.state }

// Detail explains a FAILED or interrupted outcome.
func (w *Watcher) Detail() string { return w.detail }

// LastStatus returns the most recent successful orchestrator read.
func (w *Watcher) LastStatus() orchestrator.ServiceStatus { return w.last }

// Poll performs one step of the state machine with a fresh orchestrator
// read. It never blocks on time; the scheduler (Run) owns that.
func (w *Watcher) Poll(ctx context.Context) model.OutcomeStatus {
	if w.state.Terminal() {
		return w.state
	}
	w.state = model.StatusInProgress

	status, err := w.reader.ServiceStatus(ctx, w.svc, w.releaseLabel)
	if err != nil {
		w.failures++
		logging.Warn("Watcher", "poll for %s failed (%d/%d): %v", w.svc.ID, w.failures, maxConsecutivePollFailures, err)
		if w.failures >= maxConsecutivePollFailures {
			w.state = model.StatusFailed
			w.detail = err.Error()
		}
		return w.state
	}
	w.failures = 0
	w.last = status

	switch {
	case status.Unrecoverable:
		w.state = model.StatusFailed
		w.detail = status.Reason
	case status.Converged():
		w.state = model.StatusStable
	}
	return w.state
}

// Run drives Poll at the confirmation interval until a terminal state or
// until the wait budget is exhausted. Cancellation stops polling without
// undoing the redeploy; the last observed state is returned so the caller
// can record it rather than drop it.
func (w *Watcher) Run(ctx context.Context) model.OutcomeStatus {
	started := w.clock.Now()

	for {
		elapsed := w.clock.Now().Sub(started)
		if elapsed >= w.cfg.WaitFor {
			if !w.state.Terminal() {
				w.state = model.StatusTimedOut
				w.detail = "did not converge within " + w.cfg.WaitFor.String()
			}
			return w.state
		}

		if w.Poll(ctx).Terminal() {
			return w.state
		}

		if w.cfg.Verbose {
			logging.Info("Watcher", "%s: waited %s of %s, %d/%d tasks running, %d on release %s",
				w.svc.ID, elapsed.Round(time.Second), w.cfg.WaitFor,
				w.last.Running, w.last.Desired, w.last.Matching, w.releaseLabel)
		}

		select {
		case <-ctx.Done():
			w.detail = "interrupted while waiting for convergence"
			return w.state
		case <-w.clock.After(w.cfg.Interval):
		}
	}
}
