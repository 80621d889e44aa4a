package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"programista_hub/internal/config"
	"programista_hub/internal/domain"
	"programista_hub/internal/telemetry"
)

var ErrCoordinatorStopped = errors.New("sync coordinator stopped")

// Flight is the shared result of one sync run. Every caller folded into the
// same run waits on the same Flight.
type Flight struct {
	done  chan struct{}
	runID atomic.Pointer[uuid.UUID]
	run   *domain.SyncRun
	err   error
}

func newFlight() *Flight {
	return &Flight{done: make(chan struct{})}
}

func (f *Flight) complete(run *domain.SyncRun, err error) {
	f.run = run
	f.err = err
	close(f.done)
}

// RunID identifies the run behind the flight. It is uuid.Nil for a
// follow-up run that has not started yet.
func (f *Flight) RunID() uuid.UUID {
	if id := f.runID.Load(); id != nil {
		return *id
	}
	return uuid.Nil
}

// Done is closed once the run has finished.
func (f *Flight) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the run finishes or ctx is done.
func (f *Flight) Wait(ctx context.Context) (*domain.SyncRun, error) {
	select {
	case <-f.done:
		return f.run, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Phase           domain.SyncPhase `json:"phase"`
	ActiveRunID     *uuid.UUID       `json:"active_run_id,omitempty"`
	FollowUpPending bool             `json:"follow_up_pending"`
	RetryScheduled  bool             `json:"retry_scheduled"`
	LastRun         *domain.SyncRun  `json:"last_run,omitempty"`
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorMetrics(m *telemetry.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator guarantees that at most one sync run executes at a time.
//
// While a run is active, a manual trigger is refused with
// domain.ErrSyncInProgress, a scheduled trigger joins the active run, and
// webhook triggers are folded into a single follow-up run that starts as
// soon as the active one finishes. Runs failing with a retryable error are
// retried after an exponential delay up to the configured attempt limit.
type Coordinator struct {
	runner     Runner
	runTimeout time.Duration
	retry      config.RetryConfig
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	phase        domain.SyncPhase
	active       *Flight
	activeID     uuid.UUID
	pending      *Flight
	pendingCause domain.Trigger
	retryTimer   *time.Timer
	last         *domain.SyncRun
	stopped      bool
}

func NewCoordinator(runner Runner, cfg config.SyncConfig, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		runner:     runner,
		runTimeout: cfg.RunTimeout,
		retry:      cfg.Retry,
		logger:     logger.With("component", "coordinator"),
		ctx:        ctx,
		cancel:     cancel,
		phase:      domain.PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger requests a sync run. It returns the Flight the caller may wait
// on and whether the request was folded into an existing or pending run.
func (c *Coordinator) Trigger(trigger domain.Trigger) (*Flight, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, false, ErrCoordinatorStopped
	}

	if c.active == nil {
		f := newFlight()
		c.startLocked(f, trigger, 1)
		return f, false, nil
	}

	switch trigger {
	case domain.TriggerManual:
		return nil, false, fmt.Errorf("run %s: %w", c.activeID, domain.ErrSyncInProgress)
	case domain.TriggerWebhook:
		if c.pending == nil {
			c.pending = newFlight()
			c.pendingCause = trigger
		}
		c.metrics.RecordCoalesced()
		c.logger.Debug("trigger coalesced into follow-up run", "trigger", trigger, "active_run_id", c.activeID)
		return c.pending, true, nil
	default:
		c.metrics.RecordCoalesced()
		c.logger.Debug("trigger joined active run", "trigger", trigger, "active_run_id", c.activeID)
		return c.active, true, nil
	}
}

// Status reports the current phase and the last finished run.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Phase:           c.phase,
		FollowUpPending: c.pending != nil,
		RetryScheduled:  c.retryTimer != nil,
	}
	if c.active != nil {
		id := c.activeID
		st.ActiveRunID = &id
	}
	if c.last != nil {
		last := *c.last
		st.LastRun = &last
	}
	return st
}

// Stop cancels the active run, drops scheduled work and waits for the
// active run to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if pending != nil {
		pending.complete(nil, ErrCoordinatorStopped)
	}
	c.logger.Info("sync coordinator stopped")
}

func (c *Coordinator) startLocked(f *Flight, trigger domain.Trigger, attempt int) {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	run := domain.NewSyncRun(trigger, attempt)
	f.runID.Store(&run.ID)
	c.active = f
	c.activeID = run.ID
	c.phase = domain.PhaseFetching

	c.wg.Add(1)
	go c.execute(f, run)
}

func (c *Coordinator) execute(f *Flight, run *domain.SyncRun) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.runTimeout)
	defer cancel()

	c.metrics.SetSyncActive(true)
	err := c.runner.Run(ctx, run, c.setPhase)
	c.metrics.SetSyncActive(false)

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("run exceeded %s: %w", c.runTimeout, err)
	}
	c.metrics.RecordSyncRun(string(run.Trigger), string(run.Outcome), run.Duration())

	c.finish(f, run, err)
}

func (c *Coordinator) setPhase(p domain.SyncPhase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Coordinator) finish(f *Flight, run *domain.SyncRun, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = nil
	c.activeID = uuid.Nil
	c.phase = domain.PhaseIdle
	if err != nil {
		// Held until the next run starts.
		c.phase = domain.PhaseFailed
	}
	c.last = run
	f.complete(run, err)

	if c.stopped {
		return
	}

	if c.pending != nil {
		next := c.pending
		c.pending = nil
		c.startLocked(next, c.pendingCause, 1)
		return
	}

	if err != nil && domain.Retryable(err) {
		c.scheduleRetryLocked(run)
	}
}

func (c *Coordinator) scheduleRetryLocked(run *domain.SyncRun) {
	if run.Attempt >= c.retry.MaxAttempts {
		c.logger.Warn("giving up on sync retries", "run_id", run.ID, "attempts", run.Attempt)
		return
	}

	delay := c.retryDelay(run.Attempt)
	trigger, attempt := run.Trigger, run.Attempt+1

	c.logger.Info("scheduling sync retry", "run_id", run.ID, "attempt", attempt, "delay", delay)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		// A timer that fired while a newer one was installed is stale.
		if c.retryTimer != t {
			return
		}
		c.retryTimer = nil
		if c.stopped || c.active != nil {
			return
		}
		c.startLocked(newFlight(), trigger, attempt)
	})
	c.retryTimer = t
}

// retryDelay returns the wait before the retry that follows attempt.
func (c *Coordinator) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialBackoff
	b.MaxInterval = c.retry.MaxBackoff

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
