package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ocf/strand/pkg/clusterhealth"
	"github.com/ocf/strand/pkg/cooldown"
	"github.com/ocf/strand/pkg/fleetlock"
	"github.com/ocf/strand/pkg/lease"
	"github.com/ocf/strand/pkg/lock"
	"github.com/ocf/strand/pkg/strategy"
	"github.com/ocf/strand/pkg/windows"
)

// Response values returned on success.
const (
	MessageAcquired = "successfully acquired lock, ok to reboot"
	MessageReleased = "successfully released lock, no more retries needed"
	MessageNotHeld  = "lock not held, nothing to release"
)

const (
	gateMaintenance = "maintenance_window"
	gateCooldown    = "cooldown"
)

// Locker is the lock contract the orchestrator drives. *lock.Lock satisfies it.
type Locker interface {
	Acquire(ctx context.Context, holder string) error
	Release(ctx context.Context, holder string) error
	GetMetadata(ctx context.Context) (lock.Metadata, error)
	SetMetadata(ctx context.Context, meta lock.Metadata) error
}

// StrategySource builds the strategy set for a request. *strategy.Registry
// satisfies it.
type StrategySource interface {
	InitStrategies(ctx context.Context, req fleetlock.Request) ([]strategy.Strategy, error)
}

// Orchestrator serves the two FleetLock operations.
type Orchestrator struct {
	locker     Locker
	strategies StrategySource
	windows    windows.Evaluator
	cooldown   cooldown.Manager
	interval   time.Duration
	health     clusterhealth.Manager
	reporter   Reporter
	sleep      func(time.Duration)
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReporter attaches an observability reporter.
func WithReporter(rep Reporter) Option {
	return func(o *Orchestrator) {
		if rep != nil {
			o.reporter = rep
		}
	}
}

// WithSleepFunc overrides the sleep used between post-reboot polls. The
// function is called synchronously; without it a timer is used that stops
// early when the request context ends.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(o *Orchestrator) {
		o.sleep = fn
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithWindows gates new acquisitions on maintenance windows.
func WithWindows(eval windows.Evaluator) Option {
	return func(o *Orchestrator) {
		o.windows = eval
	}
}

// WithCooldown gates new acquisitions while a cooldown is active and starts
// a cooldown of interval after every release.
func WithCooldown(manager cooldown.Manager, interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.cooldown = manager
		o.interval = interval
	}
}

// WithHealthRecorder records per-node outcomes.
func WithHealthRecorder(manager clusterhealth.Manager) Option {
	return func(o *Orchestrator) {
		o.health = manager
	}
}

// New constructs an Orchestrator.
func New(locker Locker, strategies StrategySource, opts ...Option) (*Orchestrator, error) {
	if locker == nil {
		return nil, errors.New("locker must not be nil")
	}
	if strategies == nil {
		return nil, errors.New("strategy source must not be nil")
	}

	o := &Orchestrator{
		locker:     locker,
		strategies: strategies,
		reporter:   NoopReporter{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reporter == nil {
		o.reporter = NoopReporter{}
	}
	return o, nil
}

// PreReboot handles a request to reboot: gate, acquire, then run every
// pre-reboot strategy not yet completed by this holder, highest priority
// first, persisting progress after each one.
func (o *Orchestrator) PreReboot(ctx context.Context, req fleetlock.Request) (fleetlock.Response, error) {
	if o == nil {
		return fleetlock.Response{}, ErrImpossible
	}
	if err := req.Validate(); err != nil {
		return fleetlock.Response{}, &lock.ValueError{Reason: err.Error()}
	}
	id := req.ClientParams.ID

	if err := o.checkGates(ctx, id); err != nil {
		return fleetlock.Response{}, err
	}

	strategies, err := o.strategies.InitStrategies(ctx, req)
	if err != nil {
		o.recordInitFailure(ctx, id, err)
		return fleetlock.Response{}, &StrategyError{Phase: PhaseInit, Err: err}
	}

	start := o.now()
	if err := o.locker.Acquire(ctx, id); err != nil {
		o.recordAcquire(ctx, id, o.now().Sub(start), err)
		return fleetlock.Response{}, fmt.Errorf("acquire lock: %w", err)
	}
	o.recordAcquire(ctx, id, o.now().Sub(start), nil)

	meta, err := o.locker.GetMetadata(ctx)
	if err != nil {
		return fleetlock.Response{}, fmt.Errorf("read lock metadata: %w", err)
	}
	if meta.Holder != id {
		return fleetlock.Response{}, &lock.HeldError{Holder: meta.Holder, Requester: id}
	}

	strategy.SortPre(strategies)
	for _, s := range strategies {
		name := s.Name()
		if meta.IsCompleted(name) {
			o.recordSkipped(ctx, id, name, meta.ProgressFlag)
			continue
		}

		runStart := o.now()
		runErr := s.PreReboot(ctx)
		o.recordStrategyRun(ctx, id, name, PhasePreReboot, o.now().Sub(runStart), runErr)
		if runErr != nil {
			o.reportUnhealthy(ctx, id, clusterhealth.Report{Stage: PhasePreReboot, Strategy: name, Reason: runErr.Error()})
			return fleetlock.Response{}, &StrategyError{Strategy: name, Phase: PhasePreReboot, Err: runErr}
		}

		meta.Completed = append(meta.Completed, name)
		if pre := s.Priority().Pre; pre > meta.ProgressFlag {
			meta.ProgressFlag = pre
		}
		if err := o.locker.SetMetadata(ctx, meta); err != nil {
			return fleetlock.Response{}, fmt.Errorf("save progress after %s: %w", name, err)
		}
		o.recordProgress(ctx, id, name, meta)
	}

	return fleetlock.Response{Kind: fleetlock.KindLockAcquired, Value: MessageAcquired}, nil
}

// SteadyState handles a node reporting it is back: run every post-reboot
// strategy lowest priority first, polling until each confirms, then release.
// A strategy that never confirms within its timeout keeps the lock held.
// The cooldown starts while the lock is still held so no other node can
// acquire between release and cooldown.
func (o *Orchestrator) SteadyState(ctx context.Context, req fleetlock.Request) (fleetlock.Response, error) {
	if o == nil {
		return fleetlock.Response{}, ErrImpossible
	}
	if err := req.Validate(); err != nil {
		return fleetlock.Response{}, &lock.ValueError{Reason: err.Error()}
	}
	id := req.ClientParams.ID

	meta, err := o.locker.GetMetadata(ctx)
	if err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			o.recordNotHeld(ctx, id)
			return fleetlock.Response{Kind: fleetlock.KindLockReleased, Value: MessageNotHeld}, nil
		}
		return fleetlock.Response{}, fmt.Errorf("read lock metadata: %w", err)
	}
	if meta.Holder != id {
		return fleetlock.Response{}, &lock.HeldError{Holder: meta.Holder, Requester: id}
	}

	strategies, err := o.strategies.InitStrategies(ctx, req)
	if err != nil {
		o.recordInitFailure(ctx, id, err)
		return fleetlock.Response{}, &StrategyError{Phase: PhaseInit, Err: err}
	}

	strategy.SortPost(strategies)
	for _, s := range strategies {
		if err := o.awaitPostReboot(ctx, id, s); err != nil {
			return fleetlock.Response{}, err
		}
	}

	o.startCooldown(ctx, id)

	// A failed release leaves the cooldown running; the holder's retry
	// starts it again.
	if err := o.locker.Release(ctx, id); err != nil {
		o.recordRelease(ctx, id, err)
		return fleetlock.Response{}, fmt.Errorf("release lock: %w", err)
	}
	o.recordRelease(ctx, id, nil)

	o.reportHealthy(ctx, id)

	return fleetlock.Response{Kind: fleetlock.KindLockReleased, Value: MessageReleased}, nil
}

// awaitPostReboot polls s.PostReboot at its poll interval until it succeeds
// or its timeout interval has passed since the first attempt.
func (o *Orchestrator) awaitPostReboot(ctx context.Context, id string, s strategy.Strategy) error {
	name := s.Name()
	first := o.now()

	for attempt := 1; ; attempt++ {
		runStart := o.now()
		runErr := s.PostReboot(ctx)
		o.recordStrategyRun(ctx, id, name, PhasePostReboot, o.now().Sub(runStart), runErr)
		if runErr == nil {
			return nil
		}
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return runErr
		}

		elapsed := o.now().Sub(first)
		if elapsed >= s.TimeoutInterval() {
			cleanupErr := s.Timeout(ctx)
			o.recordTimeout(ctx, id, name, attempt, elapsed, runErr, cleanupErr)
			o.reportUnhealthy(ctx, id, clusterhealth.Report{Stage: PhasePostReboot, Strategy: name, Reason: runErr.Error()})

			cause := runErr
			if cleanupErr != nil {
				cause = errors.Join(runErr, fmt.Errorf("timeout cleanup: %w", cleanupErr))
			}
			return &StrategyError{Strategy: name, Phase: PhasePostReboot, Timeout: true, Err: cause}
		}

		o.recordPoll(ctx, id, name, attempt, s.PollInterval(), runErr)
		if err := o.sleepWithContext(ctx, s.PollInterval()); err != nil {
			return err
		}
	}
}

// checkGates applies maintenance windows and cooldown to new acquisitions.
// A requester already holding the lock is resuming and passes unchecked.
func (o *Orchestrator) checkGates(ctx context.Context, id string) error {
	if o.windows == nil && o.cooldown == nil {
		return nil
	}
	if meta, err := o.locker.GetMetadata(ctx); err == nil && meta.Holder == id {
		return nil
	}

	if o.windows != nil {
		decision := o.windows.Evaluate(o.now())
		if !decision.Allowed {
			reason := "outside configured allow windows"
			if decision.MatchedDeny != nil {
				reason = fmt.Sprintf("inside deny window %s", decision.MatchedDeny)
			}
			denied := &DeniedError{Gate: gateMaintenance, Reason: reason}
			o.recordDenied(ctx, id, denied)
			return denied
		}
	}

	if o.cooldown != nil {
		status, err := o.cooldown.Status(ctx)
		if err != nil {
			return fmt.Errorf("check cooldown: %w", err)
		}
		if status.Active {
			denied := &DeniedError{
				Gate:   gateCooldown,
				Reason: fmt.Sprintf("last reboot by %s, %s remaining", status.Node, status.Remaining.Round(time.Second)),
				Until:  status.ExpiresAt,
			}
			o.recordDenied(ctx, id, denied)
			return denied
		}
	}
	return nil
}

// startCooldown failures are only reported; the release still proceeds.
func (o *Orchestrator) startCooldown(ctx context.Context, id string) {
	if o.cooldown == nil || o.interval <= 0 {
		return
	}
	if err := o.cooldown.Start(ctx, id, o.interval); err != nil {
		o.recordBestEffortFailure(ctx, id, "cooldown_start_failed", err)
	}
}

func (o *Orchestrator) reportHealthy(ctx context.Context, id string) {
	if o.health == nil {
		return
	}
	if err := o.health.ReportHealthy(ctx, id); err != nil {
		o.recordBestEffortFailure(ctx, id, "health_record_failed", err)
	}
}

func (o *Orchestrator) reportUnhealthy(ctx context.Context, id string, report clusterhealth.Report) {
	if o.health == nil {
		return
	}
	if err := o.health.ReportUnhealthy(ctx, id, report); err != nil {
		o.recordBestEffortFailure(ctx, id, "health_record_failed", err)
	}
}

func (o *Orchestrator) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if o.sleep != nil {
		o.sleep(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
