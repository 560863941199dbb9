package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ocf/strand/pkg/lock"
	"github.com/ocf/strand/pkg/observability"
)

func (o *Orchestrator) recordDenied(ctx context.Context, id string, denied *DeniedError) {
	fields := map[string]interface{}{
		"gate":   denied.Gate,
		"reason": denied.Reason,
	}
	if !denied.Until.IsZero() {
		fields["until"] = denied.Until.UTC().Format(time.RFC3339)
	}

	o.reporter.RecordMetric(observability.Metric{
		Name:        "gate_denials_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"gate": denied.Gate},
		Description: "Number of reboot requests refused by a gate.",
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelWarn,
		Node:   id,
		Event:  "gate_denied",
		Fields: fields,
	})
}

func (o *Orchestrator) recordInitFailure(ctx context.Context, id string, err error) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelError,
		Node:   id,
		Event:  "strategy_init_failed",
		Fields: map[string]interface{}{"error": err.Error()},
	})
}

func (o *Orchestrator) recordAcquire(ctx context.Context, id string, duration time.Duration, err error) {
	result := "acquired"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	}
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrHeld):
		result = "held"
		var held *lock.HeldError
		if errors.As(err, &held) {
			fields["holder"] = held.Holder
		}
	default:
		result = "error"
		level = observability.LevelError
		fields["error"] = err.Error()
	}
	fields["result"] = result

	o.reporter.RecordMetric(observability.Metric{
		Name:        "lock_acquisitions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of lock acquisition attempts grouped by result.",
	})
	o.reporter.RecordMetric(observability.Metric{
		Name:        "lock_acquire_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Duration of lock acquisition attempts.",
		Unit:        "seconds",
	})
	if err == nil {
		o.reporter.RecordMetric(observability.Metric{
			Name:        "lock_held",
			Type:        observability.MetricGauge,
			Value:       1,
			Description: "Whether the reboot lock is currently held.",
		})
	}

	o.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Node:   id,
		Event:  "lock_acquire",
		Fields: fields,
	})
}

func (o *Orchestrator) recordSkipped(ctx context.Context, id, name string, progress uint64) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Node:  id,
		Event: "strategy_skipped",
		Fields: map[string]interface{}{
			"strategy": name,
			"phase":    PhasePreReboot,
			"progress": progress,
		},
	})
}

func (o *Orchestrator) recordStrategyRun(ctx context.Context, id, name, phase string, duration time.Duration, err error) {
	result := "success"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"strategy":    name,
		"phase":       phase,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		result = "failure"
		level = observability.LevelWarn
		if phase == PhasePreReboot {
			level = observability.LevelError
		}
		fields["error"] = err.Error()
	}
	labels := map[string]string{"strategy": name, "phase": phase, "result": result}

	o.reporter.RecordMetric(observability.Metric{
		Name:        "strategy_runs_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of strategy invocations grouped by strategy, phase and result.",
	})
	o.reporter.RecordMetric(observability.Metric{
		Name:        "strategy_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      labels,
		Description: "Duration of strategy invocations.",
		Unit:        "seconds",
	})

	o.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Node:   id,
		Event:  "strategy_" + result,
		Fields: fields,
	})
}

func (o *Orchestrator) recordProgress(ctx context.Context, id, name string, meta lock.Metadata) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelDebug,
		Node:  id,
		Event: "progress_saved",
		Fields: map[string]interface{}{
			"strategy":  name,
			"progress":  meta.ProgressFlag,
			"completed": append([]string(nil), meta.Completed...),
		},
	})
}

func (o *Orchestrator) recordPoll(ctx context.Context, id, name string, attempt int, delay time.Duration, err error) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Node:  id,
		Event: "post_reboot_poll",
		Fields: map[string]interface{}{
			"strategy": name,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		},
	})
}

func (o *Orchestrator) recordTimeout(ctx context.Context, id, name string, attempts int, elapsed time.Duration, lastErr, cleanupErr error) {
	fields := map[string]interface{}{
		"strategy":   name,
		"attempts":   attempts,
		"elapsed_ms": elapsed.Milliseconds(),
		"error":      lastErr.Error(),
	}
	if cleanupErr != nil {
		fields["cleanup_error"] = cleanupErr.Error()
	}

	o.reporter.RecordMetric(observability.Metric{
		Name:        "strategy_timeouts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"strategy": name},
		Description: "Number of post-reboot strategies that never confirmed success.",
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelError,
		Node:    id,
		Event:   "strategy_timeout",
		Message: "post-reboot confirmation timed out, lock kept",
		Fields:  fields,
	})
}

func (o *Orchestrator) recordNotHeld(ctx context.Context, id string) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Node:  id,
		Event: "lock_not_held",
	})
}

func (o *Orchestrator) recordRelease(ctx context.Context, id string, err error) {
	result := "released"
	level := observability.LevelInfo
	fields := map[string]interface{}{}
	if err != nil {
		result = "error"
		level = observability.LevelError
		fields["error"] = err.Error()
	}
	fields["result"] = result

	o.reporter.RecordMetric(observability.Metric{
		Name:        "lock_releases_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of lock releases grouped by result.",
	})
	if err == nil {
		o.reporter.RecordMetric(observability.Metric{
			Name:        "lock_held",
			Type:        observability.MetricGauge,
			Value:       0,
			Description: "Whether the reboot lock is currently held.",
		})
	}
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Node:   id,
		Event:  "lock_release",
		Fields: fields,
	})
}

func (o *Orchestrator) recordBestEffortFailure(ctx context.Context, id, event string, err error) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelWarn,
		Node:   id,
		Event:  event,
		Fields: map[string]interface{}{"error": err.Error()},
	})
}
