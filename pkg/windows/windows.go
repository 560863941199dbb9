// Package windows decides whether a reboot may start at a given time based on
// cron-scheduled allow and deny windows.
package windows

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Evaluator reports whether a reboot may begin at a point in time.
type Evaluator interface {
	Evaluate(time.Time) Decision
}

// Decision is the outcome of evaluating a point in time.
type Decision struct {
	Allowed         bool
	AllowConfigured bool
	MatchedAllow    *Match
	MatchedDeny     *Match
}

// Match identifies the window that decided the outcome.
type Match struct {
	Schedule string
	Duration time.Duration
}

func (m *Match) String() string {
	if m == nil {
		return ""
	}
	return fmt.Sprintf("%s for %s", m.Schedule, m.Duration)
}

// Window opens at every activation of Schedule and stays open for Duration.
// Schedule uses the standard five-field cron syntax and accepts descriptors
// such as @daily and a CRON_TZ= prefix.
type Window struct {
	Schedule string
	Duration time.Duration
}

type evaluator struct {
	allow []window
	deny  []window
}

type window struct {
	spec     string
	duration time.Duration
	schedule cron.Schedule
}

// NewEvaluator parses allow and deny windows. A nil evaluator is returned
// when both slices are empty.
func NewEvaluator(allow, deny []Window) (Evaluator, error) {
	eval := &evaluator{}

	for idx, w := range deny {
		parsed, err := parseWindow(w)
		if err != nil {
			return nil, fmt.Errorf("windows.deny[%d]: %w", idx, err)
		}
		eval.deny = append(eval.deny, parsed)
	}

	for idx, w := range allow {
		parsed, err := parseWindow(w)
		if err != nil {
			return nil, fmt.Errorf("windows.allow[%d]: %w", idx, err)
		}
		eval.allow = append(eval.allow, parsed)
	}

	if len(eval.allow) == 0 && len(eval.deny) == 0 {
		return nil, nil
	}
	return eval, nil
}

// Evaluate applies deny windows first; when allow windows exist, t must fall
// inside one of them.
func (e *evaluator) Evaluate(t time.Time) Decision {
	decision := Decision{Allowed: true, AllowConfigured: len(e.allow) > 0}

	for _, w := range e.deny {
		if w.contains(t) {
			decision.Allowed = false
			decision.MatchedDeny = w.match()
			return decision
		}
	}

	if decision.AllowConfigured {
		decision.Allowed = false
		for _, w := range e.allow {
			if w.contains(t) {
				decision.Allowed = true
				decision.MatchedAllow = w.match()
				return decision
			}
		}
	}

	return decision
}

// contains reports whether some activation a satisfies a <= t < a+duration.
func (w window) contains(t time.Time) bool {
	next := w.schedule.Next(t.Add(-w.duration))
	if next.IsZero() {
		return false
	}
	return !next.After(t)
}

func (w window) match() *Match {
	return &Match{Schedule: w.spec, Duration: w.duration}
}

func parseWindow(w Window) (window, error) {
	spec := strings.TrimSpace(w.Schedule)
	if spec == "" {
		return window{}, fmt.Errorf("schedule must not be empty")
	}
	if w.Duration <= 0 {
		return window{}, fmt.Errorf("duration must be positive for %q", spec)
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return window{}, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return window{spec: spec, duration: w.Duration, schedule: schedule}, nil
}
