package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ocf/strand/pkg/fleetlock"
	"github.com/ocf/strand/pkg/strategy"
)

const (
	DefaultHookPollInterval    = 10 * time.Second
	DefaultHookTimeoutInterval = 10 * time.Minute
)

// HookConfig describes a hook strategy built from operator commands.
type HookConfig struct {
	Name            string
	PreReboot       []string
	PostReboot      []string
	OnTimeout       []string
	Priority        strategy.Priority
	PollInterval    time.Duration
	TimeoutInterval time.Duration
}

// Hook runs configured commands at each strategy phase. An empty command is
// a successful no-op.
type Hook struct {
	cfg      HookConfig
	executor Executor
	req      fleetlock.Request
}

// NewHook constructs a hook for a single request.
func NewHook(cfg HookConfig, executor Executor, req fleetlock.Request) (*Hook, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("hook name must not be empty")
	}
	if executor == nil {
		return nil, errors.New("hook requires an executor")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultHookPollInterval
	}
	if cfg.TimeoutInterval <= 0 {
		cfg.TimeoutInterval = DefaultHookTimeoutInterval
	}
	return &Hook{cfg: cfg, executor: executor, req: req}, nil
}

// NewHookFactory returns a registry factory building hooks from cfg.
func NewHookFactory(cfg HookConfig, executor Executor) strategy.Factory {
	return func(_ context.Context, req fleetlock.Request) (strategy.Strategy, error) {
		return NewHook(cfg, executor, req)
	}
}

func (h *Hook) Name() string { return h.cfg.Name }

func (h *Hook) PreReboot(ctx context.Context) error {
	return h.run(ctx, h.cfg.PreReboot, PhasePreReboot)
}

func (h *Hook) PostReboot(ctx context.Context) error {
	return h.run(ctx, h.cfg.PostReboot, PhasePostReboot)
}

func (h *Hook) Timeout(ctx context.Context) error {
	return h.run(ctx, h.cfg.OnTimeout, PhaseTimeout)
}

func (h *Hook) PollInterval() time.Duration { return h.cfg.PollInterval }

func (h *Hook) TimeoutInterval() time.Duration { return h.cfg.TimeoutInterval }

func (h *Hook) Priority() strategy.Priority { return h.cfg.Priority }

func (h *Hook) run(ctx context.Context, argv []string, phase string) error {
	if len(argv) == 0 {
		return nil
	}
	_, err := Check(ctx, h.executor, argv, RequestEnv(h.req, phase))
	return err
}

var _ strategy.Strategy = (*Hook)(nil)
