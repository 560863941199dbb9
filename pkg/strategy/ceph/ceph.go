// Package ceph keeps Ceph from rebalancing while a storage node reboots.
package ceph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ocf/strand/pkg/fleetlock"
	"github.com/ocf/strand/pkg/strategy"
	"github.com/ocf/strand/pkg/strategy/command"
)

const (
	DefaultBinary          = "ceph"
	DefaultPrePriority     = 200
	DefaultPostPriority    = 200
	DefaultPollInterval    = 10 * time.Second
	DefaultTimeoutInterval = 15 * time.Minute

	healthOK = "HEALTH_OK"
)

// ErrUnhealthy is returned by PostReboot until the cluster reports HEALTH_OK.
var ErrUnhealthy = errors.New("ceph cluster is not healthy")

// Options tunes the ceph strategy.
type Options struct {
	// Binary is the ceph CLI, looked up on PATH when not absolute.
	Binary string
	// Args are prepended to every invocation, e.g. --cluster or --id.
	Args []string
	// Priority overrides the default ordering when non-nil.
	Priority        *strategy.Priority
	PollInterval    time.Duration
	TimeoutInterval time.Duration
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Binary) == "" {
		o.Binary = DefaultBinary
	}
	if o.Priority == nil {
		o.Priority = &strategy.Priority{Pre: DefaultPrePriority, Post: DefaultPostPriority}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TimeoutInterval <= 0 {
		o.TimeoutInterval = DefaultTimeoutInterval
	}
	return o
}

// Ceph sets the cluster-wide noout flag around a reboot.
type Ceph struct {
	opts     Options
	executor command.Executor
	req      fleetlock.Request
}

// New constructs the strategy for a single request.
func New(executor command.Executor, req fleetlock.Request, opts Options) (*Ceph, error) {
	if executor == nil {
		return nil, errors.New("ceph strategy requires an executor")
	}
	return &Ceph{opts: opts.withDefaults(), executor: executor, req: req}, nil
}

// NewFactory returns a registry factory for the ceph strategy.
func NewFactory(executor command.Executor, opts Options) strategy.Factory {
	return func(_ context.Context, req fleetlock.Request) (strategy.Strategy, error) {
		return New(executor, req, opts)
	}
}

func (c *Ceph) Name() string { return "ceph" }

// PreReboot sets noout so the rebooting node's OSDs are not marked out.
func (c *Ceph) PreReboot(ctx context.Context) error {
	if _, err := c.ceph(ctx, command.PhasePreReboot, "osd", "set", "noout"); err != nil {
		return fmt.Errorf("set noout: %w", err)
	}
	return nil
}

// PostReboot unsets noout and waits for HEALTH_OK.
func (c *Ceph) PostReboot(ctx context.Context) error {
	if _, err := c.ceph(ctx, command.PhasePostReboot, "osd", "unset", "noout"); err != nil {
		return fmt.Errorf("unset noout: %w", err)
	}
	result, err := c.ceph(ctx, command.PhasePostReboot, "health")
	if err != nil {
		return fmt.Errorf("query health: %w", err)
	}
	status := strings.TrimSpace(result.Stdout)
	if !strings.HasPrefix(status, healthOK) {
		return fmt.Errorf("%w: %s", ErrUnhealthy, firstLine(status))
	}
	return nil
}

// Timeout unsets noout so the cluster can recover without the node.
func (c *Ceph) Timeout(ctx context.Context) error {
	if _, err := c.ceph(ctx, command.PhaseTimeout, "osd", "unset", "noout"); err != nil {
		return fmt.Errorf("unset noout: %w", err)
	}
	return nil
}

func (c *Ceph) PollInterval() time.Duration { return c.opts.PollInterval }

func (c *Ceph) TimeoutInterval() time.Duration { return c.opts.TimeoutInterval }

func (c *Ceph) Priority() strategy.Priority { return *c.opts.Priority }

func (c *Ceph) ceph(ctx context.Context, phase string, args ...string) (command.Result, error) {
	argv := make([]string, 0, 1+len(c.opts.Args)+len(args))
	argv = append(argv, c.opts.Binary)
	argv = append(argv, c.opts.Args...)
	argv = append(argv, args...)
	return command.Check(ctx, c.executor, argv, command.RequestEnv(c.req, phase))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ strategy.Strategy = (*Ceph)(nil)
