// Package strategy defines the pluggable pre- and post-reboot actions run
// while a node holds the reboot lock.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocf/strand/pkg/fleetlock"
)

// Priority orders a strategy within each phase. A higher Pre runs earlier
// before the reboot; a lower Post runs earlier after it.
type Priority struct {
	Pre  uint64
	Post uint64
}

// Strategy is one drain or recovery integration.
type Strategy interface {
	// Name identifies the strategy in logs, metrics and errors.
	Name() string
	// PreReboot prepares the node for a reboot. It may be called again after
	// a partial run and must tolerate work that is already done.
	PreReboot(ctx context.Context) error
	// PostReboot restores the node and confirms it is healthy. A non-nil
	// error means "not yet" and the caller polls again.
	PostReboot(ctx context.Context) error
	// Timeout cleans up after PostReboot failed to succeed within TimeoutInterval.
	Timeout(ctx context.Context) error
	// PollInterval is the minimum spacing between PostReboot attempts.
	PollInterval() time.Duration
	// TimeoutInterval bounds the time after the first PostReboot attempt.
	TimeoutInterval() time.Duration
	Priority() Priority
}

// SortPre orders strategies by descending pre-reboot priority, keeping
// registration order for ties.
func SortPre(strategies []Strategy) {
	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].Priority().Pre > strategies[j].Priority().Pre
	})
}

// SortPost orders strategies by ascending post-reboot priority, keeping
// registration order for ties.
func SortPost(strategies []Strategy) {
	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].Priority().Post < strategies[j].Priority().Post
	})
}

// Factory builds a strategy instance for a single request.
type Factory func(ctx context.Context, req fleetlock.Request) (Strategy, error)

type registration struct {
	name    string
	factory Factory
}

// Registry holds the configured strategy factories.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named factory. Names must be unique.
func (r *Registry) Register(name string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("strategy name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("strategy %q: factory must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.name == name {
			return fmt.Errorf("duplicate strategy name %q", name)
		}
	}
	r.entries = append(r.entries, registration{name: name, factory: factory})
	return nil
}

// Names lists registered strategies in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		names = append(names, entry.name)
	}
	return names
}

// InitStrategies builds the strategy set for req in registration order.
func (r *Registry) InitStrategies(ctx context.Context, req fleetlock.Request) ([]Strategy, error) {
	r.mu.RLock()
	entries := append([]registration(nil), r.entries...)
	r.mu.RUnlock()

	strategies := make([]Strategy, 0, len(entries))
	for _, entry := range entries {
		s, err := entry.factory(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("init strategy %s: %w", entry.name, err)
		}
		if s == nil {
			continue
		}
		strategies = append(strategies, s)
	}
	return strategies, nil
}
