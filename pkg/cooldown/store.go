package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ocf/strand/pkg/lease"
)

// Annotations carried by the cooldown lease.
const (
	NodeAnnotation      = "strand.ocf.io/cooldown-node"
	StartedAtAnnotation = "strand.ocf.io/cooldown-started-at"
	ExpiresAtAnnotation = "strand.ocf.io/cooldown-expires-at"
)

// StoreManager keeps the cooldown window on a dedicated lease in a lease
// store, for backends without native key expiry. Expired windows are left in
// place and ignored until the next Start overwrites them.
type StoreManager struct {
	store lease.Store
	name  string
	now   func() time.Time
}

// NewStoreManager constructs a cooldown manager persisting to the named lease.
func NewStoreManager(store lease.Store, name string, clock func() time.Time) (*StoreManager, error) {
	if store == nil {
		return nil, errors.New("cooldown store manager requires a lease store")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("cooldown store manager requires a lease name")
	}
	if clock == nil {
		clock = time.Now
	}
	return &StoreManager{store: store, name: name, now: clock}, nil
}

// Close implements Manager. The store is owned by the caller.
func (m *StoreManager) Close() error {
	return nil
}

// Status implements Manager.
func (m *StoreManager) Status(ctx context.Context) (Status, error) {
	l, err := m.store.Get(ctx, m.name)
	if err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("read cooldown lease: %w", err)
	}

	startedAt, err := parseAnnotation(l.Annotations, StartedAtAnnotation)
	if err != nil {
		return Status{}, err
	}
	expiresAt, err := parseAnnotation(l.Annotations, ExpiresAtAnnotation)
	if err != nil {
		return Status{}, err
	}

	remaining := expiresAt.Sub(m.now())
	if remaining <= 0 {
		return Status{}, nil
	}
	return Status{
		Active:    true,
		Node:      l.Annotations[NodeAnnotation],
		StartedAt: startedAt,
		ExpiresAt: expiresAt,
		Remaining: remaining,
	}, nil
}

// Start implements Manager.
func (m *StoreManager) Start(ctx context.Context, node string, duration time.Duration) error {
	if duration <= 0 {
		if err := m.store.Delete(ctx, m.name); err != nil && !errors.Is(err, lease.ErrNotFound) {
			return fmt.Errorf("clear cooldown lease: %w", err)
		}
		return nil
	}

	now := m.now().UTC()
	annotations := map[string]string{
		NodeAnnotation:      node,
		StartedAtAnnotation: now.Format(time.RFC3339Nano),
		ExpiresAtAnnotation: now.Add(duration).Format(time.RFC3339Nano),
	}

	_, err := m.store.Create(ctx, lease.Lease{Name: m.name, Annotations: annotations})
	if err == nil {
		return nil
	}
	if !errors.Is(err, lease.ErrAlreadyExists) {
		return fmt.Errorf("create cooldown lease: %w", err)
	}
	if _, err := m.store.Patch(ctx, m.name, annotations); err != nil {
		return fmt.Errorf("update cooldown lease: %w", err)
	}
	return nil
}

func parseAnnotation(annotations map[string]string, key string) (time.Time, error) {
	raw, ok := annotations[key]
	if !ok {
		return time.Time{}, fmt.Errorf("cooldown lease missing annotation %s", key)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cooldown annotation %s: %w", key, err)
	}
	return ts, nil
}

var _ Manager = (*StoreManager)(nil)
