package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ocf/strand/pkg/lease"
)

// Annotations stored on the backing lease.
const (
	// ProgressAnnotation holds the progress watermark as a decimal string.
	ProgressAnnotation = "strand.ocf.io/progress-flag"
	// CompletedAnnotation holds a JSON array naming the pre-reboot steps
	// finished in the current holder session.
	CompletedAnnotation = "strand.ocf.io/completed-strategies"
)

var (
	// ErrHeld matches any HeldError via errors.Is.
	ErrHeld = errors.New("lock: held by another holder")
)

// HeldError reports that the lock belongs to someone other than the caller.
type HeldError struct {
	Holder string
	// Requester is set when an owner-only operation was attempted by a non-owner.
	Requester string
}

func (e *HeldError) Error() string {
	if e.Requester != "" {
		return fmt.Sprintf("lock not held by %s (held by %s)", e.Requester, e.Holder)
	}
	return fmt.Sprintf("lock held by %s", e.Holder)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrHeld
}

// ValueError reports a lease that violates the expected schema.
type ValueError struct {
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("bad value: %s", e.Reason)
}

// Metadata is the holder and progress projection of the lease.
type Metadata struct {
	Holder string
	// ProgressFlag is the highest pre-reboot priority completed by Holder.
	ProgressFlag uint64
	// Completed names the pre-reboot steps completed by Holder, in order.
	Completed []string
}

// IsCompleted reports whether name is recorded as completed.
func (m Metadata) IsCompleted(name string) bool {
	for _, done := range m.Completed {
		if done == name {
			return true
		}
	}
	return false
}

// Lock is a named mutual-exclusion slot backed by a single lease.
//
// Holder comparison against the stored lease is what enforces exclusivity,
// across any number of processes. The mutex only serialises this process's
// round-trips for the identity: Release and SetMetadata read the holder and
// then write in a second call, so a writer in another process can still
// interleave between the two. Closing that gap needs a compare-and-swap on
// the holder from the store.
type Lock struct {
	Name      string
	Namespace string

	store lease.Store
	mu    sync.Mutex
}

// New constructs a Lock for name/namespace over the given store.
func New(name, namespace string, store lease.Store) (*Lock, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("lock name must not be empty")
	}
	if store == nil {
		return nil, errors.New("lock requires a lease store")
	}
	return &Lock{Name: name, Namespace: strings.TrimSpace(namespace), store: store}, nil
}

// Acquire takes the lock for holder, creating the lease if absent. Acquiring
// a lock already held by the same holder succeeds.
func (l *Lock) Acquire(ctx context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.getOrCreate(ctx, holder)
	if err != nil {
		return err
	}
	currentHolder, err := holderOf(current)
	if err != nil {
		return err
	}
	if currentHolder != holder {
		return &HeldError{Holder: currentHolder, Requester: holder}
	}
	return nil
}

func (l *Lock) getOrCreate(ctx context.Context, holder string) (lease.Lease, error) {
	current, err := l.store.Get(ctx, l.Name)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, lease.ErrNotFound) {
		return lease.Lease{}, wrapStore("get lease", err)
	}

	created, err := l.store.Create(ctx, lease.Lease{
		Name:           l.Name,
		Namespace:      l.Namespace,
		HolderIdentity: lease.StringPtr(holder),
		Annotations:    map[string]string{ProgressAnnotation: "0"},
	})
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, lease.ErrAlreadyExists) {
		return lease.Lease{}, wrapStore("create lease", err)
	}

	// Lost the create race; whoever won is the holder.
	current, err = l.store.Get(ctx, l.Name)
	if err != nil {
		return lease.Lease{}, wrapStore("get lease", err)
	}
	return current, nil
}

// Release deletes the lease if holder owns it. Releasing an absent lease
// fails with an error wrapping lease.ErrNotFound.
func (l *Lock) Release(ctx context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.store.Get(ctx, l.Name)
	if err != nil {
		return wrapStore("get lease", err)
	}
	currentHolder, err := holderOf(current)
	if err != nil {
		return err
	}
	if currentHolder != holder {
		return &HeldError{Holder: currentHolder, Requester: holder}
	}
	if err := l.store.Delete(ctx, l.Name); err != nil {
		return wrapStore("delete lease", err)
	}
	return nil
}

// ForceRelease deletes the lease regardless of holder.
func (l *Lock) ForceRelease(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Delete(ctx, l.Name); err != nil {
		return wrapStore("delete lease", err)
	}
	return nil
}

// GetMetadata reads the current holder and progress watermark.
func (l *Lock) GetMetadata(ctx context.Context) (Metadata, error) {
	current, err := l.store.Get(ctx, l.Name)
	if err != nil {
		return Metadata{}, wrapStore("get lease", err)
	}
	holder, err := holderOf(current)
	if err != nil {
		return Metadata{}, err
	}
	raw, ok := current.Annotations[ProgressAnnotation]
	if !ok {
		return Metadata{}, &ValueError{Reason: fmt.Sprintf("lease has no %s annotation", ProgressAnnotation)}
	}
	progress, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return Metadata{}, &ValueError{Reason: fmt.Sprintf("unparsable progress flag %q", raw)}
	}
	completed, err := parseCompleted(current.Annotations[CompletedAnnotation])
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Holder: holder, ProgressFlag: progress, Completed: completed}, nil
}

// A lease written before any step completed has no completed annotation.
func parseCompleted(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var completed []string
	if err := json.Unmarshal([]byte(raw), &completed); err != nil {
		return nil, &ValueError{Reason: fmt.Sprintf("unparsable completed strategies %q", raw)}
	}
	return completed, nil
}

// SetMetadata persists the progress fields of meta after checking that
// meta.Holder still owns the lock.
func (l *Lock) SetMetadata(ctx context.Context, meta Metadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.store.Get(ctx, l.Name)
	if err != nil {
		return wrapStore("get lease", err)
	}
	currentHolder, err := holderOf(current)
	if err != nil {
		return err
	}
	if currentHolder != meta.Holder {
		return &HeldError{Holder: currentHolder, Requester: meta.Holder}
	}

	completed := meta.Completed
	if completed == nil {
		completed = []string{}
	}
	encoded, err := json.Marshal(completed)
	if err != nil {
		return err
	}
	_, err = l.store.Patch(ctx, l.Name, map[string]string{
		ProgressAnnotation:  strconv.FormatUint(meta.ProgressFlag, 10),
		CompletedAnnotation: string(encoded),
	})
	if err != nil {
		return wrapStore("patch lease", err)
	}
	return nil
}

func holderOf(l lease.Lease) (string, error) {
	holder, ok := l.Holder()
	if !ok {
		return "", &ValueError{Reason: "lease has no holder identity"}
	}
	return holder, nil
}

func wrapStore(op string, err error) error {
	if errors.Is(err, lease.ErrMalformed) {
		return &ValueError{Reason: err.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}
