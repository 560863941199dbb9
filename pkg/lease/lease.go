package lease

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no lease record exists under the requested name.
	ErrNotFound = errors.New("lease: not found")
	// ErrAlreadyExists indicates that a create raced with an existing record.
	ErrAlreadyExists = errors.New("lease: already exists")
	// ErrMalformed indicates a stored record that cannot be decoded.
	ErrMalformed = errors.New("lease: malformed record")
)

// Lease is the persisted record backing a lock.
type Lease struct {
	Name           string
	Namespace      string
	HolderIdentity *string
	Annotations    map[string]string
}

// Holder returns the holder identity and whether one is set.
func (l Lease) Holder() (string, bool) {
	if l.HolderIdentity == nil {
		return "", false
	}
	return *l.HolderIdentity, true
}

// Clone returns a deep copy so callers can mutate annotations freely.
func (l Lease) Clone() Lease {
	clone := l
	if l.HolderIdentity != nil {
		holder := *l.HolderIdentity
		clone.HolderIdentity = &holder
	}
	if l.Annotations != nil {
		copied := make(map[string]string, len(l.Annotations))
		for k, v := range l.Annotations {
			copied[k] = v
		}
		clone.Annotations = copied
	}
	return clone
}

// Store is the contract a coordination backend offers to the lock. Each
// method is a single remote call and atomic on its own; callers composing
// several calls get no transactional guarantee.
type Store interface {
	Get(ctx context.Context, name string) (Lease, error)
	// Create stores a new lease, failing with ErrAlreadyExists when one is present.
	Create(ctx context.Context, l Lease) (Lease, error)
	// Patch merges the provided annotations into an existing lease.
	Patch(ctx context.Context, name string, annotations map[string]string) (Lease, error)
	// Delete removes the lease, failing with ErrNotFound when absent.
	Delete(ctx context.Context, name string) error
}

// UpstreamError wraps transport or API failures of the backing store.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("lease store %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StringPtr is a small helper for building holder identities.
func StringPtr(s string) *string {
	return &s
}

func upstream(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}
