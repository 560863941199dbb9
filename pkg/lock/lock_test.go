package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ocf/strand/pkg/lease"
)

func newTestLock(t *testing.T) (*Lock, *lease.MemoryStore) {
	t.Helper()
	store := lease.NewMemoryStore("strand")
	l, err := New("zincati-strand-lock", "strand", store)
	if err != nil {
		t.Fatalf("failed to create lock: %v", err)
	}
	return l, store
}

func TestLockAcquireReleaseScenario(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "node-a"); err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}

	err := l.Acquire(ctx, "node-b")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if held.Holder != "node-a" {
		t.Fatalf("expected holder node-a, got %s", held.Holder)
	}
	if !errors.Is(err, ErrHeld) {
		t.Fatal("expected HeldError to match ErrHeld")
	}

	if err := l.Release(ctx, "node-a"); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if err := l.Release(ctx, "node-a"); !errors.Is(err, lease.ErrNotFound) {
		t.Fatalf("expected double release to fail with not found, got %v", err)
	}
}

func TestLockAcquireIsIdempotentForSameHolder(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, "node-a"); err != nil {
			t.Fatalf("acquire %d: unexpected error %v", i, err)
		}
	}
}

func TestLockReleaseByOtherHolderLeavesLeaseUntouched(t *testing.T) {
	l, store := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(ctx, "bob"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected release by bob to fail with contention, got %v", err)
	}

	current, err := store.Get(ctx, l.Name)
	if err != nil {
		t.Fatalf("expected lease to remain, got %v", err)
	}
	if holder, _ := current.Holder(); holder != "alice" {
		t.Fatalf("expected alice to still hold the lock, got %s", holder)
	}
}

func TestLockForceRelease(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.ForceRelease(ctx); err != nil {
		t.Fatalf("force release: %v", err)
	}
	if err := l.Acquire(ctx, "bob"); err != nil {
		t.Fatalf("expected bob to acquire after force release, got %v", err)
	}
}

func TestLockMetadataRoundTrip(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "node-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	meta, err := l.GetMetadata(ctx)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if meta.Holder != "node-a" || meta.ProgressFlag != 0 || len(meta.Completed) != 0 {
		t.Fatalf("unexpected fresh metadata: %+v", meta)
	}

	meta.ProgressFlag = 100
	meta.Completed = []string{"drain"}
	if err := l.SetMetadata(ctx, meta); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	meta, err = l.GetMetadata(ctx)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if meta.ProgressFlag != 100 {
		t.Fatalf("expected progress 100, got %d", meta.ProgressFlag)
	}
	if !meta.IsCompleted("drain") || meta.IsCompleted("ceph") {
		t.Fatalf("unexpected completed set: %v", meta.Completed)
	}
}

func TestLockProgressResetsForNewHolder(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "node-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.SetMetadata(ctx, Metadata{Holder: "node-a", ProgressFlag: 300}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if err := l.Release(ctx, "node-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Acquire(ctx, "node-b"); err != nil {
		t.Fatalf("acquire node-b: %v", err)
	}
	meta, err := l.GetMetadata(ctx)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if meta.Holder != "node-b" || meta.ProgressFlag != 0 {
		t.Fatalf("expected fresh progress for node-b, got %+v", meta)
	}
}

func TestLockSetMetadataRequiresOwner(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "node-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err := l.SetMetadata(ctx, Metadata{Holder: "node-b", ProgressFlag: 50})
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if held.Holder != "node-a" || held.Requester != "node-b" {
		t.Fatalf("unexpected error detail: %+v", held)
	}

	meta, err := l.GetMetadata(ctx)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if meta.ProgressFlag != 0 {
		t.Fatalf("expected progress untouched, got %d", meta.ProgressFlag)
	}
}

func TestLockGetMetadataSchemaViolations(t *testing.T) {
	cases := map[string]lease.Lease{
		"missing holder":     {Name: "zincati-strand-lock", Annotations: map[string]string{ProgressAnnotation: "0"}},
		"missing annotation": {Name: "zincati-strand-lock", HolderIdentity: lease.StringPtr("node-a")},
		"unparsable":         {Name: "zincati-strand-lock", HolderIdentity: lease.StringPtr("node-a"), Annotations: map[string]string{ProgressAnnotation: "-1"}},
		"bad completed":      {Name: "zincati-strand-lock", HolderIdentity: lease.StringPtr("node-a"), Annotations: map[string]string{ProgressAnnotation: "0", CompletedAnnotation: "drain"}},
	}

	for name, stored := range cases {
		t.Run(name, func(t *testing.T) {
			l, store := newTestLock(t)
			if _, err := store.Create(context.Background(), stored); err != nil {
				t.Fatalf("seed lease: %v", err)
			}
			_, err := l.GetMetadata(context.Background())
			var verr *ValueError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValueError, got %v", err)
			}
		})
	}
}

func TestLockGetMetadataWithoutLease(t *testing.T) {
	l, _ := newTestLock(t)
	if _, err := l.GetMetadata(context.Background()); !errors.Is(err, lease.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// racingStore reports the lease as absent once so the create path loses a race.
type racingStore struct {
	*lease.MemoryStore
	mu     sync.Mutex
	raced  bool
	winner string
}

func (s *racingStore) Get(ctx context.Context, name string) (lease.Lease, error) {
	s.mu.Lock()
	if !s.raced {
		s.raced = true
		s.mu.Unlock()
		if _, err := s.MemoryStore.Create(ctx, lease.Lease{
			Name:           name,
			HolderIdentity: lease.StringPtr(s.winner),
			Annotations:    map[string]string{ProgressAnnotation: "0"},
		}); err != nil {
			return lease.Lease{}, err
		}
		return lease.Lease{}, lease.ErrNotFound
	}
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, name)
}

func TestLockAcquireLosesCreateRace(t *testing.T) {
	store := &racingStore{MemoryStore: lease.NewMemoryStore("strand"), winner: "node-a"}
	l, err := New("zincati-strand-lock", "strand", store)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	err = l.Acquire(context.Background(), "node-b")
	var held *HeldError
	if !errors.As(err, &held) || held.Holder != "node-a" {
		t.Fatalf("expected HeldError for node-a, got %v", err)
	}
}

func TestLockExclusivityUnderConcurrentAcquire(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	const contenders = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []string
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := l.Acquire(ctx, id); err == nil {
				mu.Lock()
				successes = append(successes, id)
				mu.Unlock()
			} else if !errors.Is(err, ErrHeld) {
				t.Errorf("unexpected acquire error for %s: %v", id, err)
			}
		}(fmt.Sprintf("node-%d", i))
	}
	wg.Wait()

	if len(successes) != 1 {
		t.Fatalf("expected exactly one holder, got %v", successes)
	}
}

func TestNewLockValidation(t *testing.T) {
	if _, err := New("", "strand", lease.NewMemoryStore("strand")); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := New("lock", "strand", nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}
