package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ocf/strand/pkg/fleetlock"
)

type stubStrategy struct {
	name     string
	priority Priority
}

func (s stubStrategy) Name() string { return s.name }
func (s stubStrategy) PreReboot(context.Context) error { return nil }
func (s stubStrategy) PostReboot(context.Context) error { return nil }
func (s stubStrategy) Timeout(context.Context) error { return nil }
func (s stubStrategy) PollInterval() time.Duration { return time.Second }
func (s stubStrategy) TimeoutInterval() time.Duration { return time.Minute }
func (s stubStrategy) Priority() Priority { return s.priority }

func names(strategies []Strategy) []string {
	out := make([]string, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, s.Name())
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSortPreDescendingAndStable(t *testing.T) {
	strategies := []Strategy{
		stubStrategy{name: "low", priority: Priority{Pre: 10}},
		stubStrategy{name: "tie-first", priority: Priority{Pre: 50}},
		stubStrategy{name: "high", priority: Priority{Pre: 100}},
		stubStrategy{name: "tie-second", priority: Priority{Pre: 50}},
	}
	SortPre(strategies)

	want := []string{"high", "tie-first", "tie-second", "low"}
	if got := names(strategies); !equal(got, want) {
		t.Fatalf("unexpected pre order: got %v want %v", got, want)
	}
}

func TestSortPostAscendingAndStable(t *testing.T) {
	strategies := []Strategy{
		stubStrategy{name: "drain", priority: Priority{Post: 300}},
		stubStrategy{name: "tie-first", priority: Priority{Post: 200}},
		stubStrategy{name: "first", priority: Priority{Post: 1}},
		stubStrategy{name: "tie-second", priority: Priority{Post: 200}},
	}
	SortPost(strategies)

	want := []string{"first", "tie-first", "tie-second", "drain"}
	if got := names(strategies); !equal(got, want) {
		t.Fatalf("unexpected post order: got %v want %v", got, want)
	}
}

func TestRegistryInitStrategiesPassesRequest(t *testing.T) {
	registry := NewRegistry()
	var seen []string
	if err := registry.Register("drain", func(_ context.Context, req fleetlock.Request) (Strategy, error) {
		seen = append(seen, req.ClientParams.ID)
		return stubStrategy{name: "drain:" + req.ClientParams.ID}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("disabled", func(context.Context, fleetlock.Request) (Strategy, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := fleetlock.Request{ClientParams: fleetlock.ClientParams{Group: "default", ID: "node-a"}}
	strategies, err := registry.InitStrategies(context.Background(), req)
	if err != nil {
		t.Fatalf("init strategies: %v", err)
	}
	if got := names(strategies); !equal(got, []string{"drain:node-a"}) {
		t.Fatalf("unexpected strategies: %v", got)
	}
	if !equal(seen, []string{"node-a"}) {
		t.Fatalf("factory did not observe request id: %v", seen)
	}
	if got := registry.Names(); !equal(got, []string{"drain", "disabled"}) {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestRegistryPropagatesFactoryFailure(t *testing.T) {
	registry := NewRegistry()
	cause := errors.New("cluster api unreachable")
	_ = registry.Register("drain", func(context.Context, fleetlock.Request) (Strategy, error) {
		return nil, cause
	})

	_, err := registry.InitStrategies(context.Background(), fleetlock.Request{})
	if !errors.Is(err, cause) {
		t.Fatalf("expected factory error to propagate, got %v", err)
	}
}

func TestRegistryRejectsDuplicatesAndEmptyNames(t *testing.T) {
	registry := NewRegistry()
	factory := func(context.Context, fleetlock.Request) (Strategy, error) { return nil, nil }
	if err := registry.Register("drain", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("drain", factory); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := registry.Register(" ", factory); err == nil {
		t.Fatal("expected empty name to fail")
	}
	if err := registry.Register("nil", nil); err == nil {
		t.Fatal("expected nil factory to fail")
	}
}
