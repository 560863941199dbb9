package command

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ocf/strand/pkg/fleetlock"
	"github.com/ocf/strand/pkg/strategy"
)

type call struct {
	argv []string
	env  map[string]string
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []call
	result Result
	err    error
}

func (f *fakeExecutor) Run(_ context.Context, argv []string, env map[string]string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{argv: append([]string(nil), argv...), env: env})
	return f.result, f.err
}

func (f *fakeExecutor) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestHookRunsPhaseCommands(t *testing.T) {
	exec := &fakeExecutor{}
	req := fleetlock.Request{ClientParams: fleetlock.ClientParams{Group: "default", ID: "node-a"}}
	hook, err := NewHook(HookConfig{
		Name:       "notify",
		PreReboot:  []string{"/usr/bin/notify", "pre"},
		PostReboot: []string{"/usr/bin/notify", "post"},
		OnTimeout:  []string{"/usr/bin/notify", "timeout"},
		Priority:   strategy.Priority{Pre: 5, Post: 7},
	}, exec, req)
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}

	ctx := context.Background()
	if err := hook.PreReboot(ctx); err != nil {
		t.Fatalf("pre-reboot: %v", err)
	}
	if err := hook.PostReboot(ctx); err != nil {
		t.Fatalf("post-reboot: %v", err)
	}
	if err := hook.Timeout(ctx); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	calls := exec.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	phases := []string{PhasePreReboot, PhasePostReboot, PhaseTimeout}
	for i, c := range calls {
		if c.env[EnvPhase] != phases[i] {
			t.Fatalf("call %d: expected phase %s, got %s", i, phases[i], c.env[EnvPhase])
		}
		if c.env[EnvNodeID] != "node-a" || c.env[EnvGroup] != "default" {
			t.Fatalf("call %d: unexpected env %v", i, c.env)
		}
	}
	if hook.Priority() != (strategy.Priority{Pre: 5, Post: 7}) {
		t.Fatalf("unexpected priority %+v", hook.Priority())
	}
	if hook.PollInterval() != DefaultHookPollInterval || hook.TimeoutInterval() != DefaultHookTimeoutInterval {
		t.Fatal("expected default intervals")
	}
}

func TestHookEmptyCommandIsNoop(t *testing.T) {
	exec := &fakeExecutor{}
	hook, err := NewHook(HookConfig{Name: "noop"}, exec, fleetlock.Request{})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	if err := hook.PreReboot(context.Background()); err != nil {
		t.Fatalf("pre-reboot: %v", err)
	}
	if len(exec.snapshot()) != 0 {
		t.Fatal("expected no commands to run")
	}
}

func TestHookNonZeroExitFails(t *testing.T) {
	exec := &fakeExecutor{result: Result{ExitCode: 2, Stderr: "not yet"}}
	hook, err := NewHook(HookConfig{Name: "check", PostReboot: []string{"/bin/check"}}, exec, fleetlock.Request{})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	err = hook.PostReboot(context.Background())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Result.ExitCode != 2 {
		t.Fatalf("expected exit error with code 2, got %v", err)
	}
}

func TestHookExecutorErrorPropagates(t *testing.T) {
	cause := errors.New("boom")
	exec := &fakeExecutor{err: cause}
	hook, err := NewHook(HookConfig{Name: "check", PreReboot: []string{"/bin/check"}}, exec, fleetlock.Request{})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	if err := hook.PreReboot(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected executor error, got %v", err)
	}
}

func TestHookFactoryValidation(t *testing.T) {
	factory := NewHookFactory(HookConfig{Name: " "}, &fakeExecutor{})
	if _, err := factory(context.Background(), fleetlock.Request{}); err == nil {
		t.Fatal("expected empty hook name to fail")
	}
	if _, err := NewHook(HookConfig{Name: "x"}, nil, fleetlock.Request{}); err == nil {
		t.Fatal("expected nil executor to fail")
	}
}
