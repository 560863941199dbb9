// Package command runs external commands on behalf of reboot strategies.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/ocf/strand/pkg/fleetlock"
)

// Environment variables injected into every command.
const (
	EnvNodeID = "STRAND_NODE_ID"
	EnvGroup  = "STRAND_GROUP"
	EnvPhase  = "STRAND_PHASE"
)

// Phase names passed through EnvPhase.
const (
	PhasePreReboot  = "pre-reboot"
	PhasePostReboot = "post-reboot"
	PhaseTimeout    = "timeout"
)

// Result captures the outcome of a single command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs an argv and reports its outcome. A non-zero exit is reported
// through Result.ExitCode, not as an error.
type Executor interface {
	Run(ctx context.Context, argv []string, env map[string]string) (Result, error)
}

// Runner executes commands with a per-command timeout and a base environment.
type Runner struct {
	timeout time.Duration
	env     map[string]string
}

// NewRunner constructs a runner. A zero timeout disables the limit.
func NewRunner(timeout time.Duration, baseEnv map[string]string) *Runner {
	envCopy := make(map[string]string, len(baseEnv))
	for k, v := range baseEnv {
		envCopy[k] = v
	}
	return &Runner{timeout: timeout, env: envCopy}
}

// Run executes argv, combining the runner environment with env.
func (r *Runner) Run(ctx context.Context, argv []string, env map[string]string) (Result, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Result{}, errors.New("command must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), formatEnv(r.env)...)
	cmd.Env = append(cmd.Env, formatEnv(env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return result, fmt.Errorf("command %s timed out after %s", argv[0], r.timeout)
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("command %s execution failed: %w", argv[0], err)
	}
	return result, nil
}

// Timeout returns the configured per-command timeout.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// RequestEnv builds the environment describing req in phase.
func RequestEnv(req fleetlock.Request, phase string) map[string]string {
	return map[string]string{
		EnvNodeID: req.ClientParams.ID,
		EnvGroup:  req.ClientParams.Group,
		EnvPhase:  phase,
	}
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Argv   []string
	Result Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %s exited with code %d", strings.Join(e.Argv, " "), e.Result.ExitCode)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Check runs argv through executor and converts a non-zero exit into *ExitError.
func Check(ctx context.Context, executor Executor, argv []string, env map[string]string) (Result, error) {
	result, err := executor.Run(ctx, argv, env)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, &ExitError{Argv: append([]string(nil), argv...), Result: result}
	}
	return result, nil
}

func formatEnv(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	formatted := make([]string, 0, len(values))
	for _, k := range keys {
		formatted = append(formatted, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return formatted
}
