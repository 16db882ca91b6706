// Package harness drives one environment through its full lifecycle for one
// testlet and fans that lifecycle out across many environments with bounded
// parallelism.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"cleanroom/internal/hooks"
	"cleanroom/internal/logging"
	"cleanroom/internal/provider"
	"cleanroom/internal/testlet"
)

// State names one lifecycle transition of a (testlet, environment) pair.
type State string

const (
	StateCreated    State = "created"
	StateConfigured State = "configured"
	StateInjected   State = "injected"
	StateExecuted   State = "executed"
	StateCollected  State = "collected"
	StateDestroyed  State = "destroyed"
	StatePreserved  State = "preserved"
)

// payloadDir is where packaged scripts land inside the environment,
// relative to the environment's root.
const payloadDir = ".cleanroom"

// Result is the captured outcome of one testlet execution. Immutable once
// produced; it always carries enough to diagnose a failure without
// inspecting the environment.
type Result struct {
	Environment string
	ExitCode    int
	Stdout      string
	Stderr      string
}

// Error reports an unrecoverable failure at a lifecycle state. Remaining
// transitions for that environment are aborted; the harness never silently
// skips ahead.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("harness: %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Target describes one environment to realize for a run.
type Target struct {
	Name   string
	Image  string
	Config provider.InstanceConfig
}

// Report is the full outcome of one harness run. Artifacts collected by stop
// hooks are a side channel distinct from the Result.
type Report struct {
	Result    Result
	Artifacts []string
	State     State

	// Environment remains valid only when the terminal state is
	// StatePreserved.
	Environment provider.Environment

	// HookFailures holds isolated stop-hook failures. They never mask the
	// testlet's own Result.
	HookFailures []error
}

// Harness runs one testlet per environment against a provider. The zero
// value is not usable; construct with New.
type Harness struct {
	provider provider.Provider
	hooks    *hooks.Registry
	preserve bool
	logger   *slog.Logger
}

// New builds a harness. A nil registry means no hooks; preserve keeps each
// environment alive under its name after the run for manual inspection.
func New(p provider.Provider, reg *hooks.Registry, preserve bool, logger *slog.Logger) *Harness {
	if reg == nil {
		reg = hooks.NewRegistry()
	}
	return &Harness{
		provider: p,
		hooks:    reg,
		preserve: preserve,
		logger:   logging.Ensure(logger).With("component", "harness"),
	}
}

// Run realizes the target environment, drives the full lifecycle for the
// testlet, and tears the environment down unless preservation was requested.
func (h *Harness) Run(ctx context.Context, tl testlet.Testlet, target Target) (Report, error) {
	script, err := tl.Package()
	if err != nil {
		return Report{}, err
	}

	logger := h.logger.With("environment", target.Name, "testlet", tl.Name)
	logger.Debug("creating environment", "image", target.Image)

	env, err := h.provider.Create(ctx, target.Name, target.Image, target.Config)
	if err != nil {
		return Report{State: StateCreated}, &Error{State: StateCreated, Err: err}
	}

	report, err := h.drive(ctx, script, env, logger)
	if err != nil {
		// The payload is never executed in a misconfigured environment;
		// clean up and surface the failure.
		report.State = h.terminate(ctx, env, logger, &report)
		return report, err
	}

	report.State = h.terminate(ctx, env, logger, &report)
	return report, nil
}

// RunExisting drives the lifecycle against an environment that already
// exists. Creation and teardown are skipped; the environment stays alive.
func (h *Harness) RunExisting(ctx context.Context, tl testlet.Testlet, env provider.Environment) (Report, error) {
	script, err := tl.Package()
	if err != nil {
		return Report{}, err
	}
	logger := h.logger.With("environment", env.Name, "testlet", tl.Name)
	report, err := h.drive(ctx, script, env, logger)
	report.State = StatePreserved
	report.Environment = env
	return report, err
}

// drive walks Configured -> Injected -> Executed -> Collected.
func (h *Harness) drive(ctx context.Context, script testlet.Script, env provider.Environment, logger *slog.Logger) (Report, error) {
	report := Report{Environment: env}

	if failures := h.hooks.RunStart(ctx, h.provider, env, logger); len(failures) > 0 {
		return report, &Error{State: StateConfigured, Err: errors.Join(failures...)}
	}

	remote := path.Join(payloadDir, script.Name)
	if err := h.inject(ctx, env, script, remote); err != nil {
		return report, &Error{State: StateInjected, Err: err}
	}
	logger.Debug("payload injected", "path", remote)

	argv := []string{script.Interpreter, remote}
	execResult, err := h.provider.Execute(ctx, env, argv, script.Env)
	if err != nil {
		return report, &Error{State: StateExecuted, Err: err}
	}
	report.Result = Result{
		Environment: env.Name,
		ExitCode:    execResult.ExitCode,
		Stdout:      execResult.Stdout,
		Stderr:      execResult.Stderr,
	}
	logger.Info("testlet executed", "exit_code", execResult.ExitCode)

	report.HookFailures = h.hooks.RunStop(ctx, h.provider, env, &report.Artifacts, logger)
	return report, nil
}

func (h *Harness) inject(ctx context.Context, env provider.Environment, script testlet.Script, remote string) error {
	local, cleanup, err := script.Stage()
	if err != nil {
		return err
	}
	defer cleanup()
	return h.provider.Push(ctx, env, local, remote)
}

// terminate destroys the environment unless preservation was configured.
// Destroy failures are logged, not raised over an existing result.
func (h *Harness) terminate(ctx context.Context, env provider.Environment, logger *slog.Logger, report *Report) State {
	if h.preserve {
		report.Environment = env
		logger.Info("environment preserved", "name", env.Name)
		return StatePreserved
	}
	if err := h.provider.Destroy(ctx, env); err != nil {
		logger.Error("environment teardown failed", "error", err)
	}
	return StateDestroyed
}
