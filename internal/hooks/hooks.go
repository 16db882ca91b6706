// Package hooks attaches named, ordered actions to the start and stop
// transitions of an environment's life. A Registry is an explicit value owned
// by one orchestration run; there is no ambient global registration.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cleanroom/internal/artifacts"
	"cleanroom/internal/packages"
	"cleanroom/internal/provider"
)

// ErrDuplicateHook reports a second registration under an already-used name.
var ErrDuplicateHook = errors.New("hook name already registered")

// StartHook runs when an environment starts: package installs first, then
// uploads, in declaration order.
type StartHook struct {
	Name     string
	Packages []packages.Installer
	Uploads  []artifacts.Injectable
}

// StopHook runs after the testlet has produced its result, performing only
// downloads.
type StopHook struct {
	Name      string
	Downloads []artifacts.Injectable
}

// HookError reports one hook's failure. A failing action aborts the rest of
// its own hook but not independently registered hooks.
type HookError struct {
	Name string
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %q: %v", e.Name, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Registry holds the hooks for one orchestration run, preserving
// registration order. The zero value is usable.
type Registry struct {
	start []StartHook
	stop  []StopHook
	names map[string]struct{}
}

// NewRegistry returns an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// RegisterStart adds a start hook. Names are unique across the whole
// registry; a duplicate fails before any environment is touched.
func (r *Registry) RegisterStart(h StartHook) error {
	if err := r.claim(h.Name); err != nil {
		return err
	}
	r.start = append(r.start, h)
	return nil
}

// RegisterStop adds a stop hook under the same uniqueness rule.
func (r *Registry) RegisterStop(h StopHook) error {
	if err := r.claim(h.Name); err != nil {
		return err
	}
	r.stop = append(r.stop, h)
	return nil
}

func (r *Registry) claim(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("hook name is required")
	}
	if r.names == nil {
		r.names = make(map[string]struct{})
	}
	if _, taken := r.names[name]; taken {
		return fmt.Errorf("%q: %w", name, ErrDuplicateHook)
	}
	r.names[name] = struct{}{}
	return nil
}

// StartHooks returns the registered start hooks in registration order.
func (r *Registry) StartHooks() []StartHook {
	return append([]StartHook(nil), r.start...)
}

// StopHooks returns the registered stop hooks in registration order.
func (r *Registry) StopHooks() []StopHook {
	return append([]StopHook(nil), r.stop...)
}

// RunStart executes every start hook against the environment. Each hook's
// failure is isolated and collected; the caller decides whether to continue.
func (r *Registry) RunStart(ctx context.Context, p provider.Provider, env provider.Environment, logger *slog.Logger) []error {
	var failures []error
	for _, hook := range r.start {
		if err := runStartHook(ctx, p, env, hook); err != nil {
			logger.Warn("start hook failed", "hook", hook.Name, "error", err)
			failures = append(failures, &HookError{Name: hook.Name, Err: err})
			continue
		}
		logger.Debug("start hook completed", "hook", hook.Name)
	}
	return failures
}

func runStartHook(ctx context.Context, p provider.Provider, env provider.Environment, hook StartHook) error {
	for _, installer := range hook.Packages {
		result, err := p.Execute(ctx, env, installer.Argv, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", installer, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("%s: exit code %d: %s",
				installer, result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}
	for _, inj := range hook.Uploads {
		if err := artifacts.Upload(ctx, p, env, inj); err != nil {
			return err
		}
	}
	return nil
}

// RunStop executes every stop hook, appending each successful download's
// local destination to collected. Failures are reported but never mask the
// testlet's own result.
func (r *Registry) RunStop(ctx context.Context, p provider.Provider, env provider.Environment, collected *[]string, logger *slog.Logger) []error {
	var failures []error
	for _, hook := range r.stop {
		failed := false
		for _, inj := range hook.Downloads {
			if err := artifacts.Download(ctx, p, env, inj); err != nil {
				logger.Warn("stop hook download failed",
					"hook", hook.Name, "artifact", inj.String(), "error", err)
				failures = append(failures, &HookError{Name: hook.Name, Err: err})
				failed = true
				break
			}
			if collected != nil {
				*collected = append(*collected, inj.Dest)
			}
		}
		if !failed {
			logger.Debug("stop hook completed", "hook", hook.Name)
		}
	}
	return failures
}
