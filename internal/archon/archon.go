// Package archon orchestrates topologies of named, long-lived environments
// that depend on each other's resolved network identity. Environments are
// provisioned in the exact order the caller issues operations; the archon
// records each environment's address at creation so later additions can be
// configured with it. It does not compute a dependency graph — caller
// ordering is the contract.
package archon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"cleanroom/internal/artifacts"
	"cleanroom/internal/harness"
	"cleanroom/internal/logging"
	"cleanroom/internal/provider"
	"cleanroom/internal/testlet"
)

// ErrDuplicateEnvironment reports an Add under a name already used in this
// archon's session. Raised before any provider call.
var ErrDuplicateEnvironment = errors.New("environment name already exists")

// ErrUnknownEnvironment reports a name that was never created or has been
// destroyed.
var ErrUnknownEnvironment = errors.New("unknown environment")

// provisionDir is where provisioning payloads land inside new environments.
const provisionDir = ".provision"

// AddOptions carries the optional provisioning inputs for new environments.
type AddOptions struct {
	// Provision is a single payload executed once after creation. A nonzero
	// exit aborts the Add.
	Provision *testlet.Testlet

	// Resources are injected before provisioning runs — typically rendered
	// configuration referencing addresses of environments created earlier.
	Resources []artifacts.Injectable

	// Config sets resource limits and privilege flags for the instances.
	Config provider.InstanceConfig
}

// Archon directs one topology. All operations are synchronous; a failure
// partway through Add aborts the remaining construction and leaves
// previously created environments live for caller-driven cleanup.
type Archon struct {
	provider provider.Provider
	logger   *slog.Logger

	mu        sync.Mutex
	live      map[string]provider.Environment
	addresses map[string]string
}

// New builds an archon around the given provider.
func New(p provider.Provider, logger *slog.Logger) *Archon {
	return &Archon{
		provider:  p,
		logger:    logging.Ensure(logger).With("component", "archon"),
		live:      make(map[string]provider.Environment),
		addresses: make(map[string]string),
	}
}

// Add creates one environment per name from the same image, injects the
// declared resources, runs the provisioning payload, and records each
// environment's resolved address for later lookups.
func (a *Archon) Add(ctx context.Context, names []string, image string, opts AddOptions) error {
	if len(names) == 0 {
		return errors.New("archon: add requires at least one name")
	}

	// All-or-nothing name validation before any provider call.
	a.mu.Lock()
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			a.mu.Unlock()
			return errors.New("archon: environment name is required")
		}
		if _, live := a.live[name]; live {
			a.mu.Unlock()
			return fmt.Errorf("archon: %q: %w", name, ErrDuplicateEnvironment)
		}
		if _, dup := seen[name]; dup {
			a.mu.Unlock()
			return fmt.Errorf("archon: %q: %w", name, ErrDuplicateEnvironment)
		}
		seen[name] = struct{}{}
	}
	a.mu.Unlock()

	var script *testlet.Script
	if opts.Provision != nil {
		packaged, err := opts.Provision.Package()
		if err != nil {
			return err
		}
		script = &packaged
	}

	for _, name := range names {
		if err := a.addOne(ctx, name, image, script, opts); err != nil {
			return fmt.Errorf("archon: add %q: %w", name, err)
		}
	}
	return nil
}

func (a *Archon) addOne(ctx context.Context, name, image string, script *testlet.Script, opts AddOptions) error {
	logger := a.logger.With("environment", name, "image", image)
	logger.Debug("creating environment")

	env, err := a.provider.Create(ctx, name, image, opts.Config)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.live[name] = env
	a.mu.Unlock()

	for _, resource := range opts.Resources {
		if err := artifacts.Upload(ctx, a.provider, env, resource); err != nil {
			return fmt.Errorf("inject resource %s: %w", resource, err)
		}
	}

	if script != nil {
		if err := a.provision(ctx, env, *script); err != nil {
			return err
		}
		logger.Debug("provisioning completed")
	}

	address, err := a.provider.PublicAddress(ctx, env)
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}
	a.mu.Lock()
	a.addresses[name] = address
	a.mu.Unlock()
	logger.Info("environment added", "address", address)
	return nil
}

func (a *Archon) provision(ctx context.Context, env provider.Environment, script testlet.Script) error {
	local, cleanup, err := script.Stage()
	if err != nil {
		return fmt.Errorf("stage provision payload: %w", err)
	}
	defer cleanup()

	remote := path.Join(provisionDir, script.Name)
	if err := a.provider.Push(ctx, env, local, remote); err != nil {
		return fmt.Errorf("inject provision payload: %w", err)
	}
	result, err := a.provider.Execute(ctx, env, []string{script.Interpreter, remote}, script.Env)
	if err != nil {
		return fmt.Errorf("run provision payload: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("provision payload exit code %d: %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// PublicAddress returns the address recorded when the named environment was
// created. Destroyed or never-created names fail with ErrUnknownEnvironment.
func (a *Archon) PublicAddress(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	address, ok := a.addresses[name]
	if !ok {
		return "", fmt.Errorf("archon: %q: %w", name, ErrUnknownEnvironment)
	}
	return address, nil
}

// Push uploads artifacts into already-live environments. Usable at any point
// in the topology's life, not only at creation.
func (a *Archon) Push(ctx context.Context, names []string, injectables ...artifacts.Injectable) error {
	for _, name := range names {
		env, err := a.lookup(name)
		if err != nil {
			return err
		}
		for _, inj := range injectables {
			if err := artifacts.Upload(ctx, a.provider, env, inj); err != nil {
				return fmt.Errorf("archon: push to %q: %w", name, err)
			}
		}
	}
	return nil
}

// Pull downloads artifacts from a live environment.
func (a *Archon) Pull(ctx context.Context, name string, injectables ...artifacts.Injectable) error {
	env, err := a.lookup(name)
	if err != nil {
		return err
	}
	for _, inj := range injectables {
		if err := artifacts.Download(ctx, a.provider, env, inj); err != nil {
			return fmt.Errorf("archon: pull from %q: %w", name, err)
		}
	}
	return nil
}

// Execute runs an arbitrary command on the named live environments — used
// for out-of-band control such as starting system services after
// configuration has been distributed. Every name gets exactly one Result;
// exit status lives in the Result for the caller to judge, so one failing
// service does not stop the command from reaching the remaining
// environments. The call itself fails only when a name is unknown or a
// command cannot be run at all.
func (a *Archon) Execute(ctx context.Context, names []string, argv []string) (map[string]harness.Result, error) {
	results := make(map[string]harness.Result, len(names))
	for _, name := range names {
		env, err := a.lookup(name)
		if err != nil {
			return results, err
		}
		execResult, err := a.provider.Execute(ctx, env, argv, nil)
		if err != nil {
			return results, fmt.Errorf("archon: execute on %q: %w", name, err)
		}
		results[name] = harness.Result{
			Environment: name,
			ExitCode:    execResult.ExitCode,
			Stdout:      execResult.Stdout,
			Stderr:      execResult.Stderr,
		}
	}
	return results, nil
}

// Destroy tears down every environment this archon created, best-effort:
// failures are collected and reported together rather than stopping at the
// first one. Addresses are invalidated either way.
func (a *Archon) Destroy(ctx context.Context) error {
	a.mu.Lock()
	envs := make([]provider.Environment, 0, len(a.live))
	for _, env := range a.live {
		envs = append(envs, env)
	}
	a.live = make(map[string]provider.Environment)
	a.addresses = make(map[string]string)
	a.mu.Unlock()

	var failures []error
	for _, env := range envs {
		if err := a.provider.Destroy(ctx, env); err != nil {
			a.logger.Error("teardown failed", "environment", env.Name, "error", err)
			failures = append(failures, fmt.Errorf("destroy %q: %w", env.Name, err))
			continue
		}
		a.logger.Debug("environment destroyed", "environment", env.Name)
	}
	return errors.Join(failures...)
}

// Environments lists the names of currently live environments.
func (a *Archon) Environments() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.live))
	for name := range a.live {
		names = append(names, name)
	}
	return names
}

func (a *Archon) lookup(name string) (provider.Environment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	env, ok := a.live[name]
	if !ok {
		return provider.Environment{}, fmt.Errorf("archon: %q: %w", name, ErrUnknownEnvironment)
	}
	return env, nil
}
