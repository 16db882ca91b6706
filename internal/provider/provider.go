// Package provider defines the capability boundary between the execution
// engine and a concrete hypervisor backend. Orchestration code depends only
// on the Provider interface so any backend implementing this set of
// operations is usable.
package provider

import (
	"context"
	"fmt"
	"time"
)

// InstanceConfig captures the resource limits and privilege flags requested
// for a new environment.
type InstanceConfig struct {
	CPULimit   int
	MemoryMB   int
	Privileged bool

	// Extra holds backend-specific settings passed through verbatim.
	Extra map[string]string
}

// Environment is the handle for one provider-managed instance. Handles are
// created by Create and remain valid until Destroy.
type Environment struct {
	Name  string
	Image string

	CreatedAt time.Time

	// Runtime holds backend bookkeeping (workspace paths, domain names).
	// Orchestration code treats it as opaque.
	Runtime map[string]string
}

// ExecResult is the captured outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Provider is the hypervisor capability set the engine drives. Every method
// is a blocking I/O boundary; callers bound them with context deadlines.
type Provider interface {
	// Create realizes a new environment from the given image and returns
	// its handle.
	Create(ctx context.Context, name, image string, cfg InstanceConfig) (Environment, error)

	// Destroy tears the environment down and invalidates its handle.
	Destroy(ctx context.Context, env Environment) error

	// Execute runs argv inside the environment with the provided extra
	// environment variables and captures exit code and both streams.
	Execute(ctx context.Context, env Environment, argv []string, extraEnv map[string]string) (ExecResult, error)

	// Push copies a single local file to a path inside the environment,
	// creating parent directories as needed.
	Push(ctx context.Context, env Environment, localPath, remotePath string) error

	// Pull copies a single file from inside the environment to a local path,
	// creating parent directories as needed.
	Pull(ctx context.Context, env Environment, remotePath, localPath string) error

	// PublicAddress resolves the environment's reachable network address.
	PublicAddress(ctx context.Context, env Environment) (string, error)
}

// Error wraps a backend failure so orchestration layers can report the
// operation that failed without interpreting backend details.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a provider Error for the named operation.
func Errorf(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}
