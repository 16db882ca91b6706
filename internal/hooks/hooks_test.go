package hooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"cleanroom/internal/packages"
	"cleanroom/internal/provider"
)

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterStart(StartHook{Name: "setup"}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.RegisterStop(StopHook{Name: "collect"}); err != nil {
		t.Fatalf("stop registration failed: %v", err)
	}

	err := r.RegisterStart(StartHook{Name: "setup"})
	if !errors.Is(err, ErrDuplicateHook) {
		t.Fatalf("expected ErrDuplicateHook, got %v", err)
	}
	// Uniqueness spans both hook kinds.
	err = r.RegisterStop(StopHook{Name: "setup"})
	if !errors.Is(err, ErrDuplicateHook) {
		t.Fatalf("expected ErrDuplicateHook across kinds, got %v", err)
	}
	if err := r.RegisterStart(StartHook{Name: ""}); err == nil {
		t.Fatal("expected empty hook name to be rejected")
	}
}

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := r.RegisterStart(StartHook{Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	got := r.StartHooks()
	if len(got) != 3 || got[0].Name != "a" || got[1].Name != "b" || got[2].Name != "c" {
		t.Fatalf("unexpected order: %#v", got)
	}
}

func TestRunStartIsolatesHookFailures(t *testing.T) {
	p := &scriptedProvider{failOn: "apt-get"}
	r := NewRegistry()
	mustRegisterStart(t, r, StartHook{
		Name:     "broken",
		Packages: []packages.Installer{packages.Apt("nonexistent")},
	})
	mustRegisterStart(t, r, StartHook{
		Name:     "healthy",
		Packages: []packages.Installer{packages.Snap("core")},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	failures := r.RunStart(context.Background(), p, provider.Environment{Name: "env"}, logger)

	if len(failures) != 1 {
		t.Fatalf("expected exactly one failure, got %d: %v", len(failures), failures)
	}
	var hookErr *HookError
	if !errors.As(failures[0], &hookErr) || hookErr.Name != "broken" {
		t.Fatalf("unexpected failure: %v", failures[0])
	}
	// The healthy hook still ran.
	if len(p.executed) != 2 {
		t.Fatalf("expected both hooks to execute, got %d commands", len(p.executed))
	}
}

func mustRegisterStart(t *testing.T, r *Registry, h StartHook) {
	t.Helper()
	if err := r.RegisterStart(h); err != nil {
		t.Fatalf("register %s: %v", h.Name, err)
	}
}

// scriptedProvider fails commands whose argv[0] matches failOn.
type scriptedProvider struct {
	failOn   string
	executed [][]string
}

func (p *scriptedProvider) Create(ctx context.Context, name, image string, cfg provider.InstanceConfig) (provider.Environment, error) {
	return provider.Environment{Name: name, Image: image}, nil
}

func (p *scriptedProvider) Destroy(ctx context.Context, env provider.Environment) error {
	return nil
}

func (p *scriptedProvider) Execute(ctx context.Context, env provider.Environment, argv []string, extraEnv map[string]string) (provider.ExecResult, error) {
	p.executed = append(p.executed, argv)
	if len(argv) > 0 && argv[0] == p.failOn {
		return provider.ExecResult{ExitCode: 100, Stderr: "unable to locate package"}, nil
	}
	return provider.ExecResult{ExitCode: 0}, nil
}

func (p *scriptedProvider) Push(ctx context.Context, env provider.Environment, localPath, remotePath string) error {
	return nil
}

func (p *scriptedProvider) Pull(ctx context.Context, env provider.Environment, remotePath, localPath string) error {
	return nil
}

func (p *scriptedProvider) PublicAddress(ctx context.Context, env provider.Environment) (string, error) {
	return "127.0.0.1", nil
}
