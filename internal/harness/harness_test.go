package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cleanroom/internal/artifacts"
	"cleanroom/internal/hooks"
	"cleanroom/internal/provider"
	"cleanroom/internal/provider/local"
	"cleanroom/internal/testlet"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunWithStartHookAndTestlet(t *testing.T) {
	p := local.New(t.TempDir())

	src := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(src, []byte("ten bytes!"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	reg := hooks.NewRegistry()
	if err := reg.RegisterStart(hooks.StartHook{
		Name:    "seed-input",
		Uploads: []artifacts.Injectable{artifacts.NewFile(src, "in.txt")},
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	h := New(p, reg, false, discard())
	report, err := h.Run(context.Background(), testlet.Testlet{
		Name:        "read-input",
		Interpreter: "/bin/sh",
		Source:      "test -f in.txt || exit 1\necho ok\n",
	}, Target{Name: "jammy-0", Image: "scratch"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Result.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %#v", report.Result)
	}
	if !strings.Contains(report.Result.Stdout, "ok") {
		t.Fatalf("stdout missing ok: %q", report.Result.Stdout)
	}
	if report.Result.Environment != "jammy-0" {
		t.Fatalf("result not tagged with environment: %#v", report.Result)
	}
	if report.State != StateDestroyed {
		t.Fatalf("expected destroyed terminal state, got %s", report.State)
	}
}

func TestRunCollectsStopHookArtifacts(t *testing.T) {
	p := local.New(t.TempDir())

	dest := filepath.Join(t.TempDir(), "result.txt")
	reg := hooks.NewRegistry()
	if err := reg.RegisterStop(hooks.StopHook{
		Name:      "fetch-result",
		Downloads: []artifacts.Injectable{artifacts.NewFile("result.txt", dest)},
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	h := New(p, reg, false, discard())
	report, err := h.Run(context.Background(), testlet.Testlet{
		Name:        "produce-result",
		Interpreter: "/bin/sh",
		Source:      "echo findings > result.txt\n",
	}, Target{Name: "producer", Image: "scratch"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(report.Artifacts) != 1 || report.Artifacts[0] != dest {
		t.Fatalf("expected collected artifact %s, got %v", dest, report.Artifacts)
	}
	content, err := os.ReadFile(dest)
	if err != nil || !strings.Contains(string(content), "findings") {
		t.Fatalf("artifact content: %v %q", err, content)
	}
}

func TestStopHookFailureDoesNotMaskResult(t *testing.T) {
	p := local.New(t.TempDir())

	reg := hooks.NewRegistry()
	if err := reg.RegisterStop(hooks.StopHook{
		Name:      "fetch-missing",
		Downloads: []artifacts.Injectable{artifacts.NewFile("never-written.txt", filepath.Join(t.TempDir(), "out.txt"))},
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	h := New(p, reg, false, discard())
	report, err := h.Run(context.Background(), testlet.Testlet{
		Name:        "exit-seven",
		Interpreter: "/bin/sh",
		Source:      "echo partial\nexit 7\n",
	}, Target{Name: "lossy", Image: "scratch"})
	if err != nil {
		t.Fatalf("stop hook failure must not surface as a run error: %v", err)
	}

	if report.Result.ExitCode != 7 {
		t.Fatalf("testlet result lost: %#v", report.Result)
	}
	if !strings.Contains(report.Result.Stdout, "partial") {
		t.Fatalf("stdout lost: %q", report.Result.Stdout)
	}
	if len(report.HookFailures) != 1 {
		t.Fatalf("expected one isolated hook failure, got %v", report.HookFailures)
	}
	var hookErr *hooks.HookError
	if !errors.As(report.HookFailures[0], &hookErr) || hookErr.Name != "fetch-missing" {
		t.Fatalf("failure not attributed to the hook: %v", report.HookFailures[0])
	}
	if len(report.Artifacts) != 0 {
		t.Fatalf("no artifact should be recorded: %v", report.Artifacts)
	}
}

func TestStartHookFailureAbortsBeforeInjection(t *testing.T) {
	stub := newStubProvider()
	reg := hooks.NewRegistry()
	if err := reg.RegisterStart(hooks.StartHook{
		Name:    "broken",
		Uploads: []artifacts.Injectable{artifacts.NewFile("/does/not/exist", "x")},
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	h := New(stub, reg, false, discard())
	_, err := h.Run(context.Background(), trivialTestlet(), Target{Name: "bad", Image: "img"})

	var herr *Error
	if !errors.As(err, &herr) || herr.State != StateConfigured {
		t.Fatalf("expected configured-state harness error, got %v", err)
	}
	if stub.pushed > 0 || stub.executed > 0 {
		t.Fatal("payload must not be injected into a misconfigured environment")
	}
	if !stub.destroyed["bad"] {
		t.Fatal("misconfigured environment must be destroyed")
	}
}

func TestProviderFailureSurfacesStateAndCleansUp(t *testing.T) {
	stub := newStubProvider()
	stub.executeErr = errors.New("agent unreachable")

	h := New(stub, nil, false, discard())
	_, err := h.Run(context.Background(), trivialTestlet(), Target{Name: "flaky", Image: "img"})

	var herr *Error
	if !errors.As(err, &herr) || herr.State != StateExecuted {
		t.Fatalf("expected executed-state harness error, got %v", err)
	}
	if !stub.destroyed["flaky"] {
		t.Fatal("environment must be cleaned up on abort")
	}
}

func TestPreserveKeepsEnvironmentReachable(t *testing.T) {
	p := local.New(t.TempDir())
	h := New(p, nil, true, discard())

	report, err := h.Run(context.Background(), trivialTestlet(), Target{Name: "keeper", Image: "scratch"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != StatePreserved {
		t.Fatalf("expected preserved state, got %s", report.State)
	}
	root := report.Environment.Runtime["root"]
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("preserved workspace should remain: %v", err)
	}
	_ = p.Destroy(context.Background(), report.Environment)
}

func TestPackagingErrorBlocksProviderCalls(t *testing.T) {
	stub := newStubProvider()
	h := New(stub, nil, false, discard())

	_, err := h.Run(context.Background(), testlet.Testlet{Name: "empty"}, Target{Name: "x", Image: "img"})
	var perr *testlet.PackagingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected packaging error, got %v", err)
	}
	if stub.created > 0 {
		t.Fatal("packaging failure must not touch the provider")
	}
}

func trivialTestlet() testlet.Testlet {
	return testlet.Testlet{Name: "noop", Interpreter: "/bin/sh", Source: "exit 0\n"}
}

// stubProvider counts lifecycle calls and can fail on demand.
type stubProvider struct {
	mu         sync.Mutex
	created    int
	pushed     int
	executed   int
	destroyed  map[string]bool
	executeErr error

	// failEnvs lists environment names whose executions exit nonzero.
	failEnvs map[string]bool
}

func newStubProvider() *stubProvider {
	return &stubProvider{destroyed: make(map[string]bool), failEnvs: make(map[string]bool)}
}

func (s *stubProvider) Create(ctx context.Context, name, image string, cfg provider.InstanceConfig) (provider.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return provider.Environment{Name: name, Image: image, Runtime: map[string]string{}}, nil
}

func (s *stubProvider) Destroy(ctx context.Context, env provider.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed[env.Name] = true
	return nil
}

func (s *stubProvider) Execute(ctx context.Context, env provider.Environment, argv []string, extraEnv map[string]string) (provider.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(argv) > 0 && argv[0] == "test" {
		// Destination existence probes from the artifact layer.
		return provider.ExecResult{ExitCode: 1}, nil
	}
	s.executed++
	if s.executeErr != nil {
		return provider.ExecResult{}, provider.Errorf("execute", s.executeErr)
	}
	if s.failEnvs[env.Name] {
		return provider.ExecResult{ExitCode: 1, Stderr: "deliberate failure"}, nil
	}
	return provider.ExecResult{ExitCode: 0, Stdout: fmt.Sprintf("ran in %s", env.Name)}, nil
}

func (s *stubProvider) Push(ctx context.Context, env provider.Environment, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed++
	return nil
}

func (s *stubProvider) Pull(ctx context.Context, env provider.Environment, remotePath, localPath string) error {
	return nil
}

func (s *stubProvider) PublicAddress(ctx context.Context, env provider.Environment) (string, error) {
	return "10.0.0.1", nil
}
