package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cleanroom/internal/provider"
)

func TestCreateExecuteDestroy(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()

	env, err := p.Create(ctx, "worker", "scratch", provider.InstanceConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := env.Runtime["root"]
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}

	result, err := p.Execute(ctx, env, []string{"/bin/sh", "-c", "echo -n $CLEANROOM_ROOT"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != root {
		t.Fatalf("unexpected result: %#v", result)
	}

	result, err = p.Execute(ctx, env, []string{"/bin/sh", "-c", "echo boom >&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("execute nonzero: %v", err)
	}
	if result.ExitCode != 3 || !strings.Contains(result.Stderr, "boom") {
		t.Fatalf("unexpected nonzero result: %#v", result)
	}

	if err := p.Destroy(ctx, env); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("workspace survived destroy: %v", err)
	}
}

func TestExecutePassesExtraEnv(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	env, err := p.Create(ctx, "envtest", "scratch", provider.InstanceConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer p.Destroy(ctx, env)

	result, err := p.Execute(ctx, env, []string{"/bin/sh", "-c", "echo -n $GREETING"}, map[string]string{"GREETING": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Stdout != "hi" {
		t.Fatalf("extra env not applied: %#v", result)
	}
}

func TestPushPullRelativePaths(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	env, err := p.Create(ctx, "files", "scratch", provider.InstanceConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer p.Destroy(ctx, env)

	src := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	if err := p.Push(ctx, env, src, "data/in.txt"); err != nil {
		t.Fatalf("push: %v", err)
	}
	// Remote path is visible to executed commands relative to the workspace.
	result, err := p.Execute(ctx, env, []string{"cat", "data/in.txt"}, nil)
	if err != nil || result.ExitCode != 0 {
		t.Fatalf("cat pushed file: %v %#v", err, result)
	}
	if result.Stdout != "payload" {
		t.Fatalf("unexpected content: %q", result.Stdout)
	}

	back := filepath.Join(t.TempDir(), "out.txt")
	if err := p.Pull(ctx, env, "data/in.txt", back); err != nil {
		t.Fatalf("pull: %v", err)
	}
	got, err := os.ReadFile(back)
	if err != nil || string(got) != "payload" {
		t.Fatalf("round trip mismatch: %v %q", err, got)
	}
}

func TestAbsoluteRemotePathsStayInsideWorkspace(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	env, err := p.Create(ctx, "confined", "scratch", provider.InstanceConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := env.Runtime["root"]

	src := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	if err := p.Push(ctx, env, src, "/root/in.txt"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "root", "in.txt")); err != nil {
		t.Fatalf("pushed file not under workspace: %v", err)
	}
	// Commands see the same mapping, so probes agree with Push and Pull.
	result, err := p.Execute(ctx, env, []string{"test", "-e", "/root/in.txt"}, nil)
	if err != nil || result.ExitCode != 0 {
		t.Fatalf("absolute path invisible to commands: %v %#v", err, result)
	}

	back := filepath.Join(t.TempDir(), "out.txt")
	if err := p.Pull(ctx, env, "/root/in.txt", back); err != nil {
		t.Fatalf("pull: %v", err)
	}
	got, err := os.ReadFile(back)
	if err != nil || string(got) != "payload" {
		t.Fatalf("round trip mismatch: %v %q", err, got)
	}

	if err := p.Destroy(ctx, env); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "root", "in.txt")); !os.IsNotExist(err) {
		t.Fatalf("pushed file survived destroy: %v", err)
	}
}

func TestPublicAddress(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	env, err := p.Create(ctx, "addr", "scratch", provider.InstanceConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer p.Destroy(ctx, env)

	addr, err := p.PublicAddress(ctx, env)
	if err != nil {
		t.Fatalf("public address: %v", err)
	}
	if addr == "" {
		t.Fatal("expected a non-empty address")
	}
}

func TestOperationsOnDestroyedEnvironmentFail(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	env, err := p.Create(ctx, "gone", "scratch", provider.InstanceConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Destroy(ctx, env); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	if _, err := p.Execute(ctx, env, []string{"true"}, nil); err == nil {
		t.Fatal("expected execute on destroyed environment to fail")
	}
	var perr *provider.Error
	if _, err := p.PublicAddress(ctx, env); err == nil {
		t.Fatal("expected address lookup on destroyed environment to fail")
	} else if !errors.As(err, &perr) {
		t.Fatalf("expected provider.Error, got %T", err)
	}
}
