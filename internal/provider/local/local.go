// Package local implements the provider boundary on top of plain host
// processes. Each environment is a scratch directory subtree: commands run
// with the subtree as working directory and remote paths, absolute or
// relative, resolve beneath it. No isolation is provided; the point is
// exercising the full engine without a hypervisor.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cleanroom/internal/provider"
)

// RootEnvVar is exported to every executed command and holds the
// environment's scratch directory, so testlets can address their own
// filesystem with absolute host paths.
const RootEnvVar = "CLEANROOM_ROOT"

const runtimeRootKey = "root"

// Provider realizes environments as directories under BaseDir.
type Provider struct {
	// BaseDir is where environment subtrees are created. Defaults to the
	// system temporary directory.
	BaseDir string
}

var _ provider.Provider = (*Provider)(nil)

// New returns a local provider rooted at baseDir.
func New(baseDir string) *Provider {
	return &Provider{BaseDir: baseDir}
}

func (p *Provider) Create(ctx context.Context, name, image string, cfg provider.InstanceConfig) (provider.Environment, error) {
	if strings.TrimSpace(name) == "" {
		return provider.Environment{}, provider.Errorf("create", errors.New("environment name is required"))
	}
	base := p.BaseDir
	if base == "" {
		base = os.TempDir()
	}

	root := filepath.Join(base, fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return provider.Environment{}, provider.Errorf("create", err)
	}

	return provider.Environment{
		Name:      name,
		Image:     image,
		CreatedAt: time.Now().UTC(),
		Runtime:   map[string]string{runtimeRootKey: root},
	}, nil
}

func (p *Provider) Destroy(ctx context.Context, env provider.Environment) error {
	root, err := environmentRoot(env)
	if err != nil {
		return provider.Errorf("destroy", err)
	}
	if err := os.RemoveAll(root); err != nil {
		return provider.Errorf("destroy", err)
	}
	return nil
}

func (p *Provider) Execute(ctx context.Context, env provider.Environment, argv []string, extraEnv map[string]string) (provider.ExecResult, error) {
	if len(argv) == 0 {
		return provider.ExecResult{}, provider.Errorf("execute", errors.New("empty command"))
	}
	root, err := environmentRoot(env)
	if err != nil {
		return provider.ExecResult{}, provider.Errorf("execute", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], mapArguments(argv[1:])...)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), RootEnvVar+"="+root)
	for key, value := range extraEnv {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := provider.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, provider.Errorf("execute", ctxErr)
		}
		return result, provider.Errorf("execute", runErr)
	}
	return result, nil
}

func (p *Provider) Push(ctx context.Context, env provider.Environment, localPath, remotePath string) error {
	root, err := environmentRoot(env)
	if err != nil {
		return provider.Errorf("push", err)
	}
	dst := resolveRemote(root, remotePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return provider.Errorf("push", err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return provider.Errorf("push", err)
	}
	return nil
}

func (p *Provider) Pull(ctx context.Context, env provider.Environment, remotePath, localPath string) error {
	root, err := environmentRoot(env)
	if err != nil {
		return provider.Errorf("pull", err)
	}
	src := resolveRemote(root, remotePath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return provider.Errorf("pull", err)
	}
	if err := copyFile(src, localPath); err != nil {
		return provider.Errorf("pull", err)
	}
	return nil
}

func (p *Provider) PublicAddress(ctx context.Context, env provider.Environment) (string, error) {
	if _, err := environmentRoot(env); err != nil {
		return "", provider.Errorf("public address", err)
	}
	return "127.0.0.1", nil
}

func environmentRoot(env provider.Environment) (string, error) {
	root := env.Runtime[runtimeRootKey]
	if root == "" {
		return "", fmt.Errorf("environment %q has no workspace", env.Name)
	}
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("environment %q workspace: %w", env.Name, err)
	}
	return root, nil
}

// resolveRemote maps a remote path beneath the environment root. Absolute
// remote paths are mapped too: /root/in.txt lands at <root>/root/in.txt, so
// nothing an environment writes outlives its own subtree.
func resolveRemote(root, remote string) string {
	return filepath.Join(root, filepath.FromSlash(remote))
}

// mapArguments rewrites absolute path arguments so they resolve beneath the
// working directory, keeping command probes consistent with the path mapping
// Push and Pull apply. The binary itself (argv[0]) is never rewritten.
func mapArguments(args []string) []string {
	mapped := make([]string, len(args))
	for i, arg := range args {
		if strings.HasPrefix(arg, "/") {
			arg = strings.TrimLeft(arg, "/")
			if arg == "" {
				arg = "."
			}
		}
		mapped[i] = arg
	}
	return mapped
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
