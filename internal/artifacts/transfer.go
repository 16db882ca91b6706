package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cleanroom/internal/provider"
)

// Upload copies the injectable from the local filesystem into the
// environment. The source kind and the destination's overwrite policy are
// validated before any bytes move.
func Upload(ctx context.Context, p provider.Provider, env provider.Environment, inj Injectable) error {
	info, err := os.Stat(inj.Src)
	if err != nil {
		return &TransferError{Op: "upload", Path: inj.Src, Err: err}
	}
	if err := checkKind(inj, info.IsDir()); err != nil {
		return err
	}

	exists, err := remoteExists(ctx, p, env, inj.Dest)
	if err != nil {
		return &TransferError{Op: "upload", Path: inj.Dest, Err: err}
	}
	if exists {
		if !inj.Overwrite {
			return fmt.Errorf("upload %s: %w", inj.Dest, ErrExists)
		}
		if _, err := p.Execute(ctx, env, []string{"rm", "-rf", inj.Dest}, nil); err != nil {
			return &TransferError{Op: "upload", Path: inj.Dest, Err: err}
		}
	}

	if inj.Kind == File {
		if err := p.Push(ctx, env, inj.Src, inj.Dest); err != nil {
			return &TransferError{Op: "upload", Path: inj.Dest, Err: err}
		}
		return nil
	}

	return filepath.WalkDir(inj.Src, func(local string, d fs.DirEntry, err error) error {
		if err != nil {
			return &TransferError{Op: "upload", Path: local, Err: err}
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(inj.Src, local)
		if err != nil {
			return &TransferError{Op: "upload", Path: local, Err: err}
		}
		remote := path.Join(inj.Dest, filepath.ToSlash(rel))
		if err := p.Push(ctx, env, local, remote); err != nil {
			return &TransferError{Op: "upload", Path: remote, Err: err}
		}
		return nil
	})
}

// Download copies the injectable from the environment onto the local
// filesystem, with the same kind and overwrite validation as Upload.
func Download(ctx context.Context, p provider.Provider, env provider.Environment, inj Injectable) error {
	isDir, err := remoteKind(ctx, p, env, inj.Src)
	if err != nil {
		return err
	}
	if err := checkKind(inj, isDir); err != nil {
		return err
	}

	if _, err := os.Stat(inj.Dest); err == nil {
		if !inj.Overwrite {
			return fmt.Errorf("download %s: %w", inj.Dest, ErrExists)
		}
		if err := os.RemoveAll(inj.Dest); err != nil {
			return &TransferError{Op: "download", Path: inj.Dest, Err: err}
		}
	}

	if inj.Kind == File {
		if err := p.Pull(ctx, env, inj.Src, inj.Dest); err != nil {
			return &TransferError{Op: "download", Path: inj.Src, Err: err}
		}
		return nil
	}

	files, err := remoteFileList(ctx, p, env, inj.Src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(inj.Dest, 0o755); err != nil {
		return &TransferError{Op: "download", Path: inj.Dest, Err: err}
	}
	srcPrefix := strings.TrimPrefix(path.Clean(inj.Src), "/")
	for _, remote := range files {
		// Listings may come back absolute or relative to the environment
		// root depending on the provider; compare with the leading slash
		// stripped from both sides.
		rel := strings.TrimPrefix(remote, "/")
		rel = strings.TrimPrefix(rel, srcPrefix)
		rel = strings.TrimPrefix(rel, "/")
		local := filepath.Join(inj.Dest, filepath.FromSlash(rel))
		if err := p.Pull(ctx, env, remote, local); err != nil {
			return &TransferError{Op: "download", Path: remote, Err: err}
		}
	}
	return nil
}

func checkKind(inj Injectable, srcIsDir bool) error {
	if inj.Kind == Dir && !srcIsDir {
		return fmt.Errorf("%s declared as directory: %w", inj.Src, ErrTypeMismatch)
	}
	if inj.Kind == File && srcIsDir {
		return fmt.Errorf("%s declared as file: %w", inj.Src, ErrTypeMismatch)
	}
	return nil
}

func remoteExists(ctx context.Context, p provider.Provider, env provider.Environment, remote string) (bool, error) {
	result, err := p.Execute(ctx, env, []string{"test", "-e", remote}, nil)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// remoteKind reports whether the remote source is a directory. A source that
// is neither a regular file nor a directory is a transfer error.
func remoteKind(ctx context.Context, p provider.Provider, env provider.Environment, remote string) (bool, error) {
	result, err := p.Execute(ctx, env, []string{"test", "-f", remote}, nil)
	if err != nil {
		return false, &TransferError{Op: "download", Path: remote, Err: err}
	}
	if result.ExitCode == 0 {
		return false, nil
	}
	result, err = p.Execute(ctx, env, []string{"test", "-d", remote}, nil)
	if err != nil {
		return false, &TransferError{Op: "download", Path: remote, Err: err}
	}
	if result.ExitCode == 0 {
		return true, nil
	}
	return false, &TransferError{Op: "download", Path: remote, Err: os.ErrNotExist}
}

func remoteFileList(ctx context.Context, p provider.Provider, env provider.Environment, root string) ([]string, error) {
	result, err := p.Execute(ctx, env, []string{"find", root, "-type", "f"}, nil)
	if err != nil {
		return nil, &TransferError{Op: "download", Path: root, Err: err}
	}
	if result.ExitCode != 0 {
		return nil, &TransferError{
			Op:   "download",
			Path: root,
			Err:  fmt.Errorf("list remote files: %s", strings.TrimSpace(result.Stderr)),
		}
	}
	var files []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
