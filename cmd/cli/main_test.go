package main

import (
	"os"
	"path/filepath"
	"testing"

	"cleanroom/internal/artifacts"
)

func TestParseUploadReadsKindFromFilesystem(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	inj, err := parseUpload(file + ":in.txt")
	if err != nil {
		t.Fatalf("parse file spec: %v", err)
	}
	if inj.Kind != artifacts.File {
		t.Fatalf("expected file kind, got %v", inj.Kind)
	}

	inj, err = parseUpload(dir + ":tree")
	if err != nil {
		t.Fatalf("parse dir spec: %v", err)
	}
	if inj.Kind != artifacts.Dir {
		t.Fatalf("expected dir kind, got %v", inj.Kind)
	}
}

// Pull sources live inside the environment and must never be stat'd on the
// host; the trailing slash is the only kind signal.
func TestParseDownloadKindComesFromSpec(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")

	inj, err := parseDownload("/var/log/app:" + dest)
	if err != nil {
		t.Fatalf("parse file spec: %v", err)
	}
	if inj.Kind != artifacts.File {
		t.Fatalf("expected file kind, got %v", inj.Kind)
	}

	inj, err = parseDownload("/var/log/app/:" + dest)
	if err != nil {
		t.Fatalf("parse dir spec: %v", err)
	}
	if inj.Kind != artifacts.Dir {
		t.Fatalf("expected dir kind, got %v", inj.Kind)
	}
	if inj.Src != "/var/log/app" {
		t.Fatalf("trailing slash must be stripped from source: %q", inj.Src)
	}

	if _, err := parseDownload("missing-dest"); err == nil {
		t.Fatal("expected malformed spec to be rejected")
	}
}
