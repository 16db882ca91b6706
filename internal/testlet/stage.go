package testlet

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Stage writes the script to a temporary local file so it can ride a
// provider's file-level push. The returned cleanup removes the file.
func (s Script) Stage() (string, func(), error) {
	dir, err := os.MkdirTemp("", "cleanroom-payload-*")
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, s.Name+"-"+uuid.New().String()[:8])
	if err := os.WriteFile(path, s.Content, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	return path, func() { os.RemoveAll(dir) }, nil
}
