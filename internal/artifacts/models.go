// Package artifacts moves files and directories between the local filesystem
// and an environment's filesystem through the provider boundary.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Kind tags an injectable as a single file or a directory tree.
type Kind string

const (
	File Kind = "file"
	Dir  Kind = "dir"
)

// Injectable describes one transferable artifact. The declared Kind must
// match the actual source at transfer time; a mismatch is a fatal transfer
// error, never a silent coercion.
type Injectable struct {
	Kind      Kind
	Src       string
	Dest      string
	Overwrite bool
}

// NewFile declares a single-file artifact.
func NewFile(src, dest string) Injectable {
	return Injectable{Kind: File, Src: src, Dest: dest}
}

// NewDir declares a directory-tree artifact.
func NewDir(src, dest string) Injectable {
	return Injectable{Kind: Dir, Src: src, Dest: dest}
}

// WithOverwrite returns a copy of the injectable that may replace an
// existing destination.
func (i Injectable) WithOverwrite() Injectable {
	i.Overwrite = true
	return i
}

func (i Injectable) String() string {
	return fmt.Sprintf("%s %s -> %s", i.Kind, i.Src, i.Dest)
}

// Checksum returns the hex SHA-256 digest of a local file. Transfers are
// verified in tests by comparing checksums across a round trip.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
