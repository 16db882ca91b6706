package artifacts

import (
	"errors"
	"fmt"
)

// ErrTypeMismatch reports a source whose actual kind disagrees with the
// injectable's declared kind.
var ErrTypeMismatch = errors.New("artifact kind does not match source")

// ErrExists reports a destination that already exists while overwrite is
// disallowed. It is raised before any bytes move.
var ErrExists = errors.New("artifact destination already exists")

// TransferError wraps a provider or filesystem failure during a transfer.
// It is propagated, not retried.
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
