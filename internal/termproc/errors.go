package termproc

import (
	"errors"
	"fmt"
)

// Code classifies a spawn failure.
type Code string

const (
	CodeCommandNotFound     Code = "COMMAND_NOT_FOUND"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodePTYAllocationFailed Code = "PTY_ALLOCATION_FAILED"
	CodeWorkdirMissing      Code = "WORKDIR_MISSING"
)

// SpawnError reports why a child process could not be started.
type SpawnError struct {
	Code    Code
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Command, e.Code, e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Command, e.Code)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by Write and Resize after the handle is closed.
var ErrClosed = errors.New("pty handle closed")
