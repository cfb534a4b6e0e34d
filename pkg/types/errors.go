package types

import (
	"errors"
	"fmt"
)

var (
	ErrManifestParse            = errors.New("manifest parse error")
	ErrInvalidDigest            = errors.New("invalid digest")
	ErrInvalidIdentifier        = errors.New("invalid identifier")
	ErrVolumeNotFound           = errors.New("volume not found")
	ErrVolumeConflict           = errors.New("volume conflict")
	ErrVolumeServiceUnavailable = errors.New("volume service unavailable")
	ErrBootDiskInvariant        = errors.New("boot disk invariant violation")
	ErrUnsupportedDiskType      = errors.New("unsupported disk type")
	ErrAuthorization            = errors.New("not authorized")
	ErrRemoteExecution          = errors.New("remote execution failed")
	ErrChecksumMismatch         = errors.New("checksum mismatch")
	ErrSigning                  = errors.New("signing failed")
	ErrPublish                  = errors.New("publish failed")
)

// RemoteExecutionError is returned when a command on a remote host exits
// non-zero or cannot be run at all
type RemoteExecutionError struct {
	Host     string
	Command  string
	ExitCode int
	Output   string
	Err      error // transport error, nil when the command ran
}

func (e *RemoteExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote execution on %s failed: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("command %q on %s exited with %d: %s", e.Command, e.Host, e.ExitCode, e.Output)
}

func (e *RemoteExecutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRemoteExecution, e.Err}
	}
	return []error{ErrRemoteExecution}
}

// StoreError is returned by the volume store client
type StoreError struct {
	Op      string
	Status  int
	Message string
	Kind    error // one of the volume store sentinels
}

func (e *StoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Kind
}

// IsRetryable reports whether err is a transport failure that may succeed
// when repeated
func IsRetryable(err error) bool {
	if errors.Is(err, ErrVolumeServiceUnavailable) {
		return true
	}
	var rerr *RemoteExecutionError
	if errors.As(err, &rerr) {
		return rerr.Err != nil
	}
	return false
}
