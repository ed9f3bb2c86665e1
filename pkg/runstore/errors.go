package runstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for manifest operations.
var (
	// ErrNotFound indicates no manifest exists for the call identity.
	ErrNotFound = errors.New("manifest not found")

	// ErrManifestMismatch indicates an existing manifest does not describe
	// the current input sequence.
	ErrManifestMismatch = errors.New("manifest mismatch")

	// ErrLocked indicates another live submitter holds the call identity.
	ErrLocked = errors.New("call identity is locked")
)

// MismatchError details why an existing manifest cannot be reused.
type MismatchError struct {
	CallID   string
	Existing int
	Expected int
	// Index is the first task whose input digest differs, or -1 for a
	// length mismatch.
	Index int
}

func (e *MismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: manifest has %d tasks, input has %d elements (run cleanup to discard the previous call)",
			e.CallID, e.Existing, e.Expected)
	}
	return fmt.Sprintf("%s: element %d differs from the one recorded in the existing manifest (run cleanup or use a namespace)",
		e.CallID, e.Index)
}

// Is makes errors.Is(err, ErrManifestMismatch) hold.
func (e *MismatchError) Is(target error) bool {
	return target == ErrManifestMismatch
}

// IsNotFound returns true if the error indicates a missing manifest.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsMismatch returns true if the error indicates a stale manifest.
func IsMismatch(err error) bool {
	return errors.Is(err, ErrManifestMismatch)
}
