package publish

import (
	"errors"
	"fmt"
)

// Kind classifies a publisher failure.
type Kind int

const (
	// KindInvalid covers malformed input: bad names, an invalid local
	// catalog, an unreadable remote catalog.
	KindInvalid Kind = iota + 1
	// KindForbidden is a force publish outside the force stage.
	KindForbidden
	// KindLockContention means another run holds the lock.
	KindLockContention
	// KindStoreIO is a storage failure before the primary was modified.
	KindStoreIO
	// KindMergeConflict means the merge was rejected or nothing matched.
	KindMergeConflict
	// KindAborted is a declined confirmation or a cancellation before the
	// lock was taken.
	KindAborted
	// KindUploadFailed is a failed write of the primary document. The
	// backup was restored and the lock is kept.
	KindUploadFailed
	// KindVerificationMismatch means the uploaded document did not read back
	// identically. The backup was restored and the lock is kept.
	KindVerificationMismatch
	// KindReleaseFailed means the catalog was published but the lock could
	// not be removed.
	KindReleaseFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindForbidden:
		return "forbidden"
	case KindLockContention:
		return "lock-contention"
	case KindStoreIO:
		return "store-io"
	case KindMergeConflict:
		return "merge-conflict"
	case KindAborted:
		return "aborted"
	case KindUploadFailed:
		return "upload-failed"
	case KindVerificationMismatch:
		return "verification-mismatch"
	case KindReleaseFailed:
		return "release-failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every publisher operation that does not complete.
type Error struct {
	Kind Kind
	// State is the state the run was in when it failed.
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("publish: %s in %s", e.Kind, e.State)
	}
	return fmt.Sprintf("publish: %s in %s: %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, state State, err error) *Error {
	return &Error{Kind: kind, State: state, Err: err}
}

// KindOf returns the Kind carried by err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return 0
}

// Exit codes returned by ExitCode.
const (
	ExitOK          = 0
	ExitRejected    = 1
	ExitLocked      = 2
	ExitRestored    = 3
	ExitStoreIO     = 4
	ExitInvalidArgs = 5
)

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindMergeConflict:
		return ExitRejected
	case KindLockContention:
		return ExitLocked
	case KindUploadFailed, KindVerificationMismatch:
		return ExitRestored
	case KindStoreIO, KindReleaseFailed:
		return ExitStoreIO
	case KindInvalid, KindForbidden, KindAborted:
		return ExitInvalidArgs
	default:
		return ExitStoreIO
	}
}
