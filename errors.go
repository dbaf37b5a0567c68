package nimbus

import "fmt"

// Kind identifies one of the failure modes named by the scheduling and
// worker-execution core. Only KindTransportError is recoverable (via
// prepare-rewind); every other kind indicates a controller or protocol bug
// and is fatal to the session.
type Kind int

const (
	KindDuplicateJob Kind = iota
	KindUnknownJob
	KindUnresolvedVersion
	KindUnreachableVersion
	KindStaleInstance
	KindUnknownLDO
	KindUnknownPartition
	KindUnsupportedClusterSize
	KindUnknownReceive
	KindAccessConflict
	KindExhaustedID
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateJob:
		return "DuplicateJob"
	case KindUnknownJob:
		return "UnknownJob"
	case KindUnresolvedVersion:
		return "UnresolvedVersion"
	case KindUnreachableVersion:
		return "UnreachableVersion"
	case KindStaleInstance:
		return "StaleInstance"
	case KindUnknownLDO:
		return "UnknownLDO"
	case KindUnknownPartition:
		return "UnknownPartition"
	case KindUnsupportedClusterSize:
		return "UnsupportedClusterSize"
	case KindUnknownReceive:
		return "UnknownReceive"
	case KindAccessConflict:
		return "AccessConflict"
	case KindExhaustedID:
		return "ExhaustedId"
	case KindTransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// Error wraps one of the Kind failures above along with the job (if any)
// that was being processed when it surfaced, so the controller can log the
// failing job id the way spec.md's error handling section requires.
type Error struct {
	Kind  Kind
	JobID uint64
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nimbus: %s (job %d): %v", e.Kind, e.JobID, e.Err)
	}
	return fmt.Sprintf("nimbus: %s (job %d)", e.Kind, e.JobID)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the session can recover from this error via
// the prepare-rewind path rather than terminating.
func (e *Error) Recoverable() bool { return e.Kind == KindTransportError }

// NewError builds an *Error for the given kind, job and optional cause.
func NewError(kind Kind, jobID uint64, err error) *Error {
	return &Error{Kind: kind, JobID: jobID, Err: err}
}
