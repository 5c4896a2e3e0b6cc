package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies store errors by how a caller is expected to react to them.
type Kind int

const (
	// KindUnknown is the Kind of errors which are not *Error.
	KindUnknown Kind = iota
	// KindConfig errors are out-of-range tunables, rejected at startup.
	KindConfig
	// KindResource errors indicate exhaustion which may be relieved by
	// pruning, compaction or back-pressure.
	KindResource
	// KindArgument errors are caller errors, and are never retried internally.
	KindArgument
	// KindAllocation errors indicate a failure to obtain host memory.
	KindAllocation
	// KindDisk errors are surfaced from the disk backend.
	KindDisk
	// KindHA errors are surfaced from the replication backend.
	KindHA
	// KindState errors are returned when the store or a stream is in a state
	// which does not permit the operation.
	KindState
	// KindInternal errors indicate an internal consistency failure.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindResource:
		return "resource"
	case KindArgument:
		return "argument"
	case KindAllocation:
		return "allocation"
	case KindDisk:
		return "disk"
	case KindHA:
		return "ha"
	case KindState:
		return "state"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a store error of a particular Kind.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Errorf returns a new *Error of the Kind, formatted as with fmt.Sprintf.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of |err|. Errors wrapped by github.com/pkg/errors
// are unwrapped to their cause, and a *ValidationError is an argument error.
func KindOf(err error) Kind {
	switch e := errors.Cause(err).(type) {
	case nil:
		return KindUnknown
	case *Error:
		return e.Kind
	case *ValidationError:
		return KindArgument
	default:
		return KindUnknown
	}
}

// Sentinel errors returned by store operations. Callers should compare with
// errors.Cause(err) == ErrX, or use KindOf.
var (
	ErrStoreFull         = &Error{KindResource, "store is full"}
	ErrGenerationFull    = &Error{KindResource, "generation is full"}
	ErrOwnerLimit        = &Error{KindResource, "owner limit exceeded"}
	ErrNoActiveGen       = &Error{KindResource, "no active generation"}
	ErrArgNotValid       = &Error{KindArgument, "argument is not valid"}
	ErrStaleHandle       = &Error{KindArgument, "handle is stale or foreign"}
	ErrNotMapped         = &Error{KindArgument, "generation is not mapped"}
	ErrOwnerVersion      = &Error{KindArgument, "owner version mismatch"}
	ErrOrderIDPruned     = &Error{KindArgument, "order id is below the minimum active order id"}
	ErrNotFound          = &Error{KindArgument, "not found"}
	ErrStoreNotAvailable = &Error{KindState, "store is not available"}
	ErrStoreTransActive  = &Error{KindState, "store transaction is active"}
	ErrStoreBusy         = &Error{KindState, "store is busy"}
	ErrStreamClosed      = &Error{KindState, "stream is closed"}
	ErrDiskError         = &Error{KindDisk, "store disk error"}
	ErrAllocError        = &Error{KindAllocation, "store allocation error"}
	ErrHAError           = &Error{KindHA, "store HA error"}
	ErrCorrupt           = &Error{KindInternal, "store data is corrupt"}
)
