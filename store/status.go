package store

import (
	"fmt"

	"github.com/pkg/errors"
	pb "go.gazette.dev/msgstore/protocol"
)

// Status is the lifecycle status of an Engine.
type Status int

const (
	StatusClosed Status = iota
	StatusInit
	StatusRestoring
	StatusRestored
	StatusStandby
	StatusRecovery
	StatusActive
	StatusTerminating
	StatusDiskError
	StatusAllocError
)

var allStatuses = []Status{
	StatusClosed, StatusInit, StatusRestoring, StatusRestored, StatusStandby,
	StatusRecovery, StatusActive, StatusTerminating, StatusDiskError, StatusAllocError,
}

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusInit:
		return "INIT"
	case StatusRestoring:
		return "RESTORING"
	case StatusRestored:
		return "RESTORED"
	case StatusStandby:
		return "STANDBY"
	case StatusRecovery:
		return "RECOVERY"
	case StatusActive:
		return "ACTIVE"
	case StatusTerminating:
		return "TERMINATING"
	case StatusDiskError:
		return "DISKERROR"
	case StatusAllocError:
		return "ALLOCERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// transitions are the permitted Status transitions.
var transitions = map[Status][]Status{
	StatusClosed:      {StatusInit},
	StatusInit:        {StatusRestoring, StatusActive, StatusStandby, StatusTerminating, StatusAllocError},
	StatusRestoring:   {StatusRestored, StatusDiskError, StatusAllocError, StatusTerminating},
	StatusRestored:    {StatusRecovery, StatusStandby, StatusTerminating},
	StatusStandby:     {StatusRecovery, StatusActive, StatusTerminating},
	StatusRecovery:    {StatusActive, StatusDiskError, StatusAllocError, StatusTerminating},
	StatusActive:      {StatusDiskError, StatusAllocError, StatusTerminating},
	StatusDiskError:   {StatusTerminating},
	StatusAllocError:  {StatusTerminating},
	StatusTerminating: {StatusClosed},
}

// CanTransition returns whether the Status may move to |to|.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Operational returns whether streams may run transactions in the Status.
func (s Status) Operational() bool { return s == StatusActive || s == StatusRecovery }

// Err returns the error with which operations are rejected in the Status,
// or nil if the Status is Operational.
func (s Status) Err() error {
	switch {
	case s.Operational():
		return nil
	case s == StatusDiskError:
		return pb.ErrDiskError
	case s == StatusAllocError:
		return pb.ErrAllocError
	default:
		return errors.WithMessagef(pb.ErrStoreNotAvailable, "store is %s", s)
	}
}
