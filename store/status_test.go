package store

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/msgstore/protocol"
)

func TestStatusTransitions(t *testing.T) {
	var path = []Status{StatusInit, StatusRestoring, StatusRestored, StatusRecovery,
		StatusActive, StatusTerminating, StatusClosed, StatusInit}
	for i := 1; i != len(path); i++ {
		require.True(t, path[i-1].CanTransition(path[i]), "%s => %s", path[i-1], path[i])
	}
	require.False(t, StatusActive.CanTransition(StatusRecovery))
	require.False(t, StatusDiskError.CanTransition(StatusActive))
	require.False(t, StatusClosed.CanTransition(StatusActive))
	require.True(t, StatusStandby.CanTransition(StatusActive))
}

func TestStatusErrors(t *testing.T) {
	require.NoError(t, StatusActive.Err())
	require.NoError(t, StatusRecovery.Err())
	require.Equal(t, pb.ErrDiskError, StatusDiskError.Err())
	require.Equal(t, pb.ErrAllocError, StatusAllocError.Err())
	require.Equal(t, pb.ErrStoreNotAvailable, errors.Cause(StatusStandby.Err()))
	require.EqualError(t, StatusInit.Err(), "store is INIT: store is not available")

	require.Equal(t, "DISKERROR", StatusDiskError.String())
	require.Equal(t, "Status(42)", Status(42).String())
}
