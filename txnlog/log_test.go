package txnlog

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

func TestLogAddCommitAndReset(t *testing.T) {
	var pool = newTestPool(8)
	require.Equal(t, 4, OpsPerChunk(pool))

	var l, err = Open(pool, 6)
	require.NoError(t, err)
	require.Equal(t, 2, l.Chunks())
	require.Equal(t, uint32(6), pool.FreeCount())

	var r = pool.Region()
	require.True(t, r.DataTypeAt(l.Head().Offset).IsPrimary())

	l.SetGenID(7)
	for i := 1; i <= 10; i++ {
		require.NoError(t, l.Add(testOp(i)))
	}
	require.Equal(t, 3, l.Chunks())
	require.Equal(t, 10, l.Len())
	require.Len(t, l.Operations(), 10)
	require.Equal(t, testOp(3), l.Operations()[2])
	require.Equal(t, pb.GenID(7), l.GenID())

	var rec = new(recorder)
	require.NoError(t, l.Commit(rec))
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, rec.applied)
	require.Empty(t, rec.undone)

	// The extra chunk is reclaimed, and the log is reset.
	require.Equal(t, 2, l.Chunks())
	require.Equal(t, uint32(6), pool.FreeCount())
	require.Equal(t, 0, l.Len())
	require.Equal(t, StateActive, l.State())
	require.Equal(t, pb.NullGenID, l.GenID())

	require.Error(t, l.Add(Operation{}))
	require.NoError(t, l.Release())
	require.Equal(t, uint32(8), pool.FreeCount())
}

func TestLogRollbackIsReversed(t *testing.T) {
	var pool = newTestPool(8)
	var l, _ = Open(pool, 1)

	for i := 1; i <= 6; i++ {
		require.NoError(t, l.Add(testOp(i)))
	}
	var rec = new(recorder)
	require.NoError(t, l.Rollback(rec))
	require.Equal(t, []uint64{6, 5, 4, 3, 2, 1}, rec.undone)
	require.Empty(t, rec.applied)
	require.Equal(t, 1, l.Chunks())
	require.Equal(t, 0, l.Len())
}

func TestLogEmptyTransactionIsNoop(t *testing.T) {
	var pool = newTestPool(4)
	var l, _ = Open(pool, 1)
	l.SetGenID(3)

	var rec = new(recorder)
	require.NoError(t, l.Commit(rec))
	require.NoError(t, l.Rollback(rec))
	require.Empty(t, rec.applied)
	require.Empty(t, rec.undone)
	// Affinity isn't touched.
	require.Equal(t, pb.GenID(3), l.GenID())
}

func TestLogRecoveryResumesCommit(t *testing.T) {
	var pool = newTestPool(8)
	var l, _ = Open(pool, 8)

	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Add(testOp(i)))
	}
	// Simulate a crash after two of five operations were applied.
	var rec = new(recorder)
	l.setState(StateCommitting)
	var n int
	require.NoError(t, l.forEach(false, func(off uint64, op Operation) error {
		if n++; n <= 2 {
			require.NoError(t, rec.ApplyOperation(op))
			l.consume(off)
		}
		return nil
	}))
	require.Equal(t, []uint64{1, 2}, rec.applied)

	// Recover from a fresh attachment, as after restart.
	l2, err := Attach(pool, l.Head())
	require.NoError(t, err)
	require.Equal(t, 2, l2.Chunks())

	state, err := l2.Recover(rec)
	require.NoError(t, err)
	require.Equal(t, StateCommitting, state)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, rec.applied)
	require.Equal(t, StateActive, l2.State())
	require.Equal(t, 0, l2.Len())

	// A second recovery is a no-op.
	state, err = l2.Recover(rec)
	require.NoError(t, err)
	require.Equal(t, StateActive, state)
	require.Len(t, rec.applied, 5)
}

func TestLogRecoveryRollsBackOpenTransaction(t *testing.T) {
	var pool = newTestPool(8)
	var l, _ = Open(pool, 1)

	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Add(testOp(i)))
	}
	var l2, err = Attach(pool, l.Head())
	require.NoError(t, err)

	var rec = new(recorder)
	state, err := l2.Recover(rec)
	require.NoError(t, err)
	require.Equal(t, StateRollingBack, state)
	require.Equal(t, []uint64{5, 4, 3, 2, 1}, rec.undone)
}

func TestLogApplyFailureLeavesCommitResumable(t *testing.T) {
	var pool = newTestPool(8)
	var l, _ = Open(pool, 4)

	for i := 1; i <= 4; i++ {
		require.NoError(t, l.Add(testOp(i)))
	}
	var rec = &recorder{failAt: 3}
	require.EqualError(t, l.Commit(rec), "injected failure")
	require.Equal(t, StateCommitting, l.State())
	require.Len(t, l.Operations(), 2)

	rec.failAt = 0
	var state, err = l.Recover(rec)
	require.NoError(t, err)
	require.Equal(t, StateCommitting, state)
	require.Equal(t, []uint64{1, 2, 3, 4}, rec.applied)
}

func TestLogAttachValidation(t *testing.T) {
	var pool = newTestPool(4)
	var h, err = pool.Allocate(granule.TypeRefChunk, 10)
	require.NoError(t, err)

	_, err = Attach(pool, h)
	require.True(t, errors.Cause(err) == pb.ErrCorrupt)
	_, err = Attach(pool, h.Add(3))
	require.True(t, errors.Cause(err) == pb.ErrCorrupt)

	// Exhaustion surfaces as a resource error.
	_, err = Open(pool, 100)
	require.Equal(t, pb.KindResource, pb.KindOf(err))
	require.Equal(t, uint32(3), pool.FreeCount())
}

type recorder struct {
	applied, undone []uint64
	failAt          uint64
}

func (r *recorder) ApplyOperation(op Operation) error {
	if op.Attribute == r.failAt {
		return errors.New("injected failure")
	}
	r.applied = append(r.applied, op.Attribute)
	return nil
}

func (r *recorder) UndoOperation(op Operation) error {
	r.undone = append(r.undone, op.Attribute)
	return nil
}

func testOp(i int) Operation {
	return Operation{
		Type:      OpCreateReference,
		RefState:  uint8(i),
		Handle:    pb.Handle{Gen: 3, Offset: uint64(i * 64)},
		Handle2:   pb.Handle{Gen: pb.MgmtGenID, Offset: 512},
		Attribute: uint64(i),
		State:     uint64(i * 2),
		Value:     uint32(i * 3),
	}
}

func newTestPool(count uint32) *granule.Pool {
	const gs = 256
	var r = granule.NewRegion(make([]byte, granule.PoolHeaderSize+count*gs), nil)
	return granule.FormatPool(r, pb.MgmtGenID, 1, 0,
		granule.Geometry{Offset: granule.PoolHeaderSize, Size: uint64(count * gs), GranuleSize: gs})
}
