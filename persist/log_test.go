package persist

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

func TestLogWriteAndReplay(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var l, err = NewLog(fs, "/store/persist.log")
	require.NoError(t, err)

	var results = make(chan error, 10)
	var done = func(err error) { results <- err }

	l.WriteST(1, 1, []txnlog.Operation{testOp(1), testOp(2)}, done)
	l.WriteST(2, 2, []txnlog.Operation{testOp(3)}, done)
	l.CompleteST(2)
	l.WriteST(1, 3, []txnlog.Operation{testOp(4), testOp(5), testOp(6)}, done)

	for i := 0; i != 3; i++ {
		require.NoError(t, <-results)
	}
	require.NoError(t, l.Close())
	require.NoError(t, l.Close()) // Idempotent.

	// Writes to a closed Log fail.
	l.WriteST(1, 4, nil, done)
	require.Error(t, <-results)

	l, err = NewLog(fs, "/store/persist.log")
	require.NoError(t, err)

	var recs []Record
	require.NoError(t, l.Replay(1, func(r Record) error {
		recs = append(recs, r)
		return nil
	}))
	require.Equal(t, []Record{
		{Stream: 2, Seq: 2, Ops: []txnlog.Operation{testOp(3)}},
		{Stream: 2, Complete: true},
		{Stream: 1, Seq: 3, Ops: []txnlog.Operation{testOp(4), testOp(5), testOp(6)}},
	}, recs)
	require.NoError(t, l.Close())
}

func TestLogTruncatesTornFrame(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var l, err = NewLog(fs, "/persist.log")
	require.NoError(t, err)

	var results = make(chan error, 10)
	l.WriteST(1, 1, []txnlog.Operation{testOp(1)}, func(err error) { results <- err })
	require.NoError(t, <-results)
	require.NoError(t, l.Close())

	// Append a partial frame, as if a write were interrupted.
	var frame = encodeFrame(Record{Stream: 1, Seq: 2, Ops: []txnlog.Operation{testOp(2)}})
	f, err := fs.OpenFile("/persist.log", os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(frame[:len(frame)-3])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = NewLog(fs, "/persist.log")
	require.NoError(t, err)

	var seqs []uint64
	var collect = func(r Record) error {
		seqs = append(seqs, r.Seq)
		return nil
	}
	require.NoError(t, l.Replay(0, collect))
	require.Equal(t, []uint64{1}, seqs)

	// Writes resume after the last whole frame.
	l.WriteST(1, 2, []txnlog.Operation{testOp(2)}, func(err error) { results <- err })
	require.NoError(t, <-results)

	seqs = nil
	require.NoError(t, l.Replay(0, collect))
	require.Equal(t, []uint64{1, 2}, seqs)
	require.NoError(t, l.Close())
}

func TestNopCompletesImmediately(t *testing.T) {
	var called bool
	Nop{}.WriteST(1, 1, nil, func(err error) {
		require.NoError(t, err)
		called = true
	})
	require.True(t, called)
	require.NoError(t, Nop{}.Replay(0, nil))
}

func testOp(i int) txnlog.Operation {
	return txnlog.Operation{
		Type:      txnlog.OpCreateRecord,
		DataType:  granule.DataType(0x100),
		Handle:    pb.Handle{Gen: 2, Offset: uint64(i) * 256},
		Attribute: uint64(i),
		Value:     uint32(i),
	}
}
