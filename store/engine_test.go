package store

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.gazette.dev/msgstore/disk"
	"go.gazette.dev/msgstore/generation"
	"go.gazette.dev/msgstore/granule"
	"go.gazette.dev/msgstore/jobs"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/refchain"
	gc "gopkg.in/check.v1"
)

type EngineSuite struct {
	mem *HeapMemory
	fs  afero.Fs
	e   *Engine
}

func (s *EngineSuite) SetUpTest(c *gc.C) {
	s.mem, s.fs = NewHeapMemory(), afero.NewMemMapFs()
	s.e = s.start(c)
	c.Assert(s.e.Status(), gc.Equals, StatusActive)
}

func (s *EngineSuite) TearDownTest(c *gc.C) {
	c.Check(s.e.Term(), gc.IsNil)
}

func (s *EngineSuite) start(c *gc.C) *Engine { return s.startWith(c, testConfig()) }

func (s *EngineSuite) startWith(c *gc.C, cfg Config) *Engine {
	var d, err = disk.NewWithFs(s.fs, disk.StoreQueryArgs{Codec: "none", Workers: 2})
	c.Assert(err, gc.IsNil)

	e, err := New(cfg, Deps{Memory: s.mem, Disk: d})
	c.Assert(err, gc.IsNil)
	c.Assert(e.Start(context.Background()), gc.IsNil)
	return e
}

// restart terminates the Engine and starts another over the same memory
// and disk, completing its recovery.
func (s *EngineSuite) restart(c *gc.C) {
	c.Assert(s.e.Term(), gc.IsNil)
	s.e = s.start(c)
	c.Assert(s.e.Status(), gc.Equals, StatusRecovery)
	c.Assert(s.e.RecoveryCompleted(), gc.IsNil)
	c.Assert(s.e.Status(), gc.Equals, StatusActive)
}

func (s *EngineSuite) openStream(c *gc.C) *Stream {
	var st, err = s.e.OpenStream()
	c.Assert(err, gc.IsNil)
	return st
}

func (s *EngineSuite) commitRecord(c *gc.C, st *Stream, typ pb.RecordType, data []byte) pb.Handle {
	var h, err = st.CreateRecord(pb.Record{Type: typ, Frags: [][]byte{data}, Attribute: 7})
	c.Assert(err, gc.IsNil)
	c.Assert(st.Commit(context.Background()), gc.IsNil)
	return h
}

func (s *EngineSuite) TestCommitAndRollback(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()

	var h, err = st.CreateRecord(pb.Record{
		Type:      pb.RecordMsg,
		Frags:     [][]byte{[]byte("hello, "), []byte("world")},
		Attribute: 42,
		State:     3,
	})
	c.Assert(err, gc.IsNil)
	c.Check(h.Gen, gc.Equals, s.e.ActiveGenID())
	c.Check(st.StreamOpsCount(), gc.Equals, 1)

	// Not visible until committed.
	_, err = s.e.ReadRecord(h)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrNotFound)

	c.Assert(st.Commit(ctx), gc.IsNil)
	c.Check(st.StreamOpsCount(), gc.Equals, 0)

	rec, err := s.e.ReadRecord(h)
	c.Assert(err, gc.IsNil)
	c.Check(rec.Type, gc.Equals, pb.RecordMsg)
	c.Check(string(rec.Data()), gc.Equals, "hello, world")
	c.Check(rec.Attribute, gc.Equals, uint64(42))
	c.Check(rec.State, gc.Equals, uint64(3))

	// A record larger than a small granule is chained in the large pool.
	var large = bytes.Repeat([]byte("0123456789"), 300)
	var hl = s.commitRecord(c, st, pb.RecordProp, large)
	rec, err = s.e.ReadRecord(hl)
	c.Assert(err, gc.IsNil)
	c.Check(rec.Data(), gc.DeepEquals, large)

	// Rolled-back records are released, and their granules returned.
	var g, _ = s.e.gens.Lookup(h.Gen)
	var free0, free1 = g.Pools[0].FreeCount(), g.Pools[1].FreeCount()

	h2, err := st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("discarded")}})
	c.Assert(err, gc.IsNil)
	h3, err := st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{large}})
	c.Assert(err, gc.IsNil)
	c.Assert(st.Rollback(), gc.IsNil)

	_, err = s.e.ReadRecord(h2)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStaleHandle)
	_, err = s.e.ReadRecord(h3)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStaleHandle)
	c.Check(g.Pools[0].FreeCount(), gc.Equals, free0)
	c.Check(g.Pools[1].FreeCount(), gc.Equals, free1)

	// Committed records remain.
	_, err = s.e.ReadRecord(h)
	c.Check(err, gc.IsNil)
	c.Check(s.e.CloseStream(st), gc.IsNil)
}

func (s *EngineSuite) TestUpdateAndDeleteRecords(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()
	var h = s.commitRecord(c, st, pb.RecordMsg, []byte("content"))

	c.Assert(st.UpdateRecord(h, 100, 0, UpdateFlags{SetAttribute: true}), gc.IsNil)
	c.Assert(st.Commit(ctx), gc.IsNil)
	c.Assert(st.UpdateRecord(h, 0, 9, UpdateFlags{SetState: true}), gc.IsNil)
	c.Assert(st.Commit(ctx), gc.IsNil)

	var rec, err = s.e.ReadRecord(h)
	c.Assert(err, gc.IsNil)
	c.Check(rec.Attribute, gc.Equals, uint64(100))
	c.Check(rec.State, gc.Equals, uint64(9))

	// An update selecting no field is rejected.
	c.Check(errors.Cause(st.UpdateRecord(h, 1, 1, UpdateFlags{})), gc.Equals, pb.ErrArgNotValid)

	// A rolled-back update has no effect.
	c.Assert(st.UpdateRecord(h, 555, 555, UpdateFlags{SetAttribute: true, SetState: true}), gc.IsNil)
	c.Assert(st.Rollback(), gc.IsNil)
	rec, _ = s.e.ReadRecord(h)
	c.Check(rec.Attribute, gc.Equals, uint64(100))

	c.Assert(st.DeleteRecord(h), gc.IsNil)
	// Deletion applies at commit.
	_, err = s.e.ReadRecord(h)
	c.Check(err, gc.IsNil)
	c.Assert(st.Commit(ctx), gc.IsNil)
	_, err = s.e.ReadRecord(h)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStaleHandle)

	c.Check(errors.Cause(st.DeleteRecord(h)), gc.Equals, pb.ErrStaleHandle)
	c.Check(errors.Cause(st.DeleteRecord(pb.NullHandle)), gc.Equals, pb.ErrArgNotValid)
}

func (s *EngineSuite) TestOwnersAndIteration(c *gc.C) {
	var st = s.openStream(c)

	var q1 = s.commitRecord(c, st, pb.RecordQueue, []byte("queue-one"))
	var big = bytes.Repeat([]byte("t"), 2000)
	var t1 = s.commitRecord(c, st, pb.RecordTopic, big)
	c.Check(q1.Gen, gc.Equals, pb.MgmtGenID)
	c.Check(t1.Gen, gc.Equals, pb.MgmtGenID)

	var rec, err = s.e.ReadRecord(t1)
	c.Assert(err, gc.IsNil)
	c.Check(rec.Data(), gc.DeepEquals, big)

	// Owners are iterated in offset order.
	var seen []pb.Handle
	for after := pb.NullHandle; ; {
		var h, rec, err = s.e.NextOwner(after)
		if err == io.EOF {
			break
		}
		c.Assert(err, gc.IsNil)
		c.Check(rec.Type.IsOwner(), gc.Equals, true)
		seen, after = append(seen, h), h
	}
	c.Check(seen, gc.DeepEquals, []pb.Handle{q1, t1})

	var m1 = s.commitRecord(c, st, pb.RecordMsg, []byte("m1"))
	var p1 = s.commitRecord(c, st, pb.RecordProp, []byte("p1"))
	var m2 = s.commitRecord(c, st, pb.RecordMsg, []byte("m2"))

	var id, _ = s.e.NextGenID(pb.NullGenID)
	c.Check(id, gc.Equals, m1.Gen)

	seen = nil
	for after := pb.NullHandle; ; {
		var h, _, err = s.e.NextRecordForType(id, pb.RecordMsg, after)
		if err == io.EOF {
			break
		}
		c.Assert(err, gc.IsNil)
		seen, after = append(seen, h), h
	}
	c.Check(seen, gc.HasLen, 2)
	c.Check(seen[0] == m1 || seen[1] == m1, gc.Equals, true)
	c.Check(seen[0] == m2 || seen[1] == m2, gc.Equals, true)

	var h, _, _ = s.e.NextRecordForType(id, pb.RecordProp, pb.NullHandle)
	c.Check(h, gc.Equals, p1)

	_, err = s.e.NextGenID(pb.GenID(9999))
	c.Check(errors.Cause(err), gc.Equals, pb.ErrArgNotValid)
}

func (s *EngineSuite) TestReferencesAndPruning(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()

	var owner = s.commitRecord(c, st, pb.RecordQueue, []byte("queue"))
	var msg = s.commitRecord(c, st, pb.RecordMsg, []byte("message"))

	var rc, err = s.e.OpenReferenceContext(owner)
	c.Assert(err, gc.IsNil)
	defer s.e.CloseReferenceContext(rc)

	for _, oid := range []uint64{10, 11, 12} {
		_, err = st.CreateReference(rc, pb.Reference{OrderID: oid, RefHandle: msg, Value: uint32(oid)}, 0)
		c.Assert(err, gc.IsNil)
	}
	c.Assert(st.Commit(ctx), gc.IsNil)

	var ref pb.Reference
	ref, err = s.e.NextReference(rc, 0)
	c.Assert(err, gc.IsNil)
	c.Check(ref.OrderID, gc.Equals, uint64(10))
	c.Check(ref.RefHandle, gc.Equals, msg)

	c.Assert(st.UpdateReferenceCommit(ctx, rc, 11, 5, 99), gc.IsNil)
	ref, err = s.e.NextReference(rc, 10)
	c.Assert(err, gc.IsNil)
	c.Check(ref.OrderID, gc.Equals, uint64(11))
	c.Check(ref.State, gc.Equals, uint8(5))
	c.Check(ref.Value, gc.Equals, uint32(99))

	c.Assert(st.DeleteReferenceCommit(ctx, rc, 12), gc.IsNil)
	_, err = s.e.NextReference(rc, 11)
	c.Check(err, gc.Equals, io.EOF)

	// Order IDs below the minimum active are pruned.
	c.Assert(s.e.PruneReferences(rc, 11), gc.IsNil)
	c.Check(errors.Cause(st.UpdateReference(rc, 10, 1, 1)), gc.Equals, pb.ErrOrderIDPruned)
	c.Assert(st.Rollback(), gc.IsNil)

	ref, err = s.e.NextReference(rc, 0)
	c.Assert(err, gc.IsNil)
	c.Check(ref.OrderID, gc.Equals, uint64(11))

	var stats = s.e.ReferenceStatistics(rc)
	c.Check(stats.MinimumActiveOrderID, gc.Equals, uint64(11))
	c.Check(stats.HighestOrderID, gc.Equals, uint64(12))
	c.Check(stats.LowestGenID, gc.Equals, msg.Gen)

	// Reserved order IDs are rejected.
	_, err = st.CreateReference(rc, pb.Reference{OrderID: 0, RefHandle: msg}, 0)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrArgNotValid)
}

func (s *EngineSuite) TestStates(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()
	var owner = s.commitRecord(c, st, pb.RecordSubsc, []byte("subscription"))

	var sc, err = s.e.OpenStateContext(owner)
	c.Assert(err, gc.IsNil)
	defer s.e.CloseStateContext(sc)

	h1, err := st.CreateState(sc, 1)
	c.Assert(err, gc.IsNil)
	h2, err := st.CreateState(sc, 2)
	c.Assert(err, gc.IsNil)
	c.Assert(st.Commit(ctx), gc.IsNil)

	// A rolled-back state is released.
	_, err = st.CreateState(sc, 3)
	c.Assert(err, gc.IsNil)
	c.Assert(st.Rollback(), gc.IsNil)

	var values []uint32
	for after := pb.NullHandle; ; {
		var h, obj, err = s.e.NextState(sc, after)
		if err == io.EOF {
			break
		}
		c.Assert(err, gc.IsNil)
		values, after = append(values, obj.Value), h
	}
	c.Check(values, gc.DeepEquals, []uint32{1, 2})

	c.Assert(st.DeleteState(sc, h1), gc.IsNil)
	c.Assert(st.Commit(ctx), gc.IsNil)

	var h, obj, _ = s.e.NextState(sc, pb.NullHandle)
	c.Check(h, gc.Equals, h2)
	c.Check(obj.Value, gc.Equals, uint32(2))
}

func (s *EngineSuite) TestDeletedOwnerInvalidatesContexts(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()
	var owner = s.commitRecord(c, st, pb.RecordClient, []byte("client"))
	var msg = s.commitRecord(c, st, pb.RecordMsg, []byte("message"))

	var rc, err = s.e.OpenReferenceContext(owner)
	c.Assert(err, gc.IsNil)
	_, err = st.CreateReferenceCommit(ctx, rc, pb.Reference{OrderID: 1, RefHandle: msg}, 0)
	c.Assert(err, gc.IsNil)

	c.Assert(st.DeleteRecord(owner), gc.IsNil)
	c.Assert(st.Commit(ctx), gc.IsNil)

	_, err = st.CreateReference(rc, pb.Reference{OrderID: 2, RefHandle: msg}, 0)
	c.Check(pb.KindOf(err), gc.Equals, pb.KindArgument)
	_, err = s.e.OpenReferenceContext(owner)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStaleHandle)

	// Owner bytes are no longer counted.
	c.Check(s.e.Statistics().MemStats.ClientStatesBytes, gc.Equals, uint64(0))
}

func (s *EngineSuite) TestGenerationRotation(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()

	c.Assert(st.SetActivity(ctx, true), gc.IsNil)
	var first = st.GenID()
	c.Check(first, gc.Equals, s.e.ActiveGenID())

	var h = s.commitRecord(c, st, pb.RecordMsg, []byte("first generation"))
	c.Check(h.Gen, gc.Equals, first)

	c.Assert(s.e.HandleJob(jobs.Job{Type: jobs.ActivateGeneration, GenID: first, Arg: 1}), gc.IsNil)
	var second = s.e.ActiveGenID()
	c.Check(second, gc.Not(gc.Equals), first)

	// The active Stream holds |first| until its next transaction.
	var g, _ = s.e.gens.Lookup(first)
	c.Check(g.State(), gc.Equals, generation.StateClosePending)

	var h2 = s.commitRecord(c, st, pb.RecordMsg, []byte("second generation"))
	c.Check(h2.Gen, gc.Equals, second)
	c.Check(st.GenID(), gc.Equals, second)

	// Once released, |first| is written to disk, and remains readable.
	waitFor(c, func() bool { return g.State() == generation.StateWriteCompleted })
	var rec, err = s.e.ReadRecord(h)
	c.Assert(err, gc.IsNil)
	c.Check(string(rec.Data()), gc.Equals, "first generation")

	// The next rotation recycles the slot of |first|, which is then read
	// from its disk image.
	c.Assert(s.e.HandleJob(jobs.Job{Type: jobs.ActivateGeneration, GenID: second, Arg: 1}), gc.IsNil)
	c.Check(s.e.ActiveGenID(), gc.Not(gc.Equals), second)

	waitFor(c, func() bool {
		var _, ok = s.e.gens.Lookup(first)
		return !ok
	})
	rec, err = s.e.ReadRecord(h)
	c.Assert(err, gc.IsNil)
	c.Check(string(rec.Data()), gc.Equals, "first generation")

	// A record deleted from a disk-resident generation is no longer live,
	// and the emptied generation is reclaimed.
	c.Assert(st.DeleteRecord(h), gc.IsNil)
	c.Assert(st.Commit(ctx), gc.IsNil)
	_, err = s.e.ReadRecord(h)
	c.Check(pb.KindOf(err), gc.Equals, pb.KindArgument)

	waitFor(c, func() bool {
		var id, _ = s.e.NextGenID(pb.NullGenID)
		return id == second
	})
	var infos = s.e.Generations()
	c.Assert(infos, gc.HasLen, 2)
	c.Check(infos[0].ID, gc.Equals, second)
	c.Check(infos[1].State, gc.Equals, generation.StateActive)

	c.Check(st.SetActivity(ctx, false), gc.IsNil)
	c.Check(s.e.CloseStream(st), gc.IsNil)
}

func (s *EngineSuite) TestEmptyTransactionsKeepBinding(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()
	var active = s.e.ActiveGenID()

	var already, err = st.StartTransaction()
	c.Assert(err, gc.IsNil)
	c.Check(already, gc.Equals, false)
	c.Check(st.GenID(), gc.Equals, active)

	// Neither an empty commit nor an empty rollback releases the binding.
	c.Assert(st.Commit(ctx), gc.IsNil)
	c.Check(st.GenID(), gc.Equals, active)
	c.Assert(st.Rollback(), gc.IsNil)
	c.Check(st.GenID(), gc.Equals, active)

	// The empty transaction is no longer in flight.
	var lockCtx, cancel = context.WithTimeout(ctx, time.Second)
	defer cancel()
	c.Assert(s.e.LockStore(lockCtx), gc.IsNil)
	s.e.UnlockStore()

	// A transaction with operations ends the binding of an inactive Stream.
	s.commitRecord(c, st, pb.RecordMsg, []byte("bound"))
	c.Check(st.GenID(), gc.Equals, pb.NullGenID)
	c.Check(s.e.CloseStream(st), gc.IsNil)
}

func (s *EngineSuite) TestCloseStreamWithTransaction(c *gc.C) {
	var st = s.openStream(c)

	var _, err = st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("pending")}})
	c.Assert(err, gc.IsNil)

	inProgress, err := st.StartTransaction()
	c.Check(err, gc.IsNil)
	c.Check(inProgress, gc.Equals, true)

	c.Check(errors.Cause(s.e.CloseStream(st)), gc.Equals, pb.ErrStoreTransActive)
	c.Assert(st.CancelTransaction(), gc.IsNil)
	c.Check(s.e.CloseStream(st), gc.IsNil)
	c.Check(errors.Cause(s.e.CloseStream(st)), gc.Equals, pb.ErrStreamClosed)

	_, err = st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("closed")}})
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStreamClosed)
}

func (s *EngineSuite) TestLockStore(c *gc.C) {
	var st = s.openStream(c)
	var _, err = st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("in flight")}})
	c.Assert(err, gc.IsNil)

	// A transaction in flight prevents locking.
	var ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Check(errors.Cause(s.e.LockStore(ctx)), gc.Equals, pb.ErrStoreBusy)

	// Commits complete the wait.
	var done = make(chan error, 1)
	go func() { done <- s.e.LockStore(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	c.Assert(st.Commit(context.Background()), gc.IsNil)
	c.Assert(<-done, gc.IsNil)

	// Transactions may not begin while locked.
	_, err = st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("locked")}})
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStoreBusy)
	c.Check(errors.Cause(s.e.LockStore(context.Background())), gc.Equals, pb.ErrStoreBusy)

	s.e.UnlockStore()
	_, err = st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("unlocked")}})
	c.Check(err, gc.IsNil)
	c.Check(st.Commit(context.Background()), gc.IsNil)
}

func (s *EngineSuite) TestReserveResources(c *gc.C) {
	var st = s.openStream(c)

	c.Assert(st.ReserveResources(pb.Reservation{DataLength: 400, RecordsCount: 4, RefsCount: 4}), gc.IsNil)
	c.Check(st.cache, gc.HasLen, 4)

	var g, _ = s.e.gens.Active()
	var free = g.Pools[0].FreeCount()

	for i := 0; i != 4; i++ {
		var _, err = st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("reserved")}})
		c.Assert(err, gc.IsNil)
	}
	// Reserved granules are used before the pool's free list.
	c.Check(g.Pools[0].FreeCount(), gc.Equals, free)
	c.Check(st.cache, gc.HasLen, 0)

	// A reservation must precede other operations.
	c.Check(errors.Cause(st.ReserveResources(pb.Reservation{RecordsCount: 1, DataLength: 1})),
		gc.Equals, pb.ErrArgNotValid)
	c.Assert(st.Commit(context.Background()), gc.IsNil)

	// A reservation exceeding the generation requests its close.
	var err = st.ReserveResources(pb.Reservation{DataLength: 1 << 30, RecordsCount: 1 << 20})
	c.Check(errors.Cause(err), gc.Equals, pb.ErrGenerationFull)
	c.Assert(st.CancelTransaction(), gc.IsNil)

	waitFor(c, func() bool { return s.e.ActiveGenID() != g.ID() })
}

func (s *EngineSuite) TestRestartRecovers(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()

	var owner = s.commitRecord(c, st, pb.RecordQueue, []byte("durable queue"))
	var msg = s.commitRecord(c, st, pb.RecordMsg, []byte("durable message"))

	var rc, err = s.e.OpenReferenceContext(owner)
	c.Assert(err, gc.IsNil)
	_, err = st.CreateReferenceCommit(ctx, rc, pb.Reference{OrderID: 5, RefHandle: msg, Value: 55}, 0)
	c.Assert(err, gc.IsNil)
	s.e.CloseReferenceContext(rc)

	var before = s.e.Statistics().MemStats.QueuesBytes
	c.Check(before, gc.Not(gc.Equals), uint64(0))

	// A transaction remains in flight at restart.
	lost, err := st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{[]byte("lost")}})
	c.Assert(err, gc.IsNil)
	lostOwner, err := st.CreateRecord(pb.Record{Type: pb.RecordTopic, Frags: [][]byte{bytes.Repeat([]byte("x"), 2000)}})
	c.Assert(err, gc.IsNil)

	var active = s.e.ActiveGenID()
	var sessions = s.e.gens.Mgmt().Header().SessionCount
	s.restart(c)

	c.Check(s.e.ActiveGenID(), gc.Equals, active)
	c.Check(s.e.gens.Mgmt().Header().SessionCount, gc.Equals, sessions+1)

	rec, err := s.e.ReadRecord(msg)
	c.Assert(err, gc.IsNil)
	c.Check(string(rec.Data()), gc.Equals, "durable message")
	rec, err = s.e.ReadRecord(owner)
	c.Assert(err, gc.IsNil)
	c.Check(string(rec.Data()), gc.Equals, "durable queue")

	// The in-flight transaction was rolled back.
	_, err = s.e.ReadRecord(lost)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStaleHandle)
	_, err = s.e.ReadRecord(lostOwner)
	c.Check(errors.Cause(err), gc.Equals, pb.ErrStaleHandle)
	c.Check(s.e.Statistics().MemStats.QueuesBytes, gc.Equals, before)
	c.Check(s.e.Statistics().MemStats.TopicsBytes, gc.Equals, uint64(0))

	// References are rebuilt.
	rc, err = s.e.OpenReferenceContext(owner)
	c.Assert(err, gc.IsNil)
	ref, err := s.e.NextReference(rc, 0)
	c.Assert(err, gc.IsNil)
	c.Check(ref.OrderID, gc.Equals, uint64(5))
	c.Check(ref.Value, gc.Equals, uint32(55))
	s.e.CloseReferenceContext(rc)

	// The store accepts new transactions.
	st = s.openStream(c)
	s.commitRecord(c, st, pb.RecordMsg, []byte("after restart"))
}

func (s *EngineSuite) TestRestartAfterRotation(c *gc.C) {
	var st = s.openStream(c)
	var h = s.commitRecord(c, st, pb.RecordMsg, []byte("rotated"))

	c.Assert(s.e.HandleJob(jobs.Job{Type: jobs.ActivateGeneration, GenID: h.Gen, Arg: 1}), gc.IsNil)
	var g, _ = s.e.gens.Lookup(h.Gen)
	waitFor(c, func() bool { return g.State() == generation.StateWriteCompleted })

	s.restart(c)

	var rec, err = s.e.ReadRecord(h)
	c.Assert(err, gc.IsNil)
	c.Check(string(rec.Data()), gc.Equals, "rotated")

	var id, _ = s.e.NextGenID(pb.NullGenID)
	c.Check(id, gc.Equals, h.Gen)
}

func (s *EngineSuite) TestEventsAndStatistics(c *gc.C) {
	var events = make(chan pb.EventType, 16)
	s.e.RegisterEventCallback(func(ev pb.EventType) { events <- ev })

	var st = s.openStream(c)
	s.commitRecord(c, st, pb.RecordQueue, []byte("queue"))
	waitFor(c, func() bool { return s.e.ids.Len() == 2 })

	var stats = s.e.Statistics()
	c.Check(stats.GenerationsCount, gc.Equals, uint32(3))
	c.Check(stats.StreamsCount, gc.Equals, uint32(1))
	c.Check(stats.ActiveGenID, gc.Equals, s.e.ActiveGenID())
	c.Check(stats.RecoveryCompletionPct, gc.Equals, int8(-1))
	c.Check(stats.HASyncCompletionPct, gc.Equals, int8(-1))
	c.Check(stats.MgmtSmallGranuleSizeBytes, gc.Equals, uint32(256))
	c.Check(stats.MgmtGranuleSizeBytes, gc.Equals, uint32(1024))
	c.Check(stats.MemStats.QueuesBytes, gc.Equals, uint64(256))
	c.Check(stats.MemStats.Pool1RecordsUsedBytes, gc.Equals, uint64(256))
	c.Check(stats.MemStats.Pool1UsedBytes >= 256, gc.Equals, true)
	c.Check(stats.PrimaryLastTime.IsZero(), gc.Equals, false)

	c.Assert(s.e.HandleJob(jobs.Job{Type: jobs.UserEvent, Event: pb.EventDiskAlertOn}), gc.IsNil)
	c.Check(<-events, gc.Equals, pb.EventDiskAlertOn)
}

func (s *EngineSuite) TestPruneOfDiskResidentReferences(c *gc.C) {
	var st = s.openStream(c)
	var ctx = context.Background()

	var owner = s.commitRecord(c, st, pb.RecordQueue, []byte("queue"))
	var msg = s.commitRecord(c, st, pb.RecordMsg, []byte("message"))
	var first = msg.Gen

	var rc, err = s.e.OpenReferenceContext(owner)
	c.Assert(err, gc.IsNil)
	defer s.e.CloseReferenceContext(rc)

	// Order IDs span three reference chunks of |first|.
	var per = uint64(refchain.RefsPerChunk(uint32(testConfig().GranuleSize) - granule.DescriptorSize))
	for oid := uint64(1); oid != 3*per; oid++ {
		_, err = st.CreateReferenceCommit(ctx, rc, pb.Reference{OrderID: oid, RefHandle: msg, Value: uint32(oid)}, 0)
		c.Assert(err, gc.IsNil)
	}

	c.Assert(s.e.HandleJob(jobs.Job{Type: jobs.ActivateGeneration, GenID: first, Arg: 1}), gc.IsNil)
	var second = s.e.ActiveGenID()
	var g, _ = s.e.gens.Lookup(first)
	waitFor(c, func() bool { return g.State() == generation.StateWriteCompleted })

	s.e.mapsMu.Lock()
	var m = s.e.maps[first]
	s.e.mapsMu.Unlock()
	c.Assert(m, gc.NotNil)

	var live = func() uint32 {
		m.Mu.Lock()
		defer m.Mu.Unlock()
		return m.Live()
	}
	var before = live()

	// Only the chunk wholly below the minimum active order ID is released.
	c.Assert(s.e.PruneReferences(rc, per), gc.IsNil)
	c.Check(live(), gc.Equals, before-1)

	// Unmap |first|, and compact its disk image.
	c.Assert(s.e.HandleJob(jobs.Job{Type: jobs.ActivateGeneration, GenID: second, Arg: 1}), gc.IsNil)
	waitFor(c, func() bool {
		var _, ok = s.e.gens.Lookup(first)
		return !ok
	})
	c.Assert(s.e.compactGeneration(first), gc.IsNil)
	waitFor(c, func() bool {
		var b, err = s.e.disk.ReadGeneration(ctx, first)
		return err == nil && generation.ReadHeader(granule.NewRegion(b, nil)).CompactSize != 0
	})
	s.e.images.Remove(first)

	var oids []uint64
	for ref, err := s.e.NextReference(rc, 0); err != io.EOF; ref, err = s.e.NextReference(rc, ref.OrderID) {
		c.Assert(err, gc.IsNil)
		c.Check(ref.Value, gc.Equals, uint32(ref.OrderID))
		oids = append(oids, ref.OrderID)
	}
	c.Assert(oids, gc.HasLen, int(2*per))
	c.Check(oids[0], gc.Equals, per)
	c.Check(oids[len(oids)-1], gc.Equals, 3*per-1)

	rec, err := s.e.ReadRecord(msg)
	c.Assert(err, gc.IsNil)
	c.Check(string(rec.Data()), gc.Equals, "message")
}

func waitFor(c *gc.C, fn func() bool) {
	for i := 0; i != 500; i++ {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatal("condition was not met")
}

func (s *EngineSuite) TestReservedPoolHandshake(c *gc.C) {
	c.Assert(s.e.Term(), gc.IsNil)
	s.mem, s.fs = NewHeapMemory(), afero.NewMemMapFs()

	var cfg = testConfig()
	cfg.RsrvPoolPct = 10
	s.e = s.startWith(c, cfg)

	var mgmt = s.e.gens.Mgmt()
	var before = mgmt.Pools[1].MaxCount()
	c.Check(mgmt.Header().RsrvState, gc.Equals, granule.RsrvUnassigned)

	c.Assert(s.e.HandleJob(jobs.Job{Type: jobs.InitRsrvPool, Arg: 1}), gc.IsNil)
	c.Check(mgmt.Header().RsrvState, gc.Equals, granule.RsrvAttached)
	c.Check(mgmt.Header().RsrvPoolID, gc.Equals, uint8(1))

	var after = mgmt.Pools[1].MaxCount()
	c.Check(after > before, gc.Equals, true)

	// A restarted store re-attaches the reserved segment.
	c.Assert(s.e.Term(), gc.IsNil)
	s.e = s.startWith(c, cfg)
	c.Assert(s.e.Status(), gc.Equals, StatusRecovery)
	c.Assert(s.e.RecoveryCompleted(), gc.IsNil)

	mgmt = s.e.gens.Mgmt()
	c.Check(mgmt.Header().RsrvState, gc.Equals, granule.RsrvAttached)
	c.Check(mgmt.Pools[1].MaxCount(), gc.Equals, after)
}

func (s *EngineSuite) TestReservedPoolHandshakeResumes(c *gc.C) {
	c.Assert(s.e.Term(), gc.IsNil)
	s.mem, s.fs = NewHeapMemory(), afero.NewMemMapFs()

	var cfg = testConfig()
	cfg.RsrvPoolPct = 10
	s.e = s.startWith(c, cfg)

	// The handshake is interrupted before its segment is formatted.
	var mgmt = s.e.gens.Mgmt()
	var before = mgmt.Pools[1].MaxCount()
	var offset = s.e.mgmtLayout.RsrvOffset
	mgmt.UpdateHeader(func(h *generation.Header) {
		h.RsrvState, h.RsrvPoolID, h.RsrvPoolOffset = granule.RsrvSentToStandby, 1, offset
	})

	c.Assert(s.e.Term(), gc.IsNil)
	s.e = s.startWith(c, cfg)
	c.Assert(s.e.RecoveryCompleted(), gc.IsNil)

	mgmt = s.e.gens.Mgmt()
	c.Check(mgmt.Header().RsrvState, gc.Equals, granule.RsrvAttached)
	var after = mgmt.Pools[1].MaxCount()
	c.Check(after > before, gc.Equals, true)

	// Granules of the attached segment survive a further restart.
	var st = s.openStream(c)
	var h = s.commitRecord(c, st, pb.RecordQueue, []byte("queue"))

	c.Assert(s.e.Term(), gc.IsNil)
	s.e = s.startWith(c, cfg)
	c.Assert(s.e.RecoveryCompleted(), gc.IsNil)

	mgmt = s.e.gens.Mgmt()
	c.Check(mgmt.Pools[1].MaxCount(), gc.Equals, after)
	var rec, err = s.e.ReadRecord(h)
	c.Assert(err, gc.IsNil)
	c.Check(string(rec.Data()), gc.Equals, "queue")
}

func testConfig() Config {
	var cfg = DefaultConfig()
	cfg.MemSize = 512 << 10
	cfg.InMemGensCount = 2
	cfg.StoreTransRsrvOps = 16
	cfg.MaintenanceInterval = 10 * time.Millisecond
	return cfg
}

var _ = gc.Suite(&EngineSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
