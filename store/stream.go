package store

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/generation"
	"go.gazette.dev/msgstore/granule"
	"go.gazette.dev/msgstore/ha"
	"go.gazette.dev/msgstore/jobs"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/refchain"
	"go.gazette.dev/msgstore/txnlog"
)

// Stream is a session of store transactions. Each Stream holds a
// transaction log in the management generation, and while it has a
// transaction in flight (or is marked active) it's bound to a data
// generation, into which its data records and references are written.
// A Stream is not safe for concurrent use.
type Stream struct {
	e   *Engine
	ID  uint32
	log *txnlog.Log

	// Fields guarded by Engine.mu.
	channel ha.Channel
	pending int

	active   bool
	inTxn    bool
	myGen    pb.GenID
	pool0    *granule.Pool
	cache    []uint64
	reserved bool
	closed   bool
}

// OpenStream opens a Stream, reserving transaction log chunks for it.
func (e *Engine) OpenStream() (*Stream, error) {
	if err := e.operationalOrStandby(); err != nil {
		return nil, err
	}
	var l, err = txnlog.Open(e.gens.Mgmt().Pools[1], e.cfg.StoreTransRsrvOps)
	if err != nil {
		return nil, errors.WithMessage(err, "opening stream transaction log")
	}

	e.mu.Lock()
	e.nextStream++
	var s = &Stream{e: e, ID: e.nextStream, log: l}
	e.streams[s.ID] = s
	var local = e.haLocal
	e.mu.Unlock()

	if !local {
		if ch, err := e.ha.OpenChannel(s.ID); err != nil {
			e.goLocal(err)
		} else {
			e.mu.Lock()
			s.channel = ch
			e.mu.Unlock()
		}
	}
	streamsGauge.Inc()
	log.WithFields(log.Fields{"stream": s.ID, "head": l.Head()}).Debug("opened stream")
	return s, nil
}

// CloseStream closes Stream |s|, which may not be bound to a generation.
// Its transaction log is released once outstanding persistence writes of
// the Stream complete.
func (e *Engine) CloseStream(s *Stream) error {
	if s.closed {
		return errors.WithMessagef(pb.ErrStreamClosed, "stream %d", s.ID)
	} else if s.inTxn || s.log.Len() != 0 {
		return errors.WithMessagef(pb.ErrStoreTransActive, "stream %d has a transaction in progress", s.ID)
	}

	e.mu.Lock()
	if s.myGen != pb.NullGenID {
		e.mu.Unlock()
		return errors.WithMessagef(pb.ErrStoreTransActive, "stream %d is bound to generation %s", s.ID, s.myGen)
	}
	s.closed = true
	delete(e.streams, s.ID)
	var ch = s.channel
	s.channel = nil
	var deferred = s.pending != 0
	if deferred {
		e.dead = append(e.dead, s)
	}
	e.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	streamsGauge.Dec()

	if !deferred {
		s.release()
	}
	return nil
}

// release frees the transaction log of a closed Stream.
func (s *Stream) release() {
	if err := s.log.Release(); err != nil {
		log.WithFields(log.Fields{"stream": s.ID, "err": err}).Error("failed to release stream transaction log")
	}
	s.e.persist.CompleteST(s.ID)
	log.WithField("stream", s.ID).Debug("released stream")
}

// GenID returns the data generation to which the Stream is bound, or
// NullGenID.
func (s *Stream) GenID() pb.GenID {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.myGen
}

// SetActivity marks the Stream as active or inactive. Activation blocks
// until a generation is ACTIVE and the store is unlocked, and binds the
// Stream to the ACTIVE generation. Deactivation releases the binding once
// any transaction in flight completes.
func (s *Stream) SetActivity(ctx context.Context, active bool) error {
	if s.closed {
		return errors.WithMessagef(pb.ErrStreamClosed, "stream %d", s.ID)
	}
	var e = s.e

	if !active {
		e.mu.Lock()
		s.active = false
		if !s.inTxn && s.myGen != pb.NullGenID {
			s.unbindLocked()
		}
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s.active = true
	if s.myGen != pb.NullGenID && !s.inTxn && s.staleLocked() {
		s.unbindLocked()
	}
	if s.myGen != pb.NullGenID {
		return nil
	}
	return s.bindLocked(ctx, true)
}

// staleLocked returns whether the Stream's bound generation is no longer
// the ACTIVE one. e.mu must be held.
func (s *Stream) staleLocked() bool {
	var g, ok = s.e.gens.Active()
	return !ok || g.ID() != s.myGen
}

// bindLocked binds the Stream to the ACTIVE generation. If |wait|, it
// blocks until a generation is ACTIVE and the store is unlocked, or |ctx|
// is done. e.mu must be held.
func (s *Stream) bindLocked(ctx context.Context, wait bool) error {
	var e = s.e

	if wait {
		var stop = context.AfterFunc(ctx, func() {
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		defer stop()
	}

	for {
		if err := e.status.Err(); err != nil {
			return err
		}
		var g, ok = e.gens.Active()
		if ok && !e.locked {
			s.myGen, s.pool0 = g.ID(), g.Pools[0]
			e.bound[s.myGen]++
			return nil
		} else if !wait && e.locked {
			return errors.WithMessage(pb.ErrStoreBusy, "store is locked")
		} else if !wait {
			return pb.ErrNoActiveGen
		} else if err := ctx.Err(); err != nil {
			return errors.WithMessage(pb.ErrStoreBusy, err.Error())
		}
		e.cond.Wait()
	}
}

// unbindLocked releases the Stream's generation binding, returning its
// granule cache. If the generation is no longer ACTIVE and this was its last
// binding, its write is scheduled. e.mu must be held.
func (s *Stream) unbindLocked() {
	var e, id = s.e, s.myGen

	if len(s.cache) != 0 {
		s.pool0.Give(s.cache)
		s.cache = nil
	}
	s.reserved = false
	s.myGen, s.pool0 = pb.NullGenID, nil

	if e.bound[id]--; e.bound[id] <= 0 {
		delete(e.bound, id)
		if g, ok := e.gens.Lookup(id); ok && g.State() != generation.StateActive {
			e.queue.Submit(jobs.Job{Type: jobs.WriteGeneration, GenID: id})
		}
	}
	e.cond.Broadcast()
}

// prepare readies the Stream for an operation of a transaction, beginning
// a transaction (and binding the Stream) if none is in flight.
func (s *Stream) prepare() error {
	if s.closed {
		return errors.WithMessagef(pb.ErrStreamClosed, "stream %d", s.ID)
	}
	var e = s.e

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.status.Err(); err != nil {
		return err
	} else if s.inTxn {
		return nil
	} else if e.locked {
		return errors.WithMessage(pb.ErrStoreBusy, "store is locked")
	}
	if s.myGen != pb.NullGenID && s.staleLocked() {
		s.unbindLocked()
	}
	if s.myGen == pb.NullGenID {
		if err := s.bindLocked(context.Background(), false); err != nil {
			return err
		}
	}
	s.inTxn = true
	e.inflight++
	s.log.SetGenID(s.myGen)
	return nil
}

// endTxn completes the Stream's transaction in flight, releasing its
// binding unless the Stream is active and its generation is current.
func (s *Stream) endTxn() {
	var e = s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if !s.inTxn {
		return
	}
	s.inTxn = false
	e.inflight--

	if s.myGen != pb.NullGenID && (!s.active || e.locked || s.staleLocked()) {
		s.unbindLocked()
	}
	e.cond.Broadcast()
}

// endEmptyTxn completes a transaction having no operations. The Stream's
// generation binding is left as-is, and is re-evaluated by its next
// transaction or its close.
func (s *Stream) endEmptyTxn() {
	var e = s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.inTxn {
		s.inTxn = false
		e.inflight--
		e.cond.Broadcast()
	}
}

// StartTransaction begins a transaction of the Stream, binding it to the
// ACTIVE generation. It returns true if a transaction was already in
// progress.
func (s *Stream) StartTransaction() (bool, error) {
	if s.inTxn {
		return true, nil
	}
	return false, s.prepare()
}

// CancelTransaction rolls back the transaction in progress, and releases
// any reservation.
func (s *Stream) CancelTransaction() error {
	var err = s.Rollback()
	s.CancelReservation()
	return err
}

// StreamOpsCount returns the number of Operations logged by the
// transaction in progress.
func (s *Stream) StreamOpsCount() int { return len(s.log.Operations()) }

// ReserveResources reserves granules and transaction log capacity for a
// batch of records and references, which must precede other operations of
// the transaction. If the bound generation cannot accommodate the batch,
// its close is requested and ErrGenerationFull is returned.
func (s *Stream) ReserveResources(r pb.Reservation) error {
	if s.log.Len() != 0 {
		return errors.WithMessage(pb.ErrArgNotValid, "reservation must precede other operations")
	} else if err := s.prepare(); err != nil {
		return err
	}
	var g, _, _, err = s.e.generation(s.myGen)
	if err != nil {
		return err
	}
	var p0, p1 = g.Pools[0], g.Pools[1]
	var need0, need1 uint32

	if r.RecordsCount != 0 {
		var per = uint32(r.DataLength / uint64(r.RecordsCount))
		if per <= p0.DataSize() {
			need0 = r.RecordsCount
		} else {
			need1 = uint32(r.DataLength/uint64(p1.DataSize())) + r.RecordsCount
		}
	}
	if r.RefsCount != 0 {
		need1 += r.RefsCount/uint32(refchain.RefsPerChunk(p1.DataSize())) + 1
	}
	if p0.FreeCount() < need0 || p1.FreeCount() < need1 {
		s.e.requestClose(s.myGen)
		return errors.WithMessagef(pb.ErrGenerationFull,
			"generation %s cannot reserve %d+%d granules", s.myGen, need0, need1)
	}
	if err = s.log.EnsureAllocation(int(r.RecordsCount) + int(r.RefsCount)); err != nil {
		return err
	}
	s.cache = append(s.cache, p0.Take(int(need0))...)
	s.reserved = true
	return nil
}

// CancelReservation returns granules reserved by ReserveResources.
func (s *Stream) CancelReservation() {
	if !s.reserved {
		return
	}
	if len(s.cache) != 0 {
		s.pool0.Give(s.cache)
		s.cache = nil
	}
	s.reserved = false
}

// Commit the transaction in progress, blocking until it's durable.
func (s *Stream) Commit(ctx context.Context) error {
	var done = make(chan error, 1)
	if err := s.AsyncCommit(func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncCommit commits the transaction in progress. Its effects are
// immediately visible, and |cb| is invoked once it's durable.
func (s *Stream) AsyncCommit(cb func(error)) error {
	if s.closed {
		return errors.WithMessagef(pb.ErrStreamClosed, "stream %d", s.ID)
	}
	var e = s.e

	if s.log.Len() == 0 {
		s.endEmptyTxn()
		if cb != nil {
			cb(nil)
		}
		return nil
	}
	var ops = s.log.Operations()

	if err := s.log.Commit(applier{e}); err != nil {
		transactionsTotal.WithLabelValues("failed").Inc()
		return err
	}
	var seq = e.nextSeq()

	e.mu.Lock()
	s.pending++
	var ch = s.channel
	var local = e.haLocal
	var first = !e.haveData
	e.haveData = true
	e.mu.Unlock()

	if first {
		e.gens.Mgmt().UpdateHeader(func(h *generation.Header) { h.HaveData = true })
	}
	e.persist.WriteST(s.ID, seq, ops, func(err error) {
		e.mu.Lock()
		s.pending--
		e.mu.Unlock()

		if err != nil {
			log.WithFields(log.Fields{"stream": s.ID, "seq": seq, "err": err}).Warn("failed to persist store transaction")
		}
		if cb != nil {
			cb(err)
		}
	})
	if !local && ch != nil {
		if err := ch.SendST(seq, ops); err != nil {
			e.goLocal(err)
		}
	}
	s.CancelReservation()
	s.endTxn()

	transactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Rollback the transaction in progress.
func (s *Stream) Rollback() error {
	if s.closed {
		return errors.WithMessagef(pb.ErrStreamClosed, "stream %d", s.ID)
	}
	if s.log.Len() == 0 {
		s.CancelReservation()
		s.endEmptyTxn()
		return nil
	}
	if err := s.log.Rollback(applier{s.e}); err != nil {
		transactionsTotal.WithLabelValues("failed").Inc()
		return err
	}
	transactionsTotal.WithLabelValues("rolled_back").Inc()

	s.CancelReservation()
	s.endTxn()
	return nil
}

// add logs |op| to the Stream's transaction.
func (s *Stream) add(op txnlog.Operation) error {
	return s.log.Add(op)
}

// nextSeq returns the next persistence sequence, recording it in the
// management header.
func (e *Engine) nextSeq() uint64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	e.seq++
	var seq = e.seq
	e.gens.Mgmt().UpdateHeader(func(h *generation.Header) { h.PersistSeq = seq })
	return seq
}

// operationalOrStandby returns an error unless the store is ACTIVE,
// in RECOVERY, or a STANDBY.
func (e *Engine) operationalOrStandby() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusStandby {
		return nil
	}
	return e.status.Err()
}
