package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/generation"
	"go.gazette.dev/msgstore/granule"
	"go.gazette.dev/msgstore/jobs"
	"go.gazette.dev/msgstore/persist"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

// recover the store from the management region |buf| of a prior Engine.
//
// Recovery proceeds in phases:
//  * The management generation and its GenID list are attached, and each
//    data slot of the prior Engine is re-mapped and attached.
//  * Disk-resident generations are verified against the disk Backend.
//  * Pool free lists are rebuilt from granule descriptors.
//  * Store transactions interrupted by the restart are resolved: those
//    which were COMMITTING are committed, and all others are rolled back.
//  * Uncommitted records and unreferenced chunks are released.
//  * Reference and state contexts are rebuilt.
//  * Persisted transactions beyond the management header are replayed.
func (e *Engine) recover(ctx context.Context, buf []byte) error {
	e.genMu.Lock()
	defer e.genMu.Unlock()

	e.setStatus(StatusRestoring)
	e.setRecoveryPct(0)

	var mgmt, err = generation.Attach(granule.NewRegion(buf, e.barrier), -1)
	if err == nil && mgmt.ID() != pb.MgmtGenID {
		err = errors.WithMessagef(pb.ErrCorrupt, "management region holds generation %s", mgmt.ID())
	}
	if err != nil {
		e.setStatus(StatusAllocError)
		return errors.WithMessage(err, "attaching management generation")
	}
	e.attachMgmt(mgmt)

	if err = e.resumeRsrvPool(); err != nil {
		e.setStatus(StatusAllocError)
		return errors.WithMessage(err, "attaching reserve pool")
	}
	// Free lists must be rebuilt before the GenIDChunk chain is replaced.
	mgmt.Pools[0].Rebuild()
	mgmt.Pools[1].Rebuild()

	if err = generation.LoadIDs(mgmt, &e.ids); err != nil {
		e.setStatus(StatusAllocError)
		return err
	}
	var dirty = e.attachSlots()

	if err = e.verifyDisk(ctx, &dirty); err != nil {
		e.setStatus(StatusDiskError)
		return err
	}
	if dirty {
		if err = generation.SaveIDs(mgmt, &e.ids); err != nil {
			e.setStatus(StatusAllocError)
			return err
		}
	}
	e.setRecoveryPct(25)

	if err = e.recoverTransactions(); err != nil {
		e.setStatus(StatusAllocError)
		return err
	}
	e.releaseOrphans()
	e.recountOwners()
	e.setRecoveryPct(50)

	if err = e.rebuildContexts(); err != nil {
		e.setStatus(StatusAllocError)
		return err
	}
	e.setRecoveryPct(75)

	var hdr = mgmt.Header()
	e.seq = hdr.PersistSeq

	if err = e.persist.Replay(hdr.PersistSeq, e.replay); err != nil {
		e.setStatus(StatusDiskError)
		return errors.WithMessage(err, "replaying persisted transactions")
	}
	if e.seq != hdr.PersistSeq {
		mgmt.UpdateHeader(func(h *generation.Header) { h.PersistSeq = e.seq })
	}

	if err = e.ensureActive(); err != nil {
		e.setStatus(StatusAllocError)
		return err
	}
	mgmt.UpdateHeader(func(h *generation.Header) {
		h.InMemGensCount = uint8(e.cfg.InMemGensCount)
		h.SessionID = newSessionID()
		h.SessionCount++
		h.Role = e.role()
		if !e.cfg.Standby {
			h.WasPrimary = true
			h.PrimaryTime = primaryTime(true)
		}
	})

	e.mu.Lock()
	e.haveData = mgmt.Header().HaveData
	e.setStatusLocked(StatusRestored)
	if e.cfg.Standby {
		e.recoveryPct = -1
		e.setStatusLocked(StatusStandby)
	} else {
		e.recoveryPct = 100
		e.setStatusLocked(StatusRecovery)
	}
	var writes = len(e.pendingWrites)
	e.mu.Unlock()

	e.queue.Submit(jobs.Job{Type: jobs.CreateGeneration})
	for _, g := range e.gens.Data() {
		if g != nil && g.State() == generation.StateClosePending {
			e.queue.Submit(jobs.Job{Type: jobs.WriteGeneration, GenID: g.ID()})
		}
	}
	log.WithFields(log.Fields{
		"session": mgmt.Header().SessionCount,
		"gens":    e.ids.Len(),
		"writes":  writes,
		"seq":     e.seq,
	}).Info("restored store")

	return nil
}

// RecoveryCompleted informs the Engine that the broker has finished its
// recovery of the store's data. The store moves from RECOVERY to ACTIVE.
func (e *Engine) RecoveryCompleted() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusRecovery {
		return errors.WithMessagef(pb.ErrStoreNotAvailable, "store is %s, not %s", e.status, StatusRecovery)
	}
	e.recoveryPct = -1
	e.setStatusLocked(StatusActive)
	return nil
}

func (e *Engine) setRecoveryPct(pct int8) {
	e.mu.Lock()
	e.recoveryPct = pct
	e.mu.Unlock()
}

// attachSlots re-maps and attaches the in-memory data generations recorded
// by the management header. Slots which can't be attached are dropped, as
// are generations whose content was lost with them. It returns whether the
// GenID list was changed. genMu must be held.
func (e *Engine) attachSlots() (dirty bool) {
	var mgmt = e.gens.Mgmt()
	var hdr = mgmt.Header()

	for i := 0; i != int(hdr.InMemGensCount) && i != len(hdr.InMemGenIDs); i++ {
		var id = hdr.InMemGenIDs[i]
		if id == pb.NullGenID {
			continue
		}
		var g, err = e.attachSlot(i, id)
		if err != nil {
			log.WithFields(log.Fields{"slot": i, "gen": id, "err": err}).Error("dropping in-memory generation")
			mgmt.UpdateHeader(func(h *generation.Header) { h.InMemGenIDs[i] = pb.NullGenID })

			// A written generation remains on disk.
			if e.ids.Contains(id) && !e.onDisk(id) {
				dirty = e.ids.Remove(id) || dirty
			}
			continue
		}
		e.configureDataPools(g)
		for _, p := range g.Pools {
			p.Rebuild()
		}
		e.gens.Put(i, g)

		switch g.State() {
		case generation.StateActive:
			activeGenGauge.Set(float64(id))
		case generation.StateWritePending:
			// The write was in flight, and must be re-attempted.
			g.SetState(generation.StateClosePending)
			fallthrough
		case generation.StateClosePending:
			e.pendingWrites[id] = struct{}{}
		case generation.StateWriteCompleted:
			var m = generation.NewGenMap(g)
			m.CompactReady = true
			if size, err := e.disk.GenerationSize(id); err == nil {
				m.DiskFileSize = size
			}
			e.mapsMu.Lock()
			e.maps[id] = m
			e.mapsMu.Unlock()
		}
	}
	// At most one generation may remain ACTIVE.
	var active, _ = e.gens.Active()
	for _, g := range e.gens.Data() {
		if g != nil && g != active && g.State() == generation.StateActive {
			log.WithField("gen", g.ID()).Warn("closing extra active generation")
			g.SetState(generation.StateClosePending)
			e.pendingWrites[g.ID()] = struct{}{}
		}
	}
	if active != nil {
		mgmt.UpdateHeader(func(h *generation.Header) {
			h.ActiveGenID, h.ActiveGenIndex = active.ID(), uint8(active.Index)
		})
	}
	return dirty
}

func (e *Engine) attachSlot(index int, id pb.GenID) (*generation.Generation, error) {
	if !e.ids.Contains(id) {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "generation %s is not listed", id)
	}
	var buf, existed, err = e.mem.Map(index+1, e.genLayout.MemSize)
	if err != nil {
		return nil, err
	} else if !existed {
		return nil, errors.WithMessagef(pb.ErrNotMapped, "region of slot %d was lost", index)
	}
	g, err := generation.Attach(granule.NewRegion(buf, e.barrier), index)
	if err != nil {
		return nil, err
	} else if g.ID() != id {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "slot %d holds generation %s", index, g.ID())
	}
	return g, nil
}

func (e *Engine) onDisk(id pb.GenID) bool {
	var _, err = e.disk.GenerationSize(id)
	return err == nil
}

// verifyDisk builds GenMaps of listed generations which are not in memory,
// from their disk images. Listed generations which are neither in memory
// nor on disk are removed from the GenID list. genMu must be held.
func (e *Engine) verifyDisk(ctx context.Context, dirty *bool) error {
	var stored, err = e.disk.ListGenerations(ctx)
	if err != nil {
		return errors.WithMessage(err, "listing disk generations")
	}
	var onDisk = make(map[pb.GenID]bool, len(stored))
	for _, id := range stored {
		onDisk[id] = true
	}

	for _, id := range e.ids.IDs() {
		if _, ok := e.gens.Lookup(id); ok {
			continue
		}
		var img *generation.Generation
		if onDisk[id] {
			img, err = e.image(id)
		} else {
			err = errors.WithMessage(pb.ErrNotFound, "no disk image")
		}
		if err != nil {
			log.WithFields(log.Fields{"gen": id, "err": err}).Error("generation was lost")
			e.ids.Remove(id)
			*dirty = true
			continue
		}
		var m = generation.NewGenMap(img)
		m.CompactReady = true
		m.DiskFileSize, _ = e.disk.GenerationSize(id)

		e.mapsMu.Lock()
		e.maps[id] = m
		e.mapsMu.Unlock()
	}
	for _, id := range stored {
		if !e.ids.Contains(id) {
			log.WithField("gen", id).Warn("disk holds an unlisted generation")
		}
	}
	return nil
}

// recoverTransactions resolves every store transaction Log of the
// management generation. Logs of the prior Engine's Streams are released.
func (e *Engine) recoverTransactions() error {
	var p1 = e.gens.Mgmt().Pools[1]
	var heads []pb.Handle

	_ = p1.ForEach(func(off uint64, d granule.Descriptor) error {
		if d.DataType.Base() == granule.TypeStoreTrans && d.DataType.IsPrimary() {
			heads = append(heads, pb.Handle{Gen: pb.MgmtGenID, Offset: off})
		}
		return nil
	})

	var counts = make(map[txnlog.State]int)
	for _, head := range heads {
		var l, err = txnlog.Attach(p1, head)
		if err != nil {
			return errors.WithMessagef(err, "attaching transaction %s", head)
		}
		state, err := l.Recover(applier{e})
		if err != nil {
			return errors.WithMessagef(err, "recovering transaction %s", head)
		} else if err = l.Release(); err != nil {
			return err
		}
		counts[state]++
	}
	log.WithFields(log.Fields{
		"logs":       len(heads),
		"committed":  counts[txnlog.StateCommitting],
		"rolledBack": counts[txnlog.StateRollingBack],
	}).Info("recovered store transactions")
	return nil
}

// releaseOrphans frees granules which no committed structure reaches:
// uncommitted records of writable generations, LargeData chains of no
// committed owner, and GenIDChunks other than the current one.
func (e *Engine) releaseOrphans() {
	var mgmt = e.gens.Mgmt()
	var freed int

	var sweep = func(g *generation.Generation) {
		for _, p := range g.Pools {
			var orphans []pb.Handle
			_ = p.ForEach(func(off uint64, d granule.Descriptor) error {
				if d.DataType.IsRecord() && d.DataType.IsPrimary() && d.DataType.IsUncommitted() {
					orphans = append(orphans, pb.Handle{Gen: g.ID(), Offset: off})
				}
				return nil
			})
			for _, h := range orphans {
				if err := e.freeRecord(h); err != nil {
					log.WithFields(log.Fields{"record": h, "err": err}).Warn("failed to free uncommitted record")
				} else {
					freed++
				}
			}
		}
	}
	sweep(mgmt)
	for _, g := range e.gens.Data() {
		if g != nil && g.Writable() {
			sweep(g)
		}
	}

	// Collect LargeData chains held by committed owners.
	var held = make(map[uint64]bool)
	_ = mgmt.Pools[0].ForEach(func(off uint64, d granule.Descriptor) error {
		var h = pb.Handle{Gen: pb.MgmtGenID, Offset: off}
		if _, _, ok := e.ownerVersionOf(h); ok {
			if large := e.ownerHeader(h, pb.RecordType(d.DataType.Base())).large; !large.IsNull() {
				held[large.Offset] = true
			}
		}
		return nil
	})
	var genIDs = mgmt.Header().GenIDHandle
	var stale []pb.Handle

	_ = mgmt.Pools[1].ForEach(func(off uint64, d granule.Descriptor) error {
		if !d.DataType.IsPrimary() {
			return nil
		}
		switch d.DataType.Base() {
		case granule.TypeLargeData:
			if !held[off] {
				stale = append(stale, pb.Handle{Gen: pb.MgmtGenID, Offset: off})
			}
		case granule.TypeGenIDChunk:
			if off != genIDs.Offset {
				stale = append(stale, pb.Handle{Gen: pb.MgmtGenID, Offset: off})
			}
		}
		return nil
	})
	for _, h := range stale {
		if err := mgmt.Pools[1].Free(h); err != nil {
			log.WithFields(log.Fields{"chunk": h, "err": err}).Warn("failed to free orphaned chunk")
		} else {
			freed++
		}
	}
	if freed != 0 {
		log.WithField("freed", freed).Info("released orphaned granules")
	}
}

// recountOwners recomputes owner byte counts from committed owners.
func (e *Engine) recountOwners() {
	e.ownerMu.Lock()
	e.ownerBytes = make(map[pb.RecordType]uint64)
	e.ownerMu.Unlock()

	_ = e.gens.Mgmt().Pools[0].ForEach(func(off uint64, d granule.Descriptor) error {
		var h = pb.Handle{Gen: pb.MgmtGenID, Offset: off}
		if _, _, ok := e.ownerVersionOf(h); ok {
			e.countOwner(e.ownerHeader(h, pb.RecordType(d.DataType.Base())), 1)
		}
		return nil
	})
}

// rebuildContexts rebuilds reference contexts from the reference chunks of
// each generation, oldest first, followed by RefStates of the management
// generation and the state contexts.
func (e *Engine) rebuildContexts() error {
	var released int

	for _, id := range e.ids.IDs() {
		var g, _, _, err = e.generation(id)
		if err != nil {
			return errors.WithMessagef(err, "rebuilding references of %s", id)
		}
		n, err := e.refs.RebuildGeneration(id, g.Pools[1], e.ownerVersionOf)
		if err != nil {
			return errors.WithMessagef(err, "rebuilding references of %s", id)
		}
		released += n
	}
	var n, err = e.refs.RebuildStates(e.gens.Mgmt().Pools[1], e.ownerVersionOf)
	if err != nil {
		return errors.WithMessage(err, "rebuilding reference states")
	}
	released += n

	if err = e.refs.FinishRebuild(); err != nil {
		return err
	}
	if n, err = e.states.Rebuild(func(owner pb.Handle) (uint32, bool) {
		var v, _, ok = e.ownerVersionOf(owner)
		return v, ok
	}); err != nil {
		return errors.WithMessage(err, "rebuilding states")
	}
	released += n

	log.WithField("released", released).Info("rebuilt reference and state contexts")
	return nil
}

// replay applies a persisted transaction which the management header
// doesn't reflect. Operations which no longer apply are skipped.
func (e *Engine) replay(rec persist.Record) error {
	if rec.Complete {
		return nil
	}
	for _, op := range rec.Ops {
		if err := (applier{e}).ApplyOperation(op); err != nil {
			if pb.KindOf(err) == pb.KindArgument {
				log.WithFields(log.Fields{"seq": rec.Seq, "op": op.Type, "err": err}).Warn("skipping replayed operation")
				continue
			}
			return errors.WithMessagef(err, "replaying transaction %d", rec.Seq)
		}
	}
	if rec.Seq > e.seq {
		e.seq = rec.Seq
	}
	return nil
}

func newSessionID() uuid.UUID { return uuid.New() }
