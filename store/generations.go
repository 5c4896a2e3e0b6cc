package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/disk"
	"go.gazette.dev/msgstore/generation"
	"go.gazette.dev/msgstore/granule"
	"go.gazette.dev/msgstore/ha"
	"go.gazette.dev/msgstore/jobs"
	pb "go.gazette.dev/msgstore/protocol"
)

// haTimeout bounds each generation message sent to the standby.
const haTimeout = 5 * time.Second

// createGeneration assigns a new generation ID, and formats it into
// in-memory slot |index|. It's activated if no generation is ACTIVE, and is
// otherwise a FREE standby. genMu must be held.
func (e *Engine) createGeneration(index int) (*generation.Generation, error) {
	var mgmt = e.gens.Mgmt()

	var id, err = e.ids.NextFree(mgmt.Header().NextAvailableGenID)
	if err != nil {
		return nil, err
	}
	buf, _, err := e.mem.Map(index+1, e.genLayout.MemSize)
	if err != nil {
		log.WithFields(log.Fields{"gen": id, "index": index, "err": err}).
			Error("failed to map generation region")
		return nil, err
	}
	if err = e.ids.Add(id); err != nil {
		return nil, err
	} else if err = generation.SaveIDs(mgmt, &e.ids); err != nil {
		e.ids.Remove(id)
		return nil, errors.WithMessagef(err, "assigning generation %s", id)
	}

	var g = generation.Format(granule.NewRegion(buf, e.barrier), id, generation.StrucIDGen, e.genLayout, index)
	e.configureDataPools(g)

	mgmt.UpdateHeader(func(h *generation.Header) {
		if id == pb.MaxGenID {
			h.NextAvailableGenID = pb.FirstDataGenID
		} else {
			h.NextAvailableGenID = id + 1
		}
		h.InMemGenIDs[index] = id
		h.InMemGensCount = uint8(e.cfg.InMemGensCount)
	})
	e.gens.Put(index, g)
	e.sendGenMsg(ha.GenMsg{Type: ha.MsgGenCreated, GenID: id})

	log.WithFields(log.Fields{"gen": id, "index": index}).Info("created generation")

	e.mu.Lock()
	var activate = e.gens.CountActive() == 0
	if activate {
		e.activateLocked(g)
	}
	e.mu.Unlock()

	if activate {
		e.sendGenMsg(ha.GenMsg{Type: ha.MsgGenActivated, GenID: id})
	}
	return g, nil
}

// configureDataPools arranges for a data generation to be closed when
// either of its pools crosses its low-water mark.
func (e *Engine) configureDataPools(g *generation.Generation) {
	var id = g.ID()
	for _, p := range g.Pools {
		p.SetAlerts(e.cfg.GenAlertOnPct, e.cfg.GenAlertOffPct)
		p.OnAlert = func(pool uint8, on bool) {
			if on {
				e.queue.Submit(jobs.Job{Type: jobs.ActivateGeneration, GenID: id})
			}
		}
	}
}

// activateLocked marks |g| as the ACTIVE generation and wakes Streams which
// are waiting for one. e.mu must be held.
func (e *Engine) activateLocked(g *generation.Generation) {
	g.SetState(generation.StateActive)
	e.gens.Mgmt().UpdateHeader(func(h *generation.Header) {
		h.ActiveGenID = g.ID()
		h.ActiveGenIndex = uint8(g.Index)
	})
	activeGenGauge.Set(float64(g.ID()))
	e.cond.Broadcast()
}

// ensureActive activates a FREE standby, or creates a generation, if none is
// ACTIVE. genMu must be held.
func (e *Engine) ensureActive() error {
	if _, ok := e.gens.Active(); ok {
		return nil
	}
	var next, err = e.nextStandby()
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.gens.CountActive() == 0 {
		e.activateLocked(next)
	}
	e.mu.Unlock()
	e.sendGenMsg(ha.GenMsg{Type: ha.MsgGenActivated, GenID: next.ID()})
	return nil
}

// closeGeneration closes ACTIVE generation |id| and hands ACTIVE to the next
// generation in rotation. Unless |force|, the generation is closed only if
// one of its pools is alerted. genMu must be held.
func (e *Engine) closeGeneration(id pb.GenID, force bool) error {
	var g, ok = e.gens.Lookup(id)
	if !ok || g.State() != generation.StateActive {
		return nil // Already closed.
	} else if !force && !g.Pools[0].Alerted() && !g.Pools[1].Alerted() {
		return nil
	}
	var next, err = e.nextStandby()
	if err != nil {
		e.mu.Lock()
		e.closeWanted = true
		e.mu.Unlock()
		return errors.WithMessagef(err, "closing generation %s", id)
	}

	e.mu.Lock()
	g.SetState(generation.StateClosePending)
	e.activateLocked(next)
	e.closeWanted = false
	e.mu.Unlock()

	generationRotationsTotal.Inc()
	e.sendGenMsg(ha.GenMsg{Type: ha.MsgGenClosed, GenID: id})
	e.sendGenMsg(ha.GenMsg{Type: ha.MsgGenActivated, GenID: next.ID()})

	log.WithFields(log.Fields{
		"closed":   id,
		"active":   next.ID(),
		"pool0Pct": g.Pools[0].UsedPct(),
		"pool1Pct": g.Pools[1].UsedPct(),
	}).Info("rotated active generation")

	e.queue.Submit(jobs.Job{Type: jobs.WriteGeneration, GenID: id})
	e.queue.Submit(jobs.Job{Type: jobs.CreateGeneration})
	return nil
}

// nextStandby returns the generation to be activated next: a FREE standby,
// else a generation created in an empty slot, else one created in the slot
// of the oldest WRITE_COMPLETED generation. genMu must be held.
func (e *Engine) nextStandby() (*generation.Generation, error) {
	for _, g := range e.gens.Data() {
		if g.State() == generation.StateFree {
			return g, nil
		}
	}
	for i := 0; i != e.gens.Slots(); i++ {
		if e.gens.Slot(i) == nil {
			return e.createGeneration(i)
		}
	}
	for _, id := range e.ids.IDs() {
		if g, ok := e.gens.Lookup(id); ok && g.State() == generation.StateWriteCompleted {
			var index = g.Index
			e.unmapGeneration(g)
			return e.createGeneration(index)
		}
	}
	return nil, errors.WithMessage(pb.ErrStoreFull, "no generation slot is available")
}

// prepareStandby creates a FREE standby generation in an empty slot, if
// there isn't one already. genMu must be held.
func (e *Engine) prepareStandby() error {
	for _, g := range e.gens.Data() {
		if g.State() == generation.StateFree {
			return nil
		}
	}
	for i := 0; i != e.gens.Slots(); i++ {
		if e.gens.Slot(i) == nil {
			var _, err = e.createGeneration(i)
			return err
		}
	}
	return nil
}

// unmapGeneration clears the slot of a WRITE_COMPLETED generation. Its
// content remains readable through its disk image. genMu must be held.
func (e *Engine) unmapGeneration(g *generation.Generation) {
	e.gens.Put(g.Index, nil)
	e.gens.Mgmt().UpdateHeader(func(h *generation.Header) {
		if h.InMemGenIDs[g.Index] == g.ID() {
			h.InMemGenIDs[g.Index] = pb.NullGenID
		}
	})
	log.WithFields(log.Fields{"gen": g.ID(), "index": g.Index}).Debug("unmapped generation")
}

// writeGeneration writes CLOSE_PENDING generation |id| to disk, once no
// Stream remains bound to it. genMu must be held.
func (e *Engine) writeGeneration(id pb.GenID) error {
	var g, ok = e.gens.Lookup(id)
	if !ok || g.State() != generation.StateClosePending {
		return nil
	}

	e.mu.Lock()
	if e.bound[id] != 0 {
		e.mu.Unlock()
		return nil // Re-submitted as the last Stream unbinds.
	}
	var m = generation.NewGenMap(g)

	e.mapsMu.Lock()
	if prior, ok := e.maps[id]; ok {
		// Granules released while a failed write was pending remain released.
		prior.Mu.Lock()
		for i, b := range prior.Bitmaps {
			for k := uint32(0); k != b.Len(); k++ {
				if !b.Test(k) && m.Bitmaps[i].Clear(k) {
					m.PredictedSize -= uint64(m.Pools[i].GranuleSize)
				}
			}
		}
		m.DelRecordsCount = prior.DelRecordsCount
		prior.Mu.Unlock()
	}
	g.SetState(generation.StateWritePending)
	e.maps[id] = m
	e.mapsMu.Unlock()
	delete(e.pendingWrites, id)
	e.mu.Unlock()

	var image = generation.Image(g, e.cfg.CompactImages)
	e.disk.WriteGeneration(id, image, e.onWritten)
	return nil
}

// onWritten completes a generation write.
func (e *Engine) onWritten(id pb.GenID, info disk.Info, err error) {
	var g, mapped = e.gens.Lookup(id)

	if err != nil {
		diskWritesTotal.WithLabelValues("failed").Inc()

		if mapped && g.State() == generation.StateWritePending {
			g.SetState(generation.StateClosePending)
		}
		e.mu.Lock()
		e.diskFailures++
		e.pendingWrites[id] = struct{}{}
		var failures = e.diskFailures
		if failures >= e.cfg.DiskErrorLimit {
			e.setStatusLocked(StatusDiskError)
		}
		e.mu.Unlock()

		log.WithFields(log.Fields{"gen": id, "failures": failures, "err": err}).
			Warn("failed to write generation (will retry)")
		return
	}
	diskWritesTotal.WithLabelValues("ok").Inc()

	if mapped && g.State() == generation.StateWritePending {
		g.SetState(generation.StateWriteCompleted)
	}
	e.mapsMu.Lock()
	if m, ok := e.maps[id]; ok {
		m.Mu.Lock()
		m.DiskFileSize = info.Size
		m.CompactReady = true
		m.Mu.Unlock()
	}
	e.mapsMu.Unlock()

	e.mu.Lock()
	e.diskFailures = 0
	e.mu.Unlock()

	e.sendGenMsg(ha.GenMsg{Type: ha.MsgGenWritten, GenID: id, Arg: info.Size})
	log.WithFields(log.Fields{"gen": id, "size": info.Size, "path": info.Path}).Info("wrote generation")
}

// deleteGeneration removes generation |id|, which has no live granules.
// genMu must be held.
func (e *Engine) deleteGeneration(id pb.GenID) error {
	if e.ha.Syncing(id) {
		return nil // Retried once the standby is synchronized.
	}
	e.mapsMu.Lock()
	var m = e.maps[id]
	e.mapsMu.Unlock()

	if m != nil {
		m.Mu.Lock()
		var syncing = m.HASyncing
		m.Mu.Unlock()
		if syncing {
			return nil
		}
	}
	if g, ok := e.gens.Lookup(id); ok {
		if s := g.State(); s != generation.StateWriteCompleted {
			return errors.WithMessagef(pb.ErrArgNotValid, "generation %s is %s", id, s)
		}
		e.unmapGeneration(g)
	}
	if !e.ids.Remove(id) {
		return nil
	} else if err := generation.SaveIDs(e.gens.Mgmt(), &e.ids); err != nil {
		return err
	}
	e.mapsMu.Lock()
	delete(e.maps, id)
	e.mapsMu.Unlock()
	e.images.Remove(id)

	e.disk.DeleteGeneration(id, func(id pb.GenID, _ disk.Info, err error) {
		if err != nil {
			log.WithFields(log.Fields{"gen": id, "err": err}).Warn("failed to delete generation image")
		}
	})
	e.sendGenMsg(ha.GenMsg{Type: ha.MsgGenDeleted, GenID: id})
	log.WithField("gen", id).Info("deleted generation")

	e.queue.Submit(jobs.Job{Type: jobs.CreateGeneration})
	return nil
}

// compactGeneration rewrites the disk image of generation |id|, dropping
// granules which are no longer live. genMu must be held.
func (e *Engine) compactGeneration(id pb.GenID) error {
	e.mapsMu.Lock()
	var m = e.maps[id]
	e.mapsMu.Unlock()

	if m == nil {
		return errors.WithMessagef(pb.ErrNotMapped, "generation %s has no map", id)
	}
	e.disk.CompactGeneration(id,
		func(image []byte) ([]byte, error) { return generation.CompactImage(image, m) },
		func(id pb.GenID, info disk.Info, err error) {
			if err != nil {
				log.WithFields(log.Fields{"gen": id, "err": err}).Warn("failed to compact generation")
				return
			}
			m.Mu.Lock()
			var prior = m.DiskFileSize
			m.DiskFileSize = info.Size
			m.Mu.Unlock()
			e.images.Remove(id)

			log.WithFields(log.Fields{"gen": id, "from": prior, "to": info.Size}).Info("compacted generation")
		})
	return nil
}

// checkDiskUsage raises or clears the disk alert, deletes reclaimable
// generations, and compacts others while disk usage is high. genMu must
// be held.
func (e *Engine) checkDiskUsage() {
	var st = e.disk.Statistics()

	e.mu.Lock()
	var ev pb.EventType
	if !e.diskAlert && st.UsagePct >= e.cfg.DiskAlertOnPct {
		e.diskAlert, ev = true, pb.EventDiskAlertOn
	} else if e.diskAlert && st.UsagePct <= e.cfg.DiskAlertOffPct {
		e.diskAlert, ev = false, pb.EventDiskAlertOff
	}
	var pressure = e.diskAlert
	e.mu.Unlock()

	if ev != 0 {
		e.queue.Submit(jobs.Job{Type: jobs.UserEvent, Event: ev})
	}

	e.mapsMu.Lock()
	var maps = make([]*generation.GenMap, 0, len(e.maps))
	for _, m := range e.maps {
		maps = append(maps, m)
	}
	e.mapsMu.Unlock()

	for _, c := range generation.SelectCompaction(maps, e.cfg.CompactGensCount) {
		var err error
		if c.Reclaimable {
			err = e.deleteGeneration(c.ID)
		} else if pressure {
			err = e.compactGeneration(c.ID)
		}
		if err != nil {
			log.WithFields(log.Fields{"gen": c.ID, "err": err}).Warn("failed to reclaim generation")
		}
	}
}

// initRsrvPool walks the reserved pool handshake to completion, attaching
// the reserved span of the management generation to its |pool|. Each step
// is persisted, and a handshake interrupted by a restart is resumed.
func (e *Engine) initRsrvPool(pool uint8) error {
	if e.mgmtLayout.RsrvSize == 0 {
		return nil
	}
	var mgmt = e.gens.Mgmt()

	for {
		var hdr = mgmt.Header()
		var step = hdr.RsrvState

		switch step {
		case granule.RsrvUnassigned:
			if int(pool) >= generation.PoolsCount {
				return errors.WithMessagef(pb.ErrArgNotValid, "reserved pool target %d", pool)
			}
			mgmt.UpdateHeader(func(h *generation.Header) {
				h.RsrvPoolID = pool
				h.RsrvPoolOffset = e.mgmtLayout.RsrvOffset
			})
		case granule.RsrvAssigned:
		case granule.RsrvSentToStandby:
			// Initialized is recorded before a granule of the segment can be
			// allocated. Until then a resumed handshake may format it again.
			var n = mgmt.Pools[hdr.RsrvPoolID].Extend(hdr.RsrvPoolOffset, hdr.RsrvPoolMemSize, func() {
				mgmt.UpdateHeader(func(h *generation.Header) { h.RsrvState = granule.RsrvInitialized })
			})
			log.WithFields(log.Fields{"pool": hdr.RsrvPoolID, "granules": n}).Info("extended management pool")
			continue
		case granule.RsrvInitialized:
		case granule.RsrvAttached:
			return nil
		}
		mgmt.UpdateHeader(func(h *generation.Header) { h.RsrvState = step.Next() })
		log.WithFields(log.Fields{"pool": hdr.RsrvPoolID, "state": step.Next()}).Debug("reserved pool")
	}
}

// resumeRsrvPool re-attaches, or continues the handshake of, the reserved
// pool during recovery.
func (e *Engine) resumeRsrvPool() error {
	var mgmt = e.gens.Mgmt()
	var hdr = mgmt.Header()

	switch hdr.RsrvState {
	case granule.RsrvUnassigned:
		return nil
	case granule.RsrvAssigned, granule.RsrvSentToStandby:
		return e.initRsrvPool(hdr.RsrvPoolID)
	}
	if int(hdr.RsrvPoolID) >= generation.PoolsCount ||
		!mgmt.Region.Contains(hdr.RsrvPoolOffset, hdr.RsrvPoolMemSize) {
		return errors.WithMessagef(pb.ErrCorrupt, "reserved pool %d at %d", hdr.RsrvPoolID, hdr.RsrvPoolOffset)
	}
	mgmt.Pools[hdr.RsrvPoolID].AttachSegment(hdr.RsrvPoolOffset, hdr.RsrvPoolMemSize)
	if hdr.RsrvState == granule.RsrvInitialized {
		mgmt.UpdateHeader(func(h *generation.Header) { h.RsrvState = granule.RsrvAttached })
	}
	return nil
}

// sendGenMsg sends |msg| to the standby, unless the store is local-only.
// A failed send degrades the store to local-only.
func (e *Engine) sendGenMsg(msg ha.GenMsg) {
	e.mu.Lock()
	var local = e.haLocal
	e.mu.Unlock()

	if local {
		return
	}
	var ctx, cancel = context.WithTimeout(context.Background(), haTimeout)
	defer cancel()

	if err := e.ha.SendGenMsg(ctx, msg); err != nil {
		e.goLocal(err)
	}
}

// goLocal stops replication after a failed send.
func (e *Engine) goLocal(err error) {
	e.mu.Lock()
	var was = e.haLocal
	e.haLocal = true
	e.mu.Unlock()

	if !was {
		log.WithField("err", err).Warn("replication failed; continuing as a local-only store")
	}
}
