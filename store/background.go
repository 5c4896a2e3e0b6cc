package store

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/generation"
	"go.gazette.dev/msgstore/ha"
	"go.gazette.dev/msgstore/jobs"
	pb "go.gazette.dev/msgstore/protocol"
)

// cbqAlertPct is the percentage of JobQueueSize at which pending background
// jobs raise the CBQ alert event.
const cbqAlertPct = 90

// HandleJob implements jobs.Handler.
func (e *Engine) HandleJob(j jobs.Job) error {
	switch j.Type {
	case jobs.UserEvent:
		e.deliver(j.Event)
		return nil
	case jobs.IncRefGenPool:
		e.refs.Pool.Grow()
		return nil
	case jobs.DecRefGenPool:
		e.refs.Pool.Shrink()
		return nil
	case jobs.HASendMinActiveOid:
		e.sendGenMsg(ha.GenMsg{Type: ha.MsgMinActiveOid, GenID: j.Handle.Gen, Owner: j.Handle, Arg: j.Arg})
		return nil
	case jobs.HAViewChanged:
		if j.Arg != 0 {
			return e.HandleJob(jobs.Job{Type: jobs.HAStandbyJoined})
		}
		return e.HandleJob(jobs.Job{Type: jobs.HAStandbyLeft})
	case jobs.HAStandbyJoined:
		e.standbyJoined()
		return nil
	case jobs.HAStandbyLeft:
		e.standbyLeft()
		return nil
	}

	e.genMu.Lock()
	defer e.genMu.Unlock()

	if e.gens.Mgmt() == nil {
		return errors.WithMessagef(pb.ErrStoreNotAvailable, "store is %s", e.Status())
	}

	switch j.Type {
	case jobs.CreateGeneration:
		return e.prepareStandby()
	case jobs.ActivateGeneration:
		return e.closeGeneration(j.GenID, j.Arg != 0)
	case jobs.WriteGeneration:
		return e.writeGeneration(j.GenID)
	case jobs.DeleteGeneration:
		return e.deleteGeneration(j.GenID)
	case jobs.CompactGeneration:
		return e.compactGeneration(j.GenID)
	case jobs.CheckDiskUsage:
		e.checkDiskUsage()
		return nil
	case jobs.InitRsrvPool:
		return e.initRsrvPool(uint8(j.Arg))
	case jobs.HAStandby2Primary:
		return e.standby2Primary()
	default:
		return errors.WithMessagef(pb.ErrArgNotValid, "unexpected job type %s", j.Type)
	}
}

// Maintain implements jobs.Handler.
func (e *Engine) Maintain() {
	e.genMu.Lock()
	if e.gens.Mgmt() != nil {
		e.checkDiskUsage()
		e.retryWrites()

		e.mu.Lock()
		var closeWanted = e.closeWanted
		e.mu.Unlock()

		if active, ok := e.gens.Active(); ok && closeWanted {
			if err := e.closeGeneration(active.ID(), true); err != nil {
				log.WithField("err", err).Debug("generation close remains deferred")
			}
		}
	}
	e.genMu.Unlock()

	e.reclaimStreams()
	e.checkQueueDepth()
}

// retryWrites re-attempts generation writes which previously failed.
// genMu must be held.
func (e *Engine) retryWrites() {
	e.mu.Lock()
	var ids = make([]pb.GenID, 0, len(e.pendingWrites))
	for id := range e.pendingWrites {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.writeGeneration(id); err != nil {
			log.WithFields(log.Fields{"gen": id, "err": err}).Warn("failed to retry generation write")
		}
	}
}

// reclaimStreams releases the transaction logs of closed Streams once their
// persistence writes have completed.
func (e *Engine) reclaimStreams() {
	e.mu.Lock()
	var ready []*Stream
	var remain = e.dead[:0]
	for _, s := range e.dead {
		if s.pending == 0 {
			ready = append(ready, s)
		} else {
			remain = append(remain, s)
		}
	}
	e.dead = remain
	e.mu.Unlock()

	for _, s := range ready {
		s.release()
	}
}

// checkQueueDepth raises or clears the CBQ alert event as background jobs
// back up.
func (e *Engine) checkQueueDepth() {
	var pending = e.queue.Pending()
	var limit = e.cfg.JobQueueSize * cbqAlertPct / 100

	e.mu.Lock()
	var ev pb.EventType
	if !e.cbqAlert && pending >= limit {
		e.cbqAlert, ev = true, pb.EventCBQAlertOn
	} else if e.cbqAlert && pending < limit {
		e.cbqAlert, ev = false, pb.EventCBQAlertOff
	}
	e.mu.Unlock()

	if ev != 0 {
		e.deliver(ev)
	}
}

// standbyJoined resumes replication, re-opening the Channels of Streams.
func (e *Engine) standbyJoined() {
	e.mu.Lock()
	e.haLocal = false
	var streams = e.openStreamsLocked()
	e.mu.Unlock()

	for _, s := range streams {
		var ch, err = e.ha.OpenChannel(s.ID)
		if err != nil {
			e.goLocal(err)
			return
		}
		e.mu.Lock()
		if s.channel != nil {
			_ = s.channel.Close()
		}
		s.channel = ch
		e.mu.Unlock()
	}
	log.WithField("streams", len(streams)).Info("standby joined")
}

// standbyLeft stops replication.
func (e *Engine) standbyLeft() {
	e.mu.Lock()
	e.haLocal = true
	var streams = e.openStreamsLocked()
	for _, s := range streams {
		if s.channel != nil {
			_ = s.channel.Close()
			s.channel = nil
		}
	}
	e.mu.Unlock()

	log.Info("standby left; continuing as a local-only store")
}

func (e *Engine) openStreamsLocked() []*Stream {
	var out = make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		out = append(out, s)
	}
	return out
}

// standby2Primary promotes the store to primary. genMu must be held.
func (e *Engine) standby2Primary() error {
	var mgmt = e.gens.Mgmt()
	if mgmt.Header().Role == generation.RolePrimary {
		return nil
	}
	mgmt.UpdateHeader(func(h *generation.Header) {
		h.Role = generation.RolePrimary
		h.WasPrimary = true
		h.PrimaryTime = primaryTime(true)
	})
	if err := e.ensureActive(); err != nil {
		return err
	}

	e.mu.Lock()
	var to = StatusActive
	if e.haveData {
		to = StatusRecovery
		e.recoveryPct = 0
	}
	var ok = e.status == StatusStandby && e.setStatusLocked(to)
	e.mu.Unlock()

	log.WithFields(log.Fields{"status": to, "promoted": ok}).Info("standby promoted to primary")
	return nil
}
