package store

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/disk"
	"go.gazette.dev/msgstore/generation"
	"go.gazette.dev/msgstore/granule"
	"go.gazette.dev/msgstore/ha"
	"go.gazette.dev/msgstore/jobs"
	"go.gazette.dev/msgstore/persist"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/refchain"
	"go.gazette.dev/msgstore/states"
	"golang.org/x/sync/singleflight"
)

// Deps are the backends of an Engine. Nil fields are given defaults: heap
// Memory, an in-memory disk Store, and no persistence or replication.
type Deps struct {
	Memory  Memory
	Disk    disk.Backend
	Persist persist.Backend
	HA      ha.Backend
}

// Engine is a generational memory store.
type Engine struct {
	cfg        Config
	mgmtLayout generation.Layout
	genLayout  generation.Layout
	barrier    granule.Barrier

	mem     Memory
	disk    disk.Backend
	persist persist.Backend
	ha      ha.Backend

	gens   *generation.Table
	ids    generation.IDList
	refs   *refchain.Table
	states *states.Table
	queue  *jobs.Queue

	// genMu serializes changes to the generation lifecycle.
	genMu sync.Mutex

	mapsMu sync.Mutex
	maps   map[pb.GenID]*generation.GenMap

	images     *lru.Cache // pb.GenID => *generation.Generation.
	imageReads singleflight.Group

	seqMu sync.Mutex
	seq   uint64

	ownerMu    sync.Mutex
	ownerBytes map[pb.RecordType]uint64

	mu            sync.Mutex
	cond          *sync.Cond
	status        Status
	locked        bool
	streams       map[uint32]*Stream
	nextStream    uint32
	bound         map[pb.GenID]int
	inflight      int
	dead          []*Stream
	haLocal       bool
	haveData      bool
	diskFailures  int
	pendingWrites map[pb.GenID]struct{}
	closeWanted   bool
	diskAlert     bool
	cbqAlert      bool
	callback      func(pb.EventType)
	recoveryPct   int8
	serving       bool
}

// New returns an Engine of the Config over Deps. The Engine is in status
// INIT, and must be started before use.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var mgmtLayout, genLayout, _ = cfg.layouts()

	if deps.Memory == nil {
		deps.Memory = NewHeapMemory()
	}
	if deps.Disk == nil {
		var s, err = disk.New(&url.URL{Scheme: "mem"})
		if err != nil {
			return nil, err
		}
		deps.Disk = s
	}
	if deps.Persist == nil {
		deps.Persist = persist.Nop{}
	}
	if deps.HA == nil {
		deps.HA = ha.Nop{}
	}
	var images, err = lru.New(cfg.ImageCacheSize)
	if err != nil {
		return nil, pb.Errorf(pb.KindConfig, "image cache: %s", err)
	}

	var e = &Engine{
		cfg:           cfg,
		mgmtLayout:    mgmtLayout,
		genLayout:     genLayout,
		barrier:       granule.NewBarrier(cfg.CacheFlushMode),
		mem:           deps.Memory,
		disk:          deps.Disk,
		persist:       deps.Persist,
		ha:            deps.HA,
		gens:          generation.NewTable(cfg.InMemGensCount),
		maps:          make(map[pb.GenID]*generation.GenMap),
		images:        images,
		ownerBytes:    make(map[pb.RecordType]uint64),
		streams:       make(map[uint32]*Stream),
		bound:         make(map[pb.GenID]int),
		pendingWrites: make(map[pb.GenID]struct{}),
		recoveryPct:   -1,
	}
	e.cond = sync.NewCond(&e.mu)

	var rcfg = refchain.Config{
		RefsPerChunk:   refchain.RefsPerChunk(uint32(cfg.GranuleSize) - granule.DescriptorSize),
		StatesPerChunk: refchain.StatesPerChunk(uint32(cfg.MgmtGranuleSize) - granule.DescriptorSize),
		LocksCount:     cfg.RefCtxtLocksCount,
		CacheSize:      cfg.RefSearchCacheSize,
		Fingers:        !cfg.DisableRefFingers,
		PoolStripes:    cfg.RefGenPoolStripes,
		PoolLWM:        cfg.RefGenPoolLWM,
		PoolHWM:        cfg.RefGenPoolHWM,
	}
	if err = rcfg.Validate(); err != nil {
		return nil, pb.Errorf(pb.KindConfig, "references: %s", err)
	}
	e.refs = refchain.NewTable(rcfg, e)
	e.refs.Pool.OnWatermark = func(inc bool) {
		if inc {
			e.queue.Submit(jobs.Job{Type: jobs.IncRefGenPool})
		} else {
			e.queue.Submit(jobs.Job{Type: jobs.DecRefGenPool})
		}
	}
	e.queue = jobs.NewQueue(e, cfg.JobQueueSize, cfg.MaintenanceInterval)

	e.setStatus(StatusInit)
	return e, nil
}

// Start the Engine. If the Memory holds a management generation of a prior
// Engine, the store is recovered from it. Otherwise an empty store is
// formatted. On return the Engine is ACTIVE, or in RECOVERY if recovered
// data awaits RecoveryCompleted, or STANDBY if so configured.
func (e *Engine) Start(ctx context.Context) error {
	if s := e.Status(); s != StatusInit {
		return errors.WithMessagef(pb.ErrStoreNotAvailable, "cannot start a store which is %s", s)
	}
	if e.cfg.ColdStart {
		if err := e.mem.Release(); err != nil {
			return errors.WithMessage(pb.ErrAllocError, err.Error())
		}
	}
	var buf, existed, err = e.mem.Map(0, e.mgmtLayout.MemSize)
	if err != nil {
		e.setStatus(StatusAllocError)
		return err
	}

	if existed {
		err = e.recover(ctx, buf)
	} else {
		err = e.format(buf)
	}
	if err != nil {
		log.WithField("err", err).Error("failed to start store")
		return err
	}

	e.mu.Lock()
	e.serving = true
	e.mu.Unlock()
	go e.queue.Serve()

	var hdr = e.gens.Mgmt().Header()
	log.WithFields(log.Fields{
		"status":  e.Status(),
		"session": hdr.SessionID,
		"count":   hdr.SessionCount,
		"active":  hdr.ActiveGenID,
		"gens":    e.ids.Len(),
	}).Info("started store")

	return nil
}

// format an empty store into the management region |buf|.
func (e *Engine) format(buf []byte) error {
	e.genMu.Lock()
	defer e.genMu.Unlock()

	var mgmt = generation.Format(granule.NewRegion(buf, e.barrier),
		pb.MgmtGenID, generation.StrucIDMgmt, e.mgmtLayout, -1)
	e.attachMgmt(mgmt)
	e.ids.Reset(nil)

	mgmt.UpdateHeader(func(h *generation.Header) {
		h.InMemGensCount = uint8(e.cfg.InMemGensCount)
		h.NextAvailableGenID = pb.FirstDataGenID
		h.SessionID = newSessionID()
		h.SessionCount = 1
		h.Role = e.role()
		h.WasPrimary = !e.cfg.Standby
		h.PrimaryTime = primaryTime(!e.cfg.Standby)
	})
	if _, err := e.createGeneration(0); err != nil {
		e.setStatus(StatusAllocError)
		return err
	}
	e.queue.Submit(jobs.Job{Type: jobs.CreateGeneration})

	if e.cfg.Standby {
		e.setStatus(StatusStandby)
	} else {
		e.setStatus(StatusActive)
	}
	return nil
}

// attachMgmt installs the management Generation, and the tables and alerts
// which depend upon it.
func (e *Engine) attachMgmt(mgmt *generation.Generation) {
	e.gens.SetMgmt(mgmt)

	for _, p := range mgmt.Pools {
		p.SetAlerts(e.cfg.MgmtAlertOnPct, e.cfg.MgmtAlertOffPct)
		p.OnAlert = func(pool uint8, on bool) {
			e.queue.Submit(jobs.Job{Type: jobs.UserEvent, Event: pb.MgmtPoolEvent(int(pool), on)})
			if on && e.mgmtLayout.RsrvSize != 0 {
				e.queue.Submit(jobs.Job{Type: jobs.InitRsrvPool, Arg: uint64(pool)})
			}
		}
	}
	var p1 = mgmt.Pools[1]
	e.states = states.NewTable(p1, states.PerChunk(p1.DataSize()))
}

// Term terminates the Engine. Background jobs are drained and backends are
// closed. Memory regions are retained by the Memory provider, and a later
// Engine over the same Memory recovers them.
func (e *Engine) Term() error {
	e.mu.Lock()
	if e.status == StatusClosed || e.status == StatusTerminating {
		e.mu.Unlock()
		return nil
	}
	e.setStatusLocked(StatusTerminating)
	var serving = e.serving
	var streams = make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	if serving {
		e.queue.Finish()
	}
	for _, s := range streams {
		if s.channel != nil {
			_ = s.channel.Close()
		}
	}

	var firstErr error
	for _, c := range []interface{ Close() error }{e.disk, e.persist, e.ha} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if mgmt := e.gens.Mgmt(); mgmt != nil {
		mgmt.UpdateHeader(func(h *generation.Header) {
			h.WasPrimary = h.Role == generation.RolePrimary
			if h.WasPrimary {
				h.PrimaryTime = time.Now()
			}
		})
	}
	e.setStatus(StatusClosed)
	log.WithField("err", firstErr).Info("terminated store")
	return firstErr
}

// Status returns the current Status of the Engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(s Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setStatusLocked(s)
}

// setStatusLocked moves to Status |s|, if permitted. e.mu must be held.
func (e *Engine) setStatusLocked(s Status) bool {
	if e.status == s {
		return true
	} else if !e.status.CanTransition(s) {
		log.WithFields(log.Fields{"from": e.status, "to": s}).Warn("invalid store status transition")
		return false
	}
	log.WithFields(log.Fields{"from": e.status, "to": s}).Info("store status")

	e.status = s
	for _, o := range allStatuses {
		if o == s {
			statusGauge.WithLabelValues(o.String()).Set(1)
		} else {
			statusGauge.WithLabelValues(o.String()).Set(0)
		}
	}
	e.cond.Broadcast()
	return true
}

// operational returns an error if transactions may not run.
func (e *Engine) operational() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Err()
}

// RegisterEventCallback registers |fn| to receive events of the store. It's
// invoked from the background job goroutine, and must not block.
func (e *Engine) RegisterEventCallback(fn func(pb.EventType)) {
	e.mu.Lock()
	e.callback = fn
	e.mu.Unlock()
}

func (e *Engine) deliver(ev pb.EventType) {
	e.mu.Lock()
	var fn = e.callback
	e.mu.Unlock()

	eventsTotal.WithLabelValues(ev.String()).Inc()
	log.WithField("event", ev).Info("store event")

	if fn != nil {
		fn(ev)
	}
}

// ActiveGenID returns the ID of the ACTIVE data generation, or NullGenID.
func (e *Engine) ActiveGenID() pb.GenID {
	if g, ok := e.gens.Active(); ok {
		return g.ID()
	}
	return pb.NullGenID
}

// LockStore waits for every Stream to complete its transaction in flight,
// and then prevents Streams from beginning transactions until UnlockStore.
// If transactions remain in flight when |ctx| is done, ErrStoreBusy is
// returned and the store is not locked.
func (e *Engine) LockStore(ctx context.Context) error {
	var stop = context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locked {
		return errors.WithMessage(pb.ErrStoreBusy, "store is already locked")
	}
	e.locked = true

	for e.inflight != 0 {
		if ctx.Err() != nil {
			e.locked = false
			e.cond.Broadcast()
			return errors.WithMessagef(pb.ErrStoreBusy, "%d transactions remain in flight", e.inflight)
		}
		e.cond.Wait()
	}
	log.Info("locked store")
	return nil
}

// UnlockStore releases a lock taken by LockStore.
func (e *Engine) UnlockStore() {
	e.mu.Lock()
	e.locked = false
	e.cond.Broadcast()
	e.mu.Unlock()
	log.Info("unlocked store")
}

// HAViewChanged informs the Engine that a standby has joined (or left) the
// HA view. Replication resumes (or stops) on the background goroutine.
func (e *Engine) HAViewChanged(standbyJoined bool) {
	var arg uint64
	if standbyJoined {
		arg = 1
	}
	e.queue.Submit(jobs.Job{Type: jobs.HAViewChanged, Arg: arg})
}

// Standby2Primary promotes a STANDBY Engine to primary.
func (e *Engine) Standby2Primary() {
	e.queue.Submit(jobs.Job{Type: jobs.HAStandby2Primary})
}

// generation resolves generation |id| to a mapped Generation, or to a
// read-only image of a disk-resident one. It also returns whether the
// generation is writable, and its GenMap (nil for writable generations).
func (e *Engine) generation(id pb.GenID) (*generation.Generation, bool, *generation.GenMap, error) {
	e.mapsMu.Lock()
	var m = e.maps[id]
	e.mapsMu.Unlock()

	if g, ok := e.gens.Lookup(id); ok {
		var w = g.Writable()
		if w {
			m = nil
		}
		return g, w, m, nil
	} else if m == nil {
		return nil, false, nil, errors.WithMessagef(pb.ErrNotMapped, "generation %s", id)
	}
	var g, err = e.image(id)
	return g, false, m, err
}

// image returns the cached disk image of generation |id|, reading it if
// required.
func (e *Engine) image(id pb.GenID) (*generation.Generation, error) {
	if v, ok := e.images.Get(id); ok {
		imageCacheTotal.WithLabelValues("hit").Inc()
		return v.(*generation.Generation), nil
	}
	imageCacheTotal.WithLabelValues("miss").Inc()

	var v, err, _ = e.imageReads.Do(strconv.Itoa(int(id)), func() (interface{}, error) {
		var b, err = e.disk.ReadGeneration(context.Background(), id)
		if err != nil {
			return nil, err
		}
		g, err := generation.Attach(granule.NewRegion(b, nil), -1)
		if err != nil {
			return nil, err
		} else if g.ID() != id {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "image of generation %s is labeled %s", id, g.ID())
		}
		e.images.Add(id, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*generation.Generation), nil
}

// Region implements refchain.Generations.
func (e *Engine) Region(id pb.GenID) (*granule.Region, bool, error) {
	var g, writable, _, err = e.generation(id)
	if err != nil {
		return nil, false, err
	}
	return g.Region, writable, nil
}

// AllocateChunk implements refchain.Generations.
func (e *Engine) AllocateChunk(id pb.GenID, typ granule.DataType) (pb.Handle, error) {
	var g, writable, _, err = e.generation(id)
	if err != nil {
		return pb.NullHandle, err
	} else if !writable {
		return pb.NullHandle, errors.WithMessagef(pb.ErrStaleHandle, "generation %s is %s", id, g.State())
	}
	var p = g.Pools[1]
	h, err := p.Allocate(typ, p.DataSize())

	if errors.Cause(err) == pb.ErrStoreFull && id.IsData() {
		e.requestClose(id)
		return pb.NullHandle, errors.WithMessagef(pb.ErrGenerationFull, "allocating %s in generation %s", typ, id)
	}
	return h, err
}

// ReleaseChunk implements refchain.Generations.
func (e *Engine) ReleaseChunk(h pb.Handle) error {
	var g, writable, m, err = e.generation(h.Gen)
	if err != nil {
		return err
	}
	var p, ok = g.PoolOf(h.Offset)
	if !ok {
		return errors.WithMessagef(pb.ErrStaleHandle, "%s is outside of pools", h)
	} else if writable {
		return p.Free(h)
	}
	if m == nil {
		return errors.WithMessagef(pb.ErrNotMapped, "generation %s has no map", h.Gen)
	}
	// Links of a frozen image still reach chunks which remain live, so only
	// the granule of |h| is released.
	m.Mu.Lock()
	m.Release([]uint64{h.Offset}, false)
	m.Mu.Unlock()
	return nil
}

// requestClose schedules the close of ACTIVE generation |id|, regardless of
// whether its pools are alerted.
func (e *Engine) requestClose(id pb.GenID) {
	e.queue.Submit(jobs.Job{Type: jobs.ActivateGeneration, GenID: id, Arg: 1})
}

func (e *Engine) role() generation.Role {
	if e.cfg.Standby {
		return generation.RoleStandby
	}
	return generation.RolePrimary
}

func primaryTime(primary bool) time.Time {
	if primary {
		return time.Now()
	}
	return time.Time{}
}
