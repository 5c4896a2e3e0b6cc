package refchain

import (
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// Generations is the view of store generations used by reference chains.
type Generations interface {
	// Region returns the Region of generation |id|, and whether it's currently
	// writable. The Region of a generation which has been written to disk and
	// is no longer mapped is a read-only image.
	Region(id pb.GenID) (r *granule.Region, writable bool, err error)
	// AllocateChunk allocates a chunk granule of DataType |typ| within
	// generation |id|. The chunk's payload is not initialized.
	AllocateChunk(id pb.GenID, typ granule.DataType) (pb.Handle, error)
	// ReleaseChunk releases the chunk chain headed by |h|. Chains of writable
	// generations are freed. Otherwise only the chunk at |h| is released from
	// the generation's map of live granules, and its links are ignored.
	ReleaseChunk(h pb.Handle) error
}

// Config of a Table.
type Config struct {
	// RefsPerChunk is the capacity of reference chunks.
	RefsPerChunk int
	// StatesPerChunk is the capacity of RefState chunks.
	StatesPerChunk int
	// LocksCount is the number of striped Context mutexes.
	LocksCount int
	// CacheSize is the size of each RefGen's recency cache, or zero to disable it.
	CacheSize int
	// Fingers enables the skip-index of RefGens having many chunks.
	Fingers bool
	// RefGenPool stripes and watermarks.
	PoolStripes, PoolLWM, PoolHWM int
}

// Validate returns an error if the Config is not well-formed.
func (cfg Config) Validate() error {
	if cfg.RefsPerChunk < 1 {
		return pb.NewValidationError("invalid RefsPerChunk (%d; expected > 0)", cfg.RefsPerChunk)
	} else if cfg.StatesPerChunk < 1 {
		return pb.NewValidationError("invalid StatesPerChunk (%d; expected > 0)", cfg.StatesPerChunk)
	} else if cfg.LocksCount < 1 {
		return pb.NewValidationError("invalid LocksCount (%d; expected > 0)", cfg.LocksCount)
	} else if cfg.CacheSize < 0 {
		return pb.NewValidationError("invalid CacheSize (%d; expected >= 0)", cfg.CacheSize)
	} else if cfg.PoolLWM > cfg.PoolHWM {
		return pb.NewValidationError("invalid PoolLWM (%d; expected <= PoolHWM %d)", cfg.PoolLWM, cfg.PoolHWM)
	}
	return nil
}

// Table indexes the reference Contexts of owners.
type Table struct {
	cfg   Config
	gens  Generations
	locks []sync.Mutex
	next  uint32

	// Pool of RefGens shared by all Contexts of the Table.
	Pool *RefGenPool

	mu       sync.Mutex
	contexts map[pb.Handle]*Context
}

// NewTable returns a Table of the Config over Generations.
func NewTable(cfg Config, gens Generations) *Table {
	return &Table{
		cfg:      cfg,
		gens:     gens,
		locks:    make([]sync.Mutex, cfg.LocksCount),
		Pool:     NewRefGenPool(cfg.PoolStripes, cfg.PoolLWM, cfg.PoolHWM),
		contexts: make(map[pb.Handle]*Context),
	}
}

// Context is the reference chain of an owner: a list of RefGens ordered from
// oldest to newest generation, and a chain of RefState chunks within the
// management generation which shadows the state of references whose
// generation is no longer writable.
type Context struct {
	t  *Table
	mu *sync.Mutex

	Owner        pb.Handle
	OwnerVersion uint32

	highest   uint64
	nextPrune uint64
	minActive uint64

	gens   []*RefGen
	byGen  map[pb.GenID]*RefGen
	states chain
	opens  int
	gone   bool
}

// Target of a reference update or deletion.
type Target struct {
	// Handle of the reference entry, or of its RefState.
	Handle pb.Handle
	// RefState is true if Handle is of a RefState.
	RefState bool
}

// Open the Context of |owner|, creating it if required. An existing Context
// of another owner version is an error.
func (t *Table) Open(owner pb.Handle, version uint32, minActive uint64) (*Context, error) {
	if err := owner.Validate(); err != nil {
		return nil, pb.ExtendContext(err, "Owner")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var c, err = t.openLocked(owner, version, minActive)
	if err == nil {
		c.opens++
	}
	return c, err
}

func (t *Table) openLocked(owner pb.Handle, version uint32, minActive uint64) (*Context, error) {
	if c, ok := t.contexts[owner]; ok {
		if c.OwnerVersion != version {
			return nil, errors.WithMessagef(pb.ErrOwnerVersion,
				"owner %s (version %d; context has %d)", owner, version, c.OwnerVersion)
		}
		return c, nil
	}
	var c = &Context{
		t:            t,
		mu:           &t.locks[atomic.AddUint32(&t.next, 1)%uint32(len(t.locks))],
		Owner:        owner,
		OwnerVersion: version,
		nextPrune:    math.MaxUint64,
		minActive:    minActive,
		byGen:        make(map[pb.GenID]*RefGen),
		states:       chain{gen: pb.MgmtGenID, typ: granule.TypeRefStateChunk},
	}
	t.contexts[owner] = c
	contextsGauge.Inc()
	return c, nil
}

// Lookup the Context of |owner|.
func (t *Table) Lookup(owner pb.Handle) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var c, ok = t.contexts[owner]
	return c, ok
}

// Len returns the number of Contexts of the Table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// Close a Context previously returned by Open. The Context and its
// references are retained until it's destroyed.
func (t *Table) Close(c *Context) {
	t.mu.Lock()
	if c.opens > 0 {
		c.opens--
	}
	t.mu.Unlock()
}

// Destroy releases every chunk of the Context and removes it from the Table.
func (t *Table) Destroy(c *Context) error {
	var err = c.Clear()

	t.mu.Lock()
	if t.contexts[c.Owner] == c {
		delete(t.contexts, c.Owner)
		contextsGauge.Dec()
	}
	t.mu.Unlock()

	c.mu.Lock()
	c.gone = true
	c.mu.Unlock()
	return err
}

// Clear releases every reference and RefState of the Context.
func (c *Context) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, rg := range c.gens {
		if err := rg.releaseChunks(c.t.gens, 0, len(rg.chunks)); err != nil && firstErr == nil {
			firstErr = err
		}
		c.t.Pool.Put(rg)
	}
	if err := c.states.releaseAll(c.t.gens); err != nil && firstErr == nil {
		firstErr = err
	}
	c.gens, c.byGen = nil, make(map[pb.GenID]*RefGen)
	c.nextPrune = math.MaxUint64
	return firstErr
}

// Reserve an entry for |ref| within generation |gen|, which must be
// writable. The returned Handle is that of the reserved entry, which becomes
// visible once committed by Table.CommitReference.
func (c *Context) Reserve(gen pb.GenID, ref pb.Reference) (pb.Handle, error) {
	if err := ref.Validate(); err != nil {
		return pb.NullHandle, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gone {
		return pb.NullHandle, errors.WithMessagef(pb.ErrStaleHandle, "reference context of %s", c.Owner)
	} else if ref.OrderID < c.minActive {
		return pb.NullHandle, errors.WithMessagef(pb.ErrOrderIDPruned,
			"order id %d (minimum active %d)", ref.OrderID, c.minActive)
	}
	var r, writable, err = c.t.gens.Region(gen)
	if err != nil {
		return pb.NullHandle, err
	} else if !writable {
		return pb.NullHandle, errors.WithMessagef(pb.ErrStaleHandle, "generation %s is not writable", gen)
	}

	var rg, created = c.refGen(gen)
	var capR = uint64(c.t.cfg.RefsPerChunk)
	var base = ref.OrderID - ref.OrderID%capR

	var ch, i, ok = rg.find(base, c.t.cfg.Fingers)
	if !ok {
		if ch, err = c.newRefChunk(r, rg, i, base); err != nil {
			if created {
				c.dropRefGen(rg)
			}
			return pb.NullHandle, err
		}
	}
	var e = entryOffset(ch.off, ref.OrderID%capR)
	if flag := r.U8(e + eFlag); flag != FlagEmpty {
		return pb.NullHandle, errors.WithMessagef(pb.ErrArgNotValid,
			"order id %d of %s exists (flag %d)", ref.OrderID, c.Owner, flag)
	}
	r.PutHandle(e+eRefHandle, ref.RefHandle)
	r.PutU32(e+eValue, ref.Value)
	r.PutU8(e+eState, ref.State)
	r.PutU8(e+eFlag, FlagReserved)
	r.Persist(e, RefEntrySize)

	var p = ch.off + granule.DescriptorSize
	r.PutU32(p+rcCount, r.U32(p+rcCount)+1)
	r.Persist(p+rcCount, 4)

	if rg.Lowest == 0 || ref.OrderID < rg.Lowest {
		rg.Lowest = ref.OrderID
	}
	if ref.OrderID > rg.Highest {
		rg.Highest = ref.OrderID
	}
	if ref.OrderID > c.highest {
		c.highest = ref.OrderID
	}
	return pb.Handle{Gen: gen, Offset: e}, nil
}

func (c *Context) newRefChunk(r *granule.Region, rg *RefGen, i int, base uint64) (chunk, error) {
	var h, err = c.t.gens.AllocateChunk(rg.gen, granule.TypeRefChunk)
	if err != nil {
		return chunk{}, err
	}
	var capR = uint64(c.t.cfg.RefsPerChunk)
	var p = h.Offset + granule.DescriptorSize

	r.PutHandle(p+rcOwner, c.Owner)
	r.PutU64(p+rcBase, base)
	r.PutU32(p+rcOwnerVersion, c.OwnerVersion)
	r.PutU32(p+rcCount, 0)
	r.Zero(p+RefChunkHeaderSize, capR*RefEntrySize)
	r.Persist(p, RefChunkHeaderSize+capR*RefEntrySize)

	var position = "middle"
	if len(rg.chunks) == 0 || i == len(rg.chunks) {
		position = "tail"
	} else if i == 0 {
		position = "head"
	}
	var ch = chunk{off: h.Offset, base: base}
	rg.insertChunk(r, i, ch)
	chunksAllocatedTotal.WithLabelValues(position).Inc()

	if end := base + capR; end < c.nextPrune {
		c.nextPrune = end
	}
	return ch, nil
}

// Get the committed reference having |orderID|.
func (c *Context) Get(orderID uint64) (pb.Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ref, _, _, err = c.getLocked(orderID)
	return ref, err
}

// Locate the Target to which an update or deletion of |orderID| applies.
// References of writable generations are updated in place. Otherwise, the
// update applies to a RefState, which is allocated if required.
func (c *Context) Locate(orderID uint64) (Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var _, h, writable, err = c.getLocked(orderID)
	if err != nil {
		return Target{}, err
	} else if writable {
		return Target{Handle: h}, nil
	}
	h, err = c.refStateSlot(orderID, true)
	return Target{Handle: h, RefState: true}, err
}

func (c *Context) getLocked(orderID uint64) (pb.Reference, pb.Handle, bool, error) {
	if c.gone {
		return pb.Reference{}, pb.NullHandle, false,
			errors.WithMessagef(pb.ErrStaleHandle, "reference context of %s", c.Owner)
	} else if orderID < c.minActive {
		return pb.Reference{}, pb.NullHandle, false, errors.WithMessagef(pb.ErrOrderIDPruned,
			"order id %d (minimum active %d)", orderID, c.minActive)
	}
	var capR = uint64(c.t.cfg.RefsPerChunk)
	var base = orderID - orderID%capR

	for k := len(c.gens) - 1; k >= 0; k-- {
		var rg = c.gens[k]
		if orderID < rg.Lowest || orderID > rg.Highest {
			continue
		}
		var ch, _, ok = rg.find(base, c.t.cfg.Fingers)
		if !ok {
			continue
		}
		var r, writable, err = c.t.gens.Region(rg.gen)
		if err != nil {
			return pb.Reference{}, pb.NullHandle, false, err
		}
		var e = entryOffset(ch.off, orderID%capR)
		if r.U8(e+eFlag) != FlagValid {
			continue
		}
		var ref = pb.Reference{
			OrderID:   orderID,
			RefHandle: r.Handle(e + eRefHandle),
			Value:     r.U32(e + eValue),
			State:     r.U8(e + eState),
		}
		switch st := c.refState(orderID); st {
		case pb.RefStateDeleted:
			return pb.Reference{}, pb.NullHandle, false, errors.WithMessagef(pb.ErrNotFound,
				"order id %d of %s is deleted", orderID, c.Owner)
		case pb.RefStateNotValid:
		default:
			ref.State = st
		}
		return ref, pb.Handle{Gen: rg.gen, Offset: e}, writable, nil
	}
	return pb.Reference{}, pb.NullHandle, false, errors.WithMessagef(pb.ErrNotFound,
		"order id %d of %s", orderID, c.Owner)
}

// Next returns the committed reference having the lowest order ID greater
// than |after|, or io.EOF if there is none.
func (c *Context) Next(after uint64) (pb.Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.minActive != 0 && after < c.minActive-1 {
		after = c.minActive - 1
	}
	for {
		var ref, ok = c.nextLocked(after)
		if !ok {
			return pb.Reference{}, io.EOF
		}
		switch st := c.refState(ref.OrderID); st {
		case pb.RefStateDeleted:
			after = ref.OrderID
			continue
		case pb.RefStateNotValid:
		default:
			ref.State = st
		}
		return ref, nil
	}
}

func (c *Context) nextLocked(after uint64) (pb.Reference, bool) {
	var capR = uint64(c.t.cfg.RefsPerChunk)
	var best pb.Reference
	var found bool

	for _, rg := range c.gens {
		if rg.Highest <= after {
			continue
		}
		var r, _, err = c.t.gens.Region(rg.gen)
		if err != nil {
			log.WithFields(log.Fields{"owner": c.Owner, "gen": rg.gen, "err": err}).
				Warn("failed to resolve generation of references")
			continue
		}
	Chunks:
		for _, ch := range rg.chunks {
			if ch.base+capR <= after+1 {
				continue
			} else if found && ch.base > best.OrderID {
				break
			}
			var from uint64
			if after >= ch.base {
				from = after + 1 - ch.base
			}
			for idx := from; idx != capR; idx++ {
				var e = entryOffset(ch.off, idx)
				if r.U8(e+eFlag) != FlagValid {
					continue
				}
				var oid = ch.base + idx
				if !found || oid < best.OrderID {
					best = pb.Reference{
						OrderID:   oid,
						RefHandle: r.Handle(e + eRefHandle),
						Value:     r.U32(e + eValue),
						State:     r.U8(e + eState),
					}
					found = true
				}
				break Chunks
			}
		}
	}
	return best, found
}

// SetMinActive advances the minimum active order ID of the Context, pruning
// references below it once it passes the next prune order ID. It returns
// whether a prune was performed. A |minActive| below the current one is
// ignored.
func (c *Context) SetMinActive(minActive uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if minActive <= c.minActive {
		return false, nil
	}
	c.minActive = minActive

	if minActive < c.nextPrune {
		return false, nil
	}
	return true, c.pruneLocked()
}

// Prune releases chunks holding only order IDs below the minimum active
// order ID, drops emptied RefGens, and trims RefState chunks having no
// updated states.
func (c *Context) Prune() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *Context) pruneLocked() error {
	var capR = uint64(c.t.cfg.RefsPerChunk)
	var capS = uint64(c.t.cfg.StatesPerChunk)
	var minActive = c.minActive

	for k := 0; k < len(c.gens); {
		var rg = c.gens[k]
		var n int
		for n != len(rg.chunks) && rg.chunks[n].base+capR <= minActive {
			n++
		}
		if err := rg.releaseChunks(c.t.gens, 0, n); err != nil {
			return err
		}
		prunedChunksTotal.Add(float64(n))

		if len(rg.chunks) == 0 {
			c.dropRefGen(rg)
			continue
		}
		if rg.Lowest < minActive {
			rg.Lowest = minActive
		}
		k++
	}

	var n int
	for n != len(c.states.chunks) && c.states.chunks[n].base+capS <= minActive {
		n++
	}
	if err := c.states.release(c.t.gens, 0, n); err != nil {
		return err
	}
	prunedChunksTotal.Add(float64(n))

	var r, _, err = c.t.gens.Region(pb.MgmtGenID)
	if err != nil {
		return err
	}
	for i := 0; i < len(c.states.chunks); {
		if r.U32(c.states.chunks[i].off+granule.DescriptorSize+sCount) != 0 {
			i++
		} else if err = c.states.release(c.t.gens, i, 1); err != nil {
			return err
		} else {
			trimmedChunksTotal.Inc()
		}
	}
	c.nextPrune = c.computeNextPrune()
	return nil
}

func (c *Context) computeNextPrune() uint64 {
	var next uint64 = math.MaxUint64
	for _, rg := range c.gens {
		if end := rg.chunks[0].base + uint64(c.t.cfg.RefsPerChunk); end < next {
			next = end
		}
	}
	if len(c.states.chunks) != 0 {
		if end := c.states.chunks[0].base + uint64(c.t.cfg.StatesPerChunk); end < next {
			next = end
		}
	}
	return next
}

// Statistics of the Context.
func (c *Context) Statistics() pb.ReferenceStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = pb.ReferenceStatistics{
		MinimumActiveOrderID: c.minActive,
		HighestOrderID:       c.highest,
	}
	if len(c.gens) != 0 {
		out.LowestGenID = c.gens[0].gen
		out.HighestGenID = c.gens[len(c.gens)-1].gen
	}
	return out
}

// MinActive returns the minimum active order ID of the Context.
func (c *Context) MinActive() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minActive
}

// RefGens returns the GenIDs of the Context's RefGens, oldest first.
func (c *Context) RefGens() []pb.GenID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make([]pb.GenID, len(c.gens))
	for i, rg := range c.gens {
		out[i] = rg.gen
	}
	return out
}

// RefStateChunks returns the number of RefState chunks of the Context.
func (c *Context) RefStateChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states.chunks)
}

func (c *Context) refGen(gen pb.GenID) (*RefGen, bool) {
	if rg, ok := c.byGen[gen]; ok {
		return rg, false
	}
	var rg = c.t.Pool.Get()
	rg.init(gen, c.t.cfg.CacheSize)
	c.gens = append(c.gens, rg)
	c.byGen[gen] = rg
	return rg, true
}

func (c *Context) dropRefGen(rg *RefGen) {
	for k := range c.gens {
		if c.gens[k] == rg {
			c.gens = append(c.gens[:k], c.gens[k+1:]...)
			break
		}
	}
	delete(c.byGen, rg.gen)
	c.t.Pool.Put(rg)
}

// refState returns the RefState of |orderID|, or RefStateNotValid.
func (c *Context) refState(orderID uint64) uint8 {
	var capS = uint64(c.t.cfg.StatesPerChunk)
	var base = orderID - orderID%capS

	var i, ok = c.states.seek(base, 0)
	if !ok {
		return pb.RefStateNotValid
	}
	var r, _, err = c.t.gens.Region(pb.MgmtGenID)
	if err != nil {
		return pb.RefStateNotValid
	}
	return r.U8(c.states.chunks[i].off + granule.DescriptorSize + RefStateChunkHeaderSize + (orderID - base))
}

// refStateSlot returns the Handle of the RefState of |orderID|, allocating
// its chunk if |alloc|.
func (c *Context) refStateSlot(orderID uint64, alloc bool) (pb.Handle, error) {
	var capS = uint64(c.t.cfg.StatesPerChunk)
	var base = orderID - orderID%capS

	var r, _, err = c.t.gens.Region(pb.MgmtGenID)
	if err != nil {
		return pb.NullHandle, err
	}
	var i, ok = c.states.seek(base, 0)
	if !ok && !alloc {
		return pb.NullHandle, errors.WithMessagef(pb.ErrNotFound, "refstate of order id %d", orderID)
	} else if !ok {
		h, err := c.t.gens.AllocateChunk(pb.MgmtGenID, granule.TypeRefStateChunk)
		if err != nil {
			return pb.NullHandle, err
		}
		var p = h.Offset + granule.DescriptorSize
		r.PutU32(p+sRsrv, 0)
		r.PutU32(p+sOwnerVersion, c.OwnerVersion)
		r.PutHandle(p+sOwner, c.Owner)
		r.PutU64(p+sBase, base)
		r.PutU32(p+sCount, 0)
		var states = r.Bytes(p+RefStateChunkHeaderSize, capS)
		for k := range states {
			states[k] = pb.RefStateNotValid
		}
		r.Persist(p, RefStateChunkHeaderSize+capS)

		c.states.insert(r, i, chunk{off: h.Offset, base: base})
		refStateChunksTotal.Inc()

		if end := base + capS; end < c.nextPrune {
			c.nextPrune = end
		}
	}
	var off = c.states.chunks[i].off + granule.DescriptorSize + RefStateChunkHeaderSize + (orderID - base)
	return pb.Handle{Gen: pb.MgmtGenID, Offset: off}, nil
}

func entryOffset(chunkOff, index uint64) uint64 {
	return chunkOff + granule.DescriptorSize + RefChunkHeaderSize + index*RefEntrySize
}
