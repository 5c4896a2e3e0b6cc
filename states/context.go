package states

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// Layout of a state chunk payload.
const (
	scOwner     = 0
	scVersion   = 8
	scCount     = 12
	scLastAdded = 14

	// ChunkHeaderSize precedes the entries of a state chunk.
	ChunkHeaderSize = 16
	// EntrySize is the encoded size of a state chunk entry.
	EntrySize = 8

	esValue = 0
	esFlag  = 4
)

// Flags of state chunk entries.
const (
	FlagEmpty    uint8 = 0
	FlagReserved uint8 = 1
	FlagValid    uint8 = 2
)

// PerChunk returns the number of state entries which fit in a granule
// payload of |dataSize| bytes.
func PerChunk(dataSize uint32) int {
	if dataSize < ChunkHeaderSize {
		return 0
	}
	var n = int(dataSize-ChunkHeaderSize) / EntrySize
	if n > 0xffff {
		n = 0xffff
	}
	return n
}

// Table indexes the state Contexts of owners, whose chunks are allocated
// from a management Pool.
type Table struct {
	pool     *granule.Pool
	perChunk uint64

	mu       sync.Mutex
	contexts map[pb.Handle]*Context
}

// NewTable returns a Table which allocates chunks from |pool|, each having
// |perChunk| entries.
func NewTable(pool *granule.Pool, perChunk int) *Table {
	return &Table{
		pool:     pool,
		perChunk: uint64(perChunk),
		contexts: make(map[pb.Handle]*Context),
	}
}

// Context is the chain of state chunks of an owner.
type Context struct {
	t  *Table
	mu sync.Mutex

	Owner        pb.Handle
	OwnerVersion uint32

	chunks []uint64 // Chunk offsets, head first.
	opens  int
	gone   bool
}

// Open the Context of |owner|, creating it if required.
func (t *Table) Open(owner pb.Handle, version uint32) (*Context, error) {
	if err := owner.Validate(); err != nil {
		return nil, pb.ExtendContext(err, "Owner")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var c, err = t.openLocked(owner, version)
	if err == nil {
		c.opens++
	}
	return c, err
}

func (t *Table) openLocked(owner pb.Handle, version uint32) (*Context, error) {
	if c, ok := t.contexts[owner]; ok {
		if c.OwnerVersion != version {
			return nil, errors.WithMessagef(pb.ErrOwnerVersion,
				"owner %s (version %d; context has %d)", owner, version, c.OwnerVersion)
		}
		return c, nil
	}
	var c = &Context{t: t, Owner: owner, OwnerVersion: version}
	t.contexts[owner] = c
	return c, nil
}

// Lookup the Context of |owner|.
func (t *Table) Lookup(owner pb.Handle) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var c, ok = t.contexts[owner]
	return c, ok
}

// Len returns the number of Contexts.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// Close a Context previously returned by Open.
func (t *Table) Close(c *Context) {
	t.mu.Lock()
	if c.opens > 0 {
		c.opens--
	}
	t.mu.Unlock()
}

// Destroy frees the chunks of the Context and removes it from the Table.
func (t *Table) Destroy(c *Context) error {
	t.mu.Lock()
	if t.contexts[c.Owner] == c {
		delete(t.contexts, c.Owner)
	}
	t.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gone = true
	if len(c.chunks) == 0 {
		return nil
	}
	var head = pb.Handle{Gen: t.pool.Gen(), Offset: c.chunks[0]}
	chunksFreedTotal.Add(float64(len(c.chunks)))
	c.chunks = nil

	// Chunks are linked, and are freed as a single chain.
	return t.pool.Free(head)
}

// Reserve an entry for a state of |value|. The state becomes visible once
// committed by Table.CommitState.
func (c *Context) Reserve(value uint32) (pb.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gone {
		return pb.NullHandle, errors.WithMessagef(pb.ErrStaleHandle, "state context of %s", c.Owner)
	}
	var r = c.t.pool.Region()
	var chunkOff uint64
	var found bool

	for k := len(c.chunks) - 1; k >= 0 && !found; k-- {
		if uint64(r.U16(c.chunks[k]+granule.DescriptorSize+scCount)) < c.t.perChunk {
			chunkOff, found = c.chunks[k], true
		}
	}
	if !found {
		var err error
		if chunkOff, err = c.newChunk(r); err != nil {
			return pb.NullHandle, err
		}
	}
	var p = chunkOff + granule.DescriptorSize
	var last = uint64(r.U16(p + scLastAdded))

	for i := uint64(1); i <= c.t.perChunk; i++ {
		var idx = (last + i) % c.t.perChunk
		var e = p + ChunkHeaderSize + idx*EntrySize
		if r.U8(e+esFlag) != FlagEmpty {
			continue
		}
		r.PutU32(e+esValue, value)
		r.PutU8(e+esFlag, FlagReserved)
		r.Persist(e, EntrySize)

		r.PutU16(p+scCount, r.U16(p+scCount)+1)
		r.PutU16(p+scLastAdded, uint16(idx))
		r.Persist(p+scCount, 4)
		return pb.Handle{Gen: c.t.pool.Gen(), Offset: e}, nil
	}
	log.WithFields(log.Fields{"owner": c.Owner, "chunk": chunkOff}).
		Error("state chunk count disagrees with its entries")
	return pb.NullHandle, errors.WithMessagef(pb.ErrCorrupt, "state chunk %#x of %s", chunkOff, c.Owner)
}

func (c *Context) newChunk(r *granule.Region) (uint64, error) {
	var h, err = c.t.pool.Allocate(granule.TypeStateChunk, c.t.pool.DataSize())
	if err != nil {
		return 0, err
	}
	var p = h.Offset + granule.DescriptorSize
	r.PutHandle(p+scOwner, c.Owner)
	r.PutU32(p+scVersion, c.OwnerVersion)
	r.PutU16(p+scCount, 0)
	r.PutU16(p+scLastAdded, uint16(c.t.perChunk-1))
	r.Zero(p+ChunkHeaderSize, c.t.perChunk*EntrySize)
	r.Persist(p, ChunkHeaderSize+c.t.perChunk*EntrySize)

	r.SetNext(h.Offset, pb.NullHandle)
	if n := len(c.chunks); n != 0 {
		r.SetDataType(h.Offset, granule.TypeStateChunk|granule.FlagNotPrimary)
		r.SetNext(c.chunks[n-1], h)
	}
	c.chunks = append(c.chunks, h.Offset)
	chunksAllocatedTotal.Inc()
	return h.Offset, nil
}

// Get the committed state |h|.
func (c *Context) Get(h pb.Handle) (pb.StateObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r, e, err = c.t.resolve(c.Owner, h)
	if err != nil {
		return pb.StateObject{}, err
	} else if r.U8(e+esFlag) != FlagValid {
		return pb.StateObject{}, errors.WithMessagef(pb.ErrNotFound, "state %s of %s", h, c.Owner)
	}
	return pb.StateObject{Value: r.U32(e + esValue)}, nil
}

// Next returns the committed state following |after| in chain order, or
// io.EOF if there is none. A null |after| begins from the first state.
func (c *Context) Next(after pb.Handle) (pb.Handle, pb.StateObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r = c.t.pool.Region()
	var started = after.IsNull()

	for _, off := range c.chunks {
		var p = off + granule.DescriptorSize
		for idx := uint64(0); idx != c.t.perChunk; idx++ {
			var e = p + ChunkHeaderSize + idx*EntrySize
			if !started {
				started = e == after.Offset
				continue
			} else if r.U8(e+esFlag) != FlagValid {
				continue
			}
			return pb.Handle{Gen: c.t.pool.Gen(), Offset: e}, pb.StateObject{Value: r.U32(e + esValue)}, nil
		}
	}
	return pb.NullHandle, pb.StateObject{}, io.EOF
}

// Len returns the number of reserved or committed states of the Context.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r = c.t.pool.Region()
	var n int
	for _, off := range c.chunks {
		n += int(r.U16(off + granule.DescriptorSize + scCount))
	}
	return n
}

// Chunks returns the number of chunks of the Context.
func (c *Context) Chunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// The methods below apply the effects of logged state operations. Each is
// idempotent, and none requires that the owner's Context exists.

// CommitState makes the reserved state |h| visible.
func (t *Table) CommitState(owner, h pb.Handle) error {
	return t.withOwner(owner, func(*Context) error {
		var r, e, err = t.resolve(owner, h)
		if err != nil {
			return err
		}
		switch r.U8(e + esFlag) {
		case FlagReserved:
			r.PutU8(e+esFlag, FlagValid)
			r.Persist(e+esFlag, 1)
		case FlagValid:
		default:
			log.WithFields(log.Fields{"owner": owner, "state": h}).Error("committed state entry is empty")
			return errors.WithMessagef(pb.ErrCorrupt, "state entry %s is empty", h)
		}
		return nil
	})
}

// UndoState releases the reserved state |h|.
func (t *Table) UndoState(owner, h pb.Handle) error {
	return t.withOwner(owner, func(c *Context) error { return t.clear(c, owner, h) })
}

// DeleteState removes the committed state |h|.
func (t *Table) DeleteState(owner, h pb.Handle) error {
	return t.withOwner(owner, func(c *Context) error { return t.clear(c, owner, h) })
}

func (t *Table) clear(c *Context, owner, h pb.Handle) error {
	// The chunk was freed by a prior application.
	if start, ok := t.pool.GranuleStart(h.Offset); ok && h.Gen == t.pool.Gen() &&
		t.pool.Region().DataTypeAt(start) == granule.TypeFree {
		return nil
	}
	var r, e, err = t.resolve(owner, h)
	if err != nil {
		return err
	} else if r.U8(e+esFlag) == FlagEmpty {
		return nil
	}
	r.Zero(e, EntrySize)
	r.Persist(e, EntrySize)

	var start, _ = t.pool.GranuleStart(h.Offset)
	var p = start + granule.DescriptorSize
	var n = r.U16(p + scCount)
	if n != 0 {
		n--
		r.PutU16(p+scCount, n)
		r.Persist(p+scCount, 2)
	}
	if n == 0 && c != nil {
		return c.freeEmpty(start)
	}
	return nil
}

// freeEmpty unlinks and frees the empty chunk at |off|, unless it's the
// head of the chain.
func (c *Context) freeEmpty(off uint64) error {
	var r = c.t.pool.Region()
	for k := 1; k < len(c.chunks); k++ {
		if c.chunks[k] != off {
			continue
		}
		r.SetNext(c.chunks[k-1], r.NextAt(off))
		r.SetNext(off, pb.NullHandle)
		c.chunks = append(c.chunks[:k], c.chunks[k+1:]...)
		chunksFreedTotal.Inc()
		return c.t.pool.Free(pb.Handle{Gen: c.t.pool.Gen(), Offset: off})
	}
	return nil
}

// resolve validates that |h| is a state entry of |owner|, returning its
// Region and entry offset.
func (t *Table) resolve(owner, h pb.Handle) (*granule.Region, uint64, error) {
	var r = t.pool.Region()
	if h.Gen != t.pool.Gen() {
		return nil, 0, errors.WithMessagef(pb.ErrStaleHandle, "state %s is not of generation %s", h, t.pool.Gen())
	}
	var start, ok = t.pool.GranuleStart(h.Offset)
	if !ok {
		return nil, 0, errors.WithMessagef(pb.ErrStaleHandle, "state %s is outside its pool", h)
	} else if dt := r.DataTypeAt(start); dt.Base() != granule.TypeStateChunk {
		return nil, 0, errors.WithMessagef(pb.ErrStaleHandle, "state %s is within a %s granule", h, dt)
	}
	var p = start + granule.DescriptorSize
	var rel = h.Offset - p
	if rel < ChunkHeaderSize || (rel-ChunkHeaderSize)%EntrySize != 0 ||
		(rel-ChunkHeaderSize)/EntrySize >= t.perChunk {
		return nil, 0, errors.WithMessagef(pb.ErrStaleHandle, "state %s is not an entry", h)
	} else if o := r.Handle(p + scOwner); o != owner {
		return nil, 0, errors.WithMessagef(pb.ErrStaleHandle, "state %s is owned by %s, not %s", h, o, owner)
	}
	return r, h.Offset, nil
}

func (t *Table) withOwner(owner pb.Handle, fn func(*Context) error) error {
	t.mu.Lock()
	var c = t.contexts[owner]
	t.mu.Unlock()

	if c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return fn(c)
}
