package states

import (
	"sort"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// Owners resolves the current version of an owner, and whether it exists.
type Owners func(owner pb.Handle) (version uint32, ok bool)

// Rebuild the Contexts of the Table from the state chunks of its Pool.
// Transactions must already have been resolved: remaining reservations are
// released. Chunks of unknown owners or prior owner versions are freed, as
// are empty chunks other than the head. It returns the number of freed
// chunks.
func (t *Table) Rebuild(owners Owners) (int, error) {
	var r = t.pool.Region()
	var byOwner = make(map[pb.Handle][]uint64)
	var stale []uint64

	var err = t.pool.ForEach(func(off uint64, d granule.Descriptor) error {
		if d.DataType.Base() != granule.TypeStateChunk {
			return nil
		}
		var p = off + granule.DescriptorSize
		var owner, version = r.Handle(p + scOwner), r.U32(p + scVersion)

		if v, ok := owners(owner); !ok || v != version {
			stale = append(stale, off)
		} else {
			byOwner[owner] = append(byOwner[owner], off)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for owner, offs := range byOwner {
		var v, _ = owners(owner)
		var c, err = t.openLocked(owner, v)
		if err != nil {
			return 0, err
		}
		c.chunks = orderChunks(r, t.pool.Gen(), offs)

		var kept = c.chunks[:1]
		for i, off := range c.chunks {
			var n = t.recount(r, off)
			if n == 0 && i != 0 {
				stale = append(stale, off)
			} else if i != 0 {
				kept = append(kept, off)
			}
		}
		c.chunks = kept
		relink(r, t.pool.Gen(), c.chunks)
	}

	for _, off := range stale {
		log.WithFields(log.Fields{
			"offset": off,
			"owner":  r.Handle(off + granule.DescriptorSize + scOwner),
		}).Info("freeing released state chunk")

		r.SetNext(off, pb.NullHandle)
		if err := t.pool.Free(pb.Handle{Gen: t.pool.Gen(), Offset: off}); err != nil {
			return 0, err
		}
		chunksFreedTotal.Inc()
	}
	return len(stale), nil
}

// recount releases reserved entries of the chunk at |off|, and updates and
// returns its count of committed states.
func (t *Table) recount(r *granule.Region, off uint64) uint16 {
	var p = off + granule.DescriptorSize
	var n uint16

	for idx := uint64(0); idx != t.perChunk; idx++ {
		var e = p + ChunkHeaderSize + idx*EntrySize
		switch r.U8(e + esFlag) {
		case FlagValid:
			n++
		case FlagEmpty:
		default:
			r.Zero(e, EntrySize)
			r.Persist(e, EntrySize)
		}
	}
	if r.U16(p+scCount) != n {
		r.PutU16(p+scCount, n)
		r.Persist(p+scCount, 2)
	}
	return n
}

// orderChunks orders the chunks |offs| of an owner by walking links from its
// primary chunk. Chunks which aren't reached, as when a crash interrupted a
// link, follow in offset order.
func orderChunks(r *granule.Region, gen pb.GenID, offs []uint64) []uint64 {
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })

	var pending = make(map[uint64]bool, len(offs))
	var head uint64
	for _, off := range offs {
		pending[off] = true
		if head == 0 && r.DataTypeAt(off).IsPrimary() {
			head = off
		}
	}
	var out = make([]uint64, 0, len(offs))
	for off := head; off != 0 && pending[off]; {
		out = append(out, off)
		delete(pending, off)

		if next := r.NextAt(off); next.Gen == gen {
			off = next.Offset
		} else {
			off = 0
		}
	}
	for _, off := range offs {
		if pending[off] {
			out = append(out, off)
		}
	}
	return out
}

func relink(r *granule.Region, gen pb.GenID, chunks []uint64) {
	for i, off := range chunks {
		var typ = granule.TypeStateChunk
		if i != 0 {
			typ |= granule.FlagNotPrimary
		}
		if r.DataTypeAt(off) != typ {
			r.SetDataType(off, typ)
		}
		var next = pb.NullHandle
		if i+1 != len(chunks) {
			next = pb.Handle{Gen: gen, Offset: chunks[i+1]}
		}
		if r.NextAt(off) != next {
			r.SetNext(off, next)
		}
	}
}
