package refchain

import (
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// Owners resolves the current version and minimum active order ID of an
// owner, and whether the owner exists.
type Owners func(owner pb.Handle) (version uint32, minActive uint64, ok bool)

// RebuildGeneration rebuilds RefGens from the reference chunks of Pool |p|,
// which is of generation |id|. Generations should be rebuilt from oldest to
// newest. Chunks of unknown owners, or of prior owner versions, are
// released. It returns the number of released chunks.
func (t *Table) RebuildGeneration(id pb.GenID, p *granule.Pool, owners Owners) (int, error) {
	var _, writable, err = t.gens.Region(id)
	if err != nil {
		return 0, err
	}
	var r = p.Region()
	var capR = uint64(t.cfg.RefsPerChunk)
	var stale []uint64
	var touched = make(map[*Context]struct{})

	t.mu.Lock()
	err = p.ForEach(func(off uint64, d granule.Descriptor) error {
		if d.DataType.Base() != granule.TypeRefChunk {
			return nil
		}
		var pl = off + granule.DescriptorSize
		var owner, version, base = r.Handle(pl + rcOwner), r.U32(pl + rcOwnerVersion), r.U64(pl + rcBase)

		var v, minActive, ok = owners(owner)
		if !ok || v != version || base%capR != 0 {
			stale = append(stale, off)
			return nil
		}
		var c, _ = t.openLocked(owner, v, minActive)
		var rg, _ = c.refGen(id)

		var i, found = rg.seek(base, 0)
		if found {
			stale = append(stale, off)
			return nil
		}
		rg.chunks = append(rg.chunks, chunk{})
		copy(rg.chunks[i+1:], rg.chunks[i:])
		rg.chunks[i] = chunk{off: off, base: base}
		touched[c] = struct{}{}
		return nil
	})
	t.mu.Unlock()

	if err != nil {
		return 0, err
	}
	for c := range touched {
		var rg = c.byGen[id]
		if writable {
			relink(r, &rg.chain)
		}
		for _, ch := range rg.chunks {
			var count uint32
			for idx := uint64(0); idx != capR; idx++ {
				var e = entryOffset(ch.off, idx)
				switch r.U8(e + eFlag) {
				case FlagValid:
				case FlagReserved:
					// Reservations of resolved transactions were committed or undone.
					if writable {
						clearEntry(r, e, idx)
					}
					continue
				default:
					continue
				}
				count++
				var oid = ch.base + idx
				if rg.Lowest == 0 || oid < rg.Lowest {
					rg.Lowest = oid
				}
				if oid > rg.Highest {
					rg.Highest = oid
				}
				if oid > c.highest {
					c.highest = oid
				}
			}
			if writable && r.U32(ch.off+granule.DescriptorSize+rcCount) != count {
				r.PutU32(ch.off+granule.DescriptorSize+rcCount, count)
				r.Persist(ch.off+granule.DescriptorSize+rcCount, 4)
			}
		}
		if end := rg.chunks[0].base + capR; end < c.nextPrune {
			c.nextPrune = end
		}
	}
	return len(stale), t.releaseStale(id, writable, r, stale)
}

// RebuildStates rebuilds the RefState chains of Contexts from the RefState
// chunks of management Pool |p|. Chunks of unknown owners, or of prior owner
// versions, are released.
func (t *Table) RebuildStates(p *granule.Pool, owners Owners) (int, error) {
	var r = p.Region()
	var capS = uint64(t.cfg.StatesPerChunk)
	var stale []uint64
	var touched = make(map[*Context]struct{})

	t.mu.Lock()
	var err = p.ForEach(func(off uint64, d granule.Descriptor) error {
		if d.DataType.Base() != granule.TypeRefStateChunk {
			return nil
		}
		var pl = off + granule.DescriptorSize
		var owner, version, base = r.Handle(pl + sOwner), r.U32(pl + sOwnerVersion), r.U64(pl + sBase)

		var v, minActive, ok = owners(owner)
		if !ok || v != version || base%capS != 0 {
			stale = append(stale, off)
			return nil
		}
		var c, _ = t.openLocked(owner, v, minActive)
		var i, found = c.states.seek(base, 0)
		if found {
			stale = append(stale, off)
			return nil
		}
		c.states.chunks = append(c.states.chunks, chunk{})
		copy(c.states.chunks[i+1:], c.states.chunks[i:])
		c.states.chunks[i] = chunk{off: off, base: base}
		touched[c] = struct{}{}
		return nil
	})
	t.mu.Unlock()

	if err != nil {
		return 0, err
	}
	for c := range touched {
		relink(r, &c.states)
		if end := c.states.chunks[0].base + capS; end < c.nextPrune {
			c.nextPrune = end
		}
	}
	return len(stale), t.releaseStale(pb.MgmtGenID, true, r, stale)
}

// FinishRebuild prunes every rebuilt Context whose minimum active order ID
// has passed its next prune order ID.
func (t *Table) FinishRebuild() error {
	t.mu.Lock()
	var all = make([]*Context, 0, len(t.contexts))
	for _, c := range t.contexts {
		all = append(all, c)
	}
	t.mu.Unlock()

	for _, c := range all {
		c.mu.Lock()
		var err error
		if c.minActive >= c.nextPrune {
			err = c.pruneLocked()
		}
		c.mu.Unlock()

		if err != nil {
			return err
		}
	}
	return nil
}

// relink rewrites the links and primary flags of a rebuilt chain, repairing
// an insertion which was interrupted by a crash.
func relink(r *granule.Region, ch *chain) {
	for i, c := range ch.chunks {
		var typ = ch.typ
		if i != 0 {
			typ |= granule.FlagNotPrimary
		}
		if r.DataTypeAt(c.off) != typ {
			r.SetDataType(c.off, typ)
		}
		var next = pb.NullHandle
		if i+1 != len(ch.chunks) {
			next = ch.handle(i + 1)
		}
		if r.NextAt(c.off) != next {
			r.SetNext(c.off, next)
		}
	}
}

func (t *Table) releaseStale(id pb.GenID, writable bool, r *granule.Region, stale []uint64) error {
	for _, off := range stale {
		log.WithFields(log.Fields{
			"gen":    id,
			"offset": off,
			"type":   r.DataTypeAt(off),
		}).Warn("releasing orphaned reference chunk")

		if writable {
			r.SetNext(off, pb.NullHandle)
		}
		if err := t.gens.ReleaseChunk(pb.Handle{Gen: id, Offset: off}); err != nil {
			return err
		}
	}
	return nil
}
