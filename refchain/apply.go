package refchain

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// The methods below apply the effects of logged reference operations. Each
// is idempotent, and none requires that the owner's Context exists (as
// during recovery, which resolves transactions before Contexts are rebuilt).

// CommitReference makes the reserved entry |slot| of |orderID| visible.
func (t *Table) CommitReference(owner, slot pb.Handle, orderID uint64) error {
	return t.withOwner(owner, func(*Context) error {
		var r, writable, e, err = t.resolveEntry(owner, slot, orderID)
		if err != nil {
			return err
		} else if !writable {
			return errors.WithMessagef(pb.ErrStaleHandle, "generation %s is not writable", slot.Gen)
		}
		switch r.U8(e + eFlag) {
		case FlagReserved:
			r.PutU8(e+eFlag, FlagValid)
			r.Persist(e+eFlag, 1)
		case FlagValid:
		default:
			log.WithFields(log.Fields{"owner": owner, "slot": slot, "orderID": orderID}).
				Error("committed reference entry is empty")
			return errors.WithMessagef(pb.ErrCorrupt, "reference entry %s is empty", slot)
		}
		return nil
	})
}

// UndoReference clears the entry |slot| of |orderID|.
func (t *Table) UndoReference(owner, slot pb.Handle, orderID uint64) error {
	return t.withOwner(owner, func(*Context) error {
		var r, writable, e, err = t.resolveEntry(owner, slot, orderID)
		if err != nil || !writable {
			return err
		}
		clearEntry(r, e, orderID%uint64(t.cfg.RefsPerChunk))
		return nil
	})
}

// UpdateReference sets the state and value of the committed entry |slot|.
// If its generation is no longer writable, the state is recorded as a
// RefState instead.
func (t *Table) UpdateReference(owner, slot pb.Handle, orderID uint64, state uint8, value uint32) error {
	return t.withOwner(owner, func(c *Context) error {
		var r, writable, e, err = t.resolveEntry(owner, slot, orderID)
		if err != nil {
			return err
		} else if !writable {
			return t.shadow(c, orderID, state)
		}
		r.PutU32(e+eValue, value)
		r.PutU8(e+eState, state)
		r.Persist(e+eValue, 5)
		return nil
	})
}

// DeleteReference clears the committed entry |slot|. If its generation is no
// longer writable, it's recorded as a deleted RefState instead.
func (t *Table) DeleteReference(owner, slot pb.Handle, orderID uint64) error {
	return t.withOwner(owner, func(c *Context) error {
		var r, writable, e, err = t.resolveEntry(owner, slot, orderID)
		if err != nil {
			return err
		} else if !writable {
			return t.shadow(c, orderID, pb.RefStateDeleted)
		}
		clearEntry(r, e, orderID%uint64(t.cfg.RefsPerChunk))
		return nil
	})
}

// SetRefState sets the RefState |h| of |orderID| to |state|.
func (t *Table) SetRefState(owner, h pb.Handle, orderID uint64, state uint8) error {
	return t.withOwner(owner, func(*Context) error {
		var idx = orderID % uint64(t.cfg.StatesPerChunk)
		if h.Gen != pb.MgmtGenID || h.Offset < granule.DescriptorSize+RefStateChunkHeaderSize+idx {
			return errors.WithMessagef(pb.ErrStaleHandle, "refstate %s of order id %d", h, orderID)
		}
		var off = h.Offset - granule.DescriptorSize - RefStateChunkHeaderSize - idx

		var r, _, err = t.gens.Region(pb.MgmtGenID)
		if err != nil {
			return err
		}
		p, err := checkChunk(r, off, granule.TypeRefStateChunk)
		if err != nil {
			return err
		} else if o := r.Handle(p + sOwner); o != owner {
			return errors.WithMessagef(pb.ErrStaleHandle, "refstate %s is owned by %s, not %s", h, o, owner)
		} else if base := r.U64(p + sBase); base != orderID-idx {
			return errors.WithMessagef(pb.ErrStaleHandle, "refstate %s has base %d (order id %d)", h, base, orderID)
		}
		putRefState(r, p, h.Offset, state)
		return nil
	})
}

func (t *Table) shadow(c *Context, orderID uint64, state uint8) error {
	if c == nil {
		log.WithFields(log.Fields{"orderID": orderID, "state": state}).
			Warn("dropping reference update of an unknown context")
		return nil
	}
	var h, err = c.refStateSlot(orderID, true)
	if err != nil {
		return err
	}
	var r, _, _ = t.gens.Region(pb.MgmtGenID)
	var p = h.Offset - RefStateChunkHeaderSize - orderID%uint64(t.cfg.StatesPerChunk)

	putRefState(r, p, h.Offset, state)
	return nil
}

// putRefState sets the state at |off| of the RefState chunk having payload
// offset |p|, and counts states which are no longer NOT_VALID.
func putRefState(r *granule.Region, p, off uint64, state uint8) {
	var prior = r.U8(off)
	if prior == state {
		return
	}
	r.PutU8(off, state)
	r.Persist(off, 1)

	if prior == pb.RefStateNotValid {
		r.PutU32(p+sCount, r.U32(p+sCount)+1)
		r.Persist(p+sCount, 4)
	}
}

// resolveEntry validates that |slot| is the entry of |orderID| within a
// reference chunk of |owner|, and returns its Region and offset.
func (t *Table) resolveEntry(owner, slot pb.Handle, orderID uint64) (*granule.Region, bool, uint64, error) {
	var capR = uint64(t.cfg.RefsPerChunk)
	var idx = orderID % capR
	var lead = granule.DescriptorSize + RefChunkHeaderSize + idx*RefEntrySize

	if slot.Gen == pb.NullGenID || slot.Offset < lead {
		return nil, false, 0, errors.WithMessagef(pb.ErrStaleHandle, "reference %s of order id %d", slot, orderID)
	}
	var r, writable, err = t.gens.Region(slot.Gen)
	if err != nil {
		return nil, false, 0, err
	}
	var off = slot.Offset - lead
	p, err := checkChunk(r, off, granule.TypeRefChunk)
	if err != nil {
		return nil, false, 0, err
	} else if o := r.Handle(p + rcOwner); o != owner {
		return nil, false, 0, errors.WithMessagef(pb.ErrStaleHandle, "reference %s is owned by %s, not %s", slot, o, owner)
	} else if base := r.U64(p + rcBase); base != orderID-idx {
		return nil, false, 0, errors.WithMessagef(pb.ErrStaleHandle, "reference %s has base %d (order id %d)", slot, base, orderID)
	}
	return r, writable, slot.Offset, nil
}

// clearEntry empties the entry at |e|, which is entry |idx| of its chunk.
func clearEntry(r *granule.Region, e, idx uint64) {
	if r.U8(e+eFlag) == FlagEmpty {
		return
	}
	r.Zero(e, RefEntrySize)
	r.Persist(e, RefEntrySize)

	var p = e - RefChunkHeaderSize - idx*RefEntrySize
	if n := r.U32(p + rcCount); n != 0 {
		r.PutU32(p+rcCount, n-1)
		r.Persist(p+rcCount, 4)
	}
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
