package store

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

// applier applies the forward and undo effects of logged Operations to the
// Engine. Each effect is idempotent, as a transaction interrupted by a crash
// may be re-applied during recovery.
type applier struct{ e *Engine }

// ApplyOperation implements txnlog.Applier.
func (a applier) ApplyOperation(op txnlog.Operation) error {
	var e = a.e

	switch op.Type {
	case txnlog.OpCreateRecord:
		return e.commitRecord(op.Handle)
	case txnlog.OpDeleteRecord:
		return e.deleteRecord(op.Handle)
	case txnlog.OpUpdateRecord:
		return e.updateRecord(op.Handle, &op.Attribute, &op.State)
	case txnlog.OpUpdateRecordAttr:
		return e.updateRecord(op.Handle, &op.Attribute, nil)
	case txnlog.OpUpdateRecordState:
		return e.updateRecord(op.Handle, nil, &op.State)
	case txnlog.OpCreateReference:
		return e.refs.CommitReference(op.Handle2, op.Handle, op.Attribute)
	case txnlog.OpDeleteReference:
		return e.refs.DeleteReference(op.Handle2, op.Handle, op.Attribute)
	case txnlog.OpUpdateReference:
		return e.refs.UpdateReference(op.Handle2, op.Handle, op.Attribute, op.RefState, op.Value)
	case txnlog.OpUpdateRefState:
		return e.refs.SetRefState(op.Handle2, op.Handle, op.Attribute, op.RefState)
	case txnlog.OpCreateState:
		return e.states.CommitState(op.Handle2, op.Handle)
	case txnlog.OpDeleteState:
		return e.states.DeleteState(op.Handle2, op.Handle)
	case txnlog.OpUpdateActiveOid:
		return e.setMinActive(op.Handle, op.Attribute)
	default:
		return errors.WithMessagef(pb.ErrCorrupt, "unexpected operation %s", op.Type)
	}
}

// UndoOperation implements txnlog.Applier. Only Operations which reserve
// resources ahead of commit have an undo effect.
func (a applier) UndoOperation(op txnlog.Operation) error {
	var e = a.e

	switch op.Type {
	case txnlog.OpCreateRecord:
		return e.freeRecord(op.Handle)
	case txnlog.OpCreateReference:
		return e.refs.UndoReference(op.Handle2, op.Handle, op.Attribute)
	case txnlog.OpCreateState:
		return e.states.UndoState(op.Handle2, op.Handle)
	default:
		return nil
	}
}

// commitRecord clears the Uncommitted flag of each granule of record |h|.
func (e *Engine) commitRecord(h pb.Handle) error {
	var g, err = e.gens.ResolveWritable(h)
	if err != nil {
		return err
	}
	var r = g.Region
	var dt = r.DataTypeAt(h.Offset)

	if dt == granule.TypeFree {
		return errors.WithMessagef(pb.ErrStaleHandle, "committed record %s is free", h)
	} else if !dt.IsUncommitted() {
		return nil // Already applied.
	}
	p, err := g.Granule(h, false)
	if err != nil {
		return err
	}
	offs, err := p.Chain(h)
	if err != nil {
		return err
	}
	for _, off := range offs {
		r.SetDataType(off, r.DataTypeAt(off)&^granule.FlagUncommitted)
	}
	if typ := pb.RecordType(dt.Base()); typ.IsOwner() {
		e.countOwner(e.ownerHeader(h, typ), 1)
	}
	return nil
}

// freeRecord releases uncommitted record |h|, and the LargeData chain of an
// owner.
func (e *Engine) freeRecord(h pb.Handle) error {
	var g, err = e.gens.ResolveWritable(h)
	if err != nil {
		return err
	}
	var dt = g.Region.DataTypeAt(h.Offset)
	if dt == granule.TypeFree {
		return nil // Already released.
	}
	p, err := g.Granule(h, false)
	if err != nil {
		return err
	}
	if typ := pb.RecordType(dt.Base()); typ.IsOwner() {
		e.freeLargeData(e.ownerHeader(h, typ).large)
	}
	return p.Free(h)
}

// freeLargeData frees the owner LargeData chain |h|, if it's still held.
func (e *Engine) freeLargeData(h pb.Handle) {
	if h.IsNull() {
		return
	}
	var mgmt = e.gens.Mgmt()
	if !mgmt.Pools[1].Contains(h.Offset) || mgmt.Region.DataTypeAt(h.Offset) != granule.TypeLargeData {
		return
	}
	if err := mgmt.Pools[1].Free(h); err != nil {
		log.WithFields(log.Fields{"large": h, "err": err}).Warn("failed to free owner data")
	}
}

// deleteRecord releases committed record |h|. Owners additionally destroy
// their reference and state contexts. Records of generations which are no
// longer writable are released from the generation's GenMap.
func (e *Engine) deleteRecord(h pb.Handle) error {
	var g, writable, m, err = e.generation(h.Gen)
	if err != nil {
		return err
	}
	var dt = g.Region.DataTypeAt(h.Offset)
	if dt == granule.TypeFree {
		return nil // Already applied.
	}
	p, err := g.Granule(h, false)
	if err != nil {
		return err
	}

	if typ := pb.RecordType(dt.Base()); typ.IsOwner() && h.Gen == pb.MgmtGenID {
		var info = e.ownerHeader(h, typ)
		if c, ok := e.refs.Lookup(h); ok {
			if err = e.refs.Destroy(c); err != nil {
				log.WithFields(log.Fields{"owner": h, "err": err}).Warn("failed to release owner references")
			}
		}
		if c, ok := e.states.Lookup(h); ok {
			if err = e.states.Destroy(c); err != nil {
				log.WithFields(log.Fields{"owner": h, "err": err}).Warn("failed to release owner states")
			}
		}
		e.freeLargeData(info.large)
		e.countOwner(info, -1)
	}

	if writable {
		return p.Free(h)
	}
	offs, err := p.Chain(h)
	if err != nil {
		return err
	} else if m == nil {
		return errors.WithMessagef(pb.ErrNotMapped, "generation %s has no map", h.Gen)
	}
	m.Mu.Lock()
	m.Release(offs, true)
	var reclaimable = m.Reclaimable()
	m.Mu.Unlock()

	if reclaimable {
		log.WithField("gen", h.Gen).Debug("generation is reclaimable")
	}
	return nil
}

// updateRecord sets the attribute and/or state of record |h|.
func (e *Engine) updateRecord(h pb.Handle, attribute, state *uint64) error {
	var g, err = e.gens.ResolveWritable(h)
	if err != nil {
		return err
	} else if _, err = g.Granule(h, false); err != nil {
		return err
	}
	var d = g.Region.Descriptor(h.Offset)
	if attribute != nil {
		d.Attribute = *attribute
	}
	if state != nil {
		d.State = *state
	}
	g.Region.SetAttrState(h.Offset, d.Attribute, d.State)
	return nil
}

// setMinActive raises the minimum active order ID of owner |h| to |oid|.
// It never lowers it.
func (e *Engine) setMinActive(h pb.Handle, oid uint64) error {
	var mgmt = e.gens.Mgmt()
	if _, err := mgmt.Granule(h, false); err != nil {
		return err
	}
	var off = h.Offset + granule.DescriptorSize + oMinActive
	if mgmt.Region.U64(off) < oid {
		mgmt.Region.PutU64(off, oid)
		mgmt.Region.Persist(off, 8)
	}
	if c, ok := e.refs.Lookup(h); ok {
		if _, err := c.SetMinActive(oid); err != nil {
			return err
		}
	}
	return nil
}

// ownerVersionOf returns the version and minimum active order ID of
// committed owner |h|, for rebuilding reference and state contexts.
func (e *Engine) ownerVersionOf(h pb.Handle) (uint32, uint64, bool) {
	var mgmt = e.gens.Mgmt()
	if h.Gen != pb.MgmtGenID || !mgmt.Pools[0].Contains(h.Offset) {
		return 0, 0, false
	} else if _, ok := mgmt.Pools[0].Index(h.Offset); !ok {
		return 0, 0, false
	}
	var dt = mgmt.Region.DataTypeAt(h.Offset)
	var typ = pb.RecordType(dt.Base())

	if !dt.IsRecord() || !dt.IsPrimary() || dt.IsUncommitted() || !typ.IsOwner() {
		return 0, 0, false
	}
	var info = e.ownerHeader(h, typ)
	return info.version, info.minActive, true
}

var _ txnlog.Applier = applier{}
