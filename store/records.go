package store

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/generation"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

// Owner records are held in the management small pool. Their payload is a
// header followed by inline data, or by nothing if the data is held in a
// LargeData chain of the management large pool. The version of an owner is
// incremented each time its granule is reused, which invalidates reference
// and state chunks of prior occupants.
const (
	oVersion        = 0  // u32
	oLarge          = 8  // Handle of LargeData chain, or null.
	oLength         = 16 // u32 total data length.
	oMinActive      = 24 // u64 minimum active order ID.
	ownerHeaderSize = 32
)

// UpdateFlags select the fields modified by UpdateRecord.
type UpdateFlags struct {
	SetAttribute bool
	SetState     bool
}

// ownerInfo is the decoded header of an owner record.
type ownerInfo struct {
	typ       pb.RecordType
	version   uint32
	minActive uint64
	large     pb.Handle
	length    uint32
}

// CreateRecord creates |rec| within the Stream's transaction, returning its
// Handle. Owner and server records are created in the management
// generation, and data records in the Stream's bound data generation.
func (s *Stream) CreateRecord(rec pb.Record) (pb.Handle, error) {
	if err := rec.Validate(); err != nil {
		return pb.NullHandle, errors.WithMessage(pb.ErrArgNotValid, err.Error())
	} else if err = s.prepare(); err != nil {
		return pb.NullHandle, err
	} else if err = s.log.EnsureAllocation(1); err != nil {
		return pb.NullHandle, err
	}

	var h pb.Handle
	var err error
	var typ = granule.RecordDataType(rec.Type) | granule.FlagUncommitted

	switch {
	case rec.Type.IsOwner():
		h, err = s.createOwner(rec, typ)
	case rec.Type.IsMgmt():
		h, err = s.createIn(s.e.gens.Mgmt(), rec, typ, nil)
	default:
		var g, _, _, gerr = s.e.generation(s.myGen)
		if gerr != nil {
			return pb.NullHandle, gerr
		}
		h, err = s.createIn(g, rec, typ, &s.cache)
	}
	if err != nil {
		return pb.NullHandle, err
	}
	if err = s.add(txnlog.Operation{Type: txnlog.OpCreateRecord, DataType: typ, Handle: h}); err != nil {
		_ = s.e.freeRecord(h)
		return pb.NullHandle, err
	}
	recordsTotal.WithLabelValues(rec.Type.String()).Inc()
	return h, nil
}

// createIn allocates and writes |rec| within generation |g|: its small pool
// if it fits a single granule, and otherwise a chain of its large pool.
func (s *Stream) createIn(g *generation.Generation, rec pb.Record, typ granule.DataType, cache *[]uint64) (pb.Handle, error) {
	var length = uint32(rec.DataLength())
	var p = g.Pools[1]
	var h pb.Handle
	var err error

	if p0 := g.Pools[0]; length <= p0.DataSize() {
		p = p0
		if cache != nil {
			h, err = p0.AllocateFrom(cache, typ, length)
		} else {
			h, err = p0.Allocate(typ, length)
		}
	} else {
		h, err = p.Allocate(typ, length)
	}
	if errors.Cause(err) == pb.ErrStoreFull && g.ID().IsData() {
		s.e.requestClose(g.ID())
		return pb.NullHandle, errors.WithMessagef(pb.ErrGenerationFull, "%s record of %d bytes", rec.Type, length)
	} else if err != nil {
		return pb.NullHandle, err
	}
	if err = p.Write(h, rec.Frags...); err != nil {
		_ = p.Free(h)
		return pb.NullHandle, err
	}
	g.Region.SetAttrState(h.Offset, rec.Attribute, rec.State)
	return h, nil
}

// createOwner allocates and writes owner |rec| within the management
// generation.
func (s *Stream) createOwner(rec pb.Record, typ granule.DataType) (pb.Handle, error) {
	var e = s.e
	var mgmt = e.gens.Mgmt()
	var p0, p1 = mgmt.Pools[0], mgmt.Pools[1]
	var length = uint32(rec.DataLength())
	var inline = length <= p0.DataSize()-ownerHeaderSize

	var footprint = uint64(p0.GranuleSize())
	if !inline {
		footprint += uint64(p1.GranuleSize()) * uint64((length+p1.DataSize()-1)/p1.DataSize())
	}
	if err := e.checkOwnerLimit(footprint); err != nil {
		return pb.NullHandle, err
	}

	var large = pb.NullHandle
	var frags = rec.Frags
	if !inline {
		var err error
		if large, err = p1.Allocate(granule.TypeLargeData, length); err != nil {
			return pb.NullHandle, err
		} else if err = p1.Write(large, rec.Frags...); err != nil {
			_ = p1.Free(large)
			return pb.NullHandle, err
		}
		frags = nil
	}

	var alloc = uint32(ownerHeaderSize)
	if inline {
		alloc += length
	}
	var h, err = p0.Allocate(typ, alloc)
	if err != nil {
		if !large.IsNull() {
			_ = p1.Free(large)
		}
		return pb.NullHandle, err
	}
	// Payloads survive Free, so the prior occupant's version remains.
	var payload = h.Offset + granule.DescriptorSize
	var version = mgmt.Region.U32(payload+oVersion) + 1

	var hdr [ownerHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[oVersion:], version)
	binary.LittleEndian.PutUint64(hdr[oLarge:], large.Pack())
	binary.LittleEndian.PutUint32(hdr[oLength:], length)

	if err = p0.Write(h, append([][]byte{hdr[:]}, frags...)...); err != nil {
		_ = p0.Free(h)
		if !large.IsNull() {
			_ = p1.Free(large)
		}
		return pb.NullHandle, err
	}
	mgmt.Region.SetAttrState(h.Offset, rec.Attribute, rec.State)

	log.WithFields(log.Fields{"owner": h, "type": rec.Type, "version": version}).Debug("created owner")
	return h, nil
}

// checkOwnerLimit returns ErrOwnerLimit if owners of |footprint| further
// bytes would exceed OwnerLimitPct of the management small pool.
func (e *Engine) checkOwnerLimit(footprint uint64) error {
	var p0 = e.gens.Mgmt().Pools[0]
	var limit = uint64(p0.MaxCount()) * uint64(p0.GranuleSize()) * uint64(e.cfg.OwnerLimitPct) / 100

	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()

	var total uint64
	for _, n := range e.ownerBytes {
		total += n
	}
	if total+footprint > limit {
		return errors.WithMessagef(pb.ErrOwnerLimit, "owners use %d of %d bytes", total, limit)
	}
	return nil
}

// countOwner adds (or, if |delta| is negative, removes) the bytes of the
// owner of |info| to the byte count of its type.
func (e *Engine) countOwner(info ownerInfo, delta int) {
	var mgmt = e.gens.Mgmt()
	var n = uint64(mgmt.Pools[0].GranuleSize())
	if !info.large.IsNull() {
		var p1 = mgmt.Pools[1]
		n += uint64(p1.GranuleSize()) * uint64((info.length+p1.DataSize()-1)/p1.DataSize())
	}
	e.ownerMu.Lock()
	if delta > 0 {
		e.ownerBytes[info.typ] += n
	} else if e.ownerBytes[info.typ] >= n {
		e.ownerBytes[info.typ] -= n
	} else {
		e.ownerBytes[info.typ] = 0
	}
	e.ownerMu.Unlock()
}

// UpdateRecord logs an update of the attribute and/or state of record |h|,
// which must be within a writable generation.
func (s *Stream) UpdateRecord(h pb.Handle, attribute, state uint64, flags UpdateFlags) error {
	if !flags.SetAttribute && !flags.SetState {
		return errors.WithMessage(pb.ErrArgNotValid, "no field to update")
	}
	var g, err = s.e.gens.ResolveWritable(h)
	if err != nil {
		return err
	} else if _, err = g.Granule(h, false); err != nil {
		return err
	} else if err = s.prepare(); err != nil {
		return err
	}

	var op = txnlog.Operation{Handle: h, Attribute: attribute, State: state}
	switch {
	case flags.SetAttribute && flags.SetState:
		op.Type = txnlog.OpUpdateRecord
	case flags.SetAttribute:
		op.Type = txnlog.OpUpdateRecordAttr
	default:
		op.Type = txnlog.OpUpdateRecordState
	}
	return s.add(op)
}

// DeleteRecord logs the deletion of committed record |h|.
func (s *Stream) DeleteRecord(h pb.Handle) error {
	if err := h.Validate(); err != nil {
		return errors.WithMessage(pb.ErrArgNotValid, err.Error())
	}
	var d, err = s.e.descriptor(h)
	if err != nil {
		return err
	} else if !d.DataType.IsRecord() {
		return errors.WithMessagef(pb.ErrArgNotValid, "%s is a %s", h, d.DataType)
	} else if d.DataType.IsUncommitted() {
		return errors.WithMessagef(pb.ErrNotFound, "%s is not committed", h)
	} else if err = s.prepare(); err != nil {
		return err
	}
	return s.add(txnlog.Operation{Type: txnlog.OpDeleteRecord, DataType: d.DataType, Handle: h})
}

// descriptor validates that |h| is a live primary granule, and returns its
// Descriptor.
func (e *Engine) descriptor(h pb.Handle) (granule.Descriptor, error) {
	var g, writable, m, err = e.generation(h.Gen)
	if err != nil {
		return granule.Descriptor{}, err
	} else if _, err = g.Granule(h, false); err != nil {
		return granule.Descriptor{}, err
	}
	if !writable && m != nil {
		m.Mu.Lock()
		var live = m.IsLive(h.Offset)
		m.Mu.Unlock()

		if !live {
			return granule.Descriptor{}, errors.WithMessagef(pb.ErrStaleHandle, "%s was deleted", h)
		}
	}
	return g.Region.Descriptor(h.Offset), nil
}

// ReadRecord returns committed record |h|.
func (e *Engine) ReadRecord(h pb.Handle) (pb.Record, error) {
	if err := h.Validate(); err != nil {
		return pb.Record{}, errors.WithMessage(pb.ErrArgNotValid, err.Error())
	}
	var g, _, _, err = e.generation(h.Gen)
	if err != nil {
		return pb.Record{}, err
	}
	d, err := e.descriptor(h)
	if err != nil {
		return pb.Record{}, err
	} else if !d.DataType.IsRecord() {
		return pb.Record{}, errors.WithMessagef(pb.ErrArgNotValid, "%s is a %s", h, d.DataType)
	} else if d.DataType.IsUncommitted() {
		return pb.Record{}, errors.WithMessagef(pb.ErrNotFound, "%s is not committed", h)
	}
	var p, _ = g.PoolOf(h.Offset)
	_, data, err := p.Read(h)
	if err != nil {
		return pb.Record{}, err
	}
	var typ = pb.RecordType(d.DataType.Base())

	if typ.IsOwner() {
		if data, err = e.ownerData(h, data); err != nil {
			return pb.Record{}, err
		}
	}
	return pb.Record{
		Type:      typ,
		Frags:     [][]byte{data},
		Attribute: d.Attribute,
		State:     d.State,
	}, nil
}

// ownerData extracts the data of owner |h| from its payload.
func (e *Engine) ownerData(h pb.Handle, payload []byte) ([]byte, error) {
	if len(payload) < ownerHeaderSize {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "owner %s payload of %d bytes", h, len(payload))
	}
	var large = pb.UnpackHandle(binary.LittleEndian.Uint64(payload[oLarge:]))
	var length = binary.LittleEndian.Uint32(payload[oLength:])

	if large.IsNull() {
		if int(length) > len(payload)-ownerHeaderSize {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "owner %s length %d", h, length)
		}
		return payload[ownerHeaderSize : ownerHeaderSize+length], nil
	}
	var p1 = e.gens.Mgmt().Pools[1]
	if dt := e.gens.Mgmt().Region.DataTypeAt(large.Offset); dt != granule.TypeLargeData {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "owner %s data %s is a %s", h, large, dt)
	}
	var _, data, err = p1.Read(large)
	return data, err
}

// readOwner returns the header of committed owner |h|.
func (e *Engine) readOwner(h pb.Handle) (ownerInfo, error) {
	if h.Gen != pb.MgmtGenID {
		return ownerInfo{}, errors.WithMessagef(pb.ErrArgNotValid, "%s is not an owner", h)
	}
	var d, err = e.descriptor(h)
	if err != nil {
		return ownerInfo{}, err
	}
	var typ = pb.RecordType(d.DataType.Base())
	if !d.DataType.IsRecord() || !typ.IsOwner() {
		return ownerInfo{}, errors.WithMessagef(pb.ErrArgNotValid, "%s is a %s", h, d.DataType)
	} else if d.DataType.IsUncommitted() {
		return ownerInfo{}, errors.WithMessagef(pb.ErrNotFound, "owner %s is not committed", h)
	}
	return e.ownerHeader(h, typ), nil
}

func (e *Engine) ownerHeader(h pb.Handle, typ pb.RecordType) ownerInfo {
	var r = e.gens.Mgmt().Region
	var payload = h.Offset + granule.DescriptorSize

	return ownerInfo{
		typ:       typ,
		version:   r.U32(payload + oVersion),
		large:     r.Handle(payload + oLarge),
		length:    r.U32(payload + oLength),
		minActive: r.U64(payload + oMinActive),
	}
}

// NextGenID returns the data generation which follows |id| in assignment
// order, or the oldest if |id| is NullGenID. io.EOF is returned after the
// newest.
func (e *Engine) NextGenID(id pb.GenID) (pb.GenID, error) {
	if next, ok := e.ids.Next(id); ok {
		return next, nil
	} else if id != pb.NullGenID && !e.ids.Contains(id) {
		return pb.NullGenID, errors.WithMessagef(pb.ErrArgNotValid, "generation %s is not assigned", id)
	}
	return pb.NullGenID, io.EOF
}

// NextRecordForType returns the committed record of |typ| which follows
// |after| within generation |id|, in offset order. A null |after| begins
// the iteration, and io.EOF ends it.
func (e *Engine) NextRecordForType(id pb.GenID, typ pb.RecordType, after pb.Handle) (pb.Handle, pb.Record, error) {
	if err := typ.Validate(); err != nil {
		return pb.NullHandle, pb.Record{}, errors.WithMessage(pb.ErrArgNotValid, err.Error())
	}
	var g, _, m, err = e.generation(id)
	if err != nil {
		return pb.NullHandle, pb.Record{}, err
	}
	var want = granule.RecordDataType(typ)
	var found = pb.NullHandle

	for _, p := range g.Pools {
		err = p.ForEach(func(off uint64, d granule.Descriptor) error {
			if off <= after.Offset || d.DataType != want {
				return nil
			}
			if m != nil {
				m.Mu.Lock()
				var live = m.IsLive(off)
				m.Mu.Unlock()
				if !live {
					return nil
				}
			}
			found = pb.Handle{Gen: id, Offset: off}
			return io.EOF
		})
		if err != nil && err != io.EOF {
			return pb.NullHandle, pb.Record{}, err
		} else if !found.IsNull() {
			break
		}
	}
	if found.IsNull() {
		return pb.NullHandle, pb.Record{}, io.EOF
	}
	rec, err := e.ReadRecord(found)
	return found, rec, err
}

// NextOwner returns the committed owner which follows |after| in the
// management generation, with its data. io.EOF ends the iteration.
func (e *Engine) NextOwner(after pb.Handle) (pb.Handle, pb.Record, error) {
	var p0 = e.gens.Mgmt().Pools[0]
	var found = pb.NullHandle

	var err = p0.ForEach(func(off uint64, d granule.Descriptor) error {
		if off <= after.Offset || d.DataType.IsUncommitted() || !d.DataType.IsPrimary() {
			return nil
		} else if !pb.RecordType(d.DataType.Base()).IsOwner() {
			return nil
		}
		found = pb.Handle{Gen: pb.MgmtGenID, Offset: off}
		return io.EOF
	})
	if err != nil && err != io.EOF {
		return pb.NullHandle, pb.Record{}, err
	} else if found.IsNull() {
		return pb.NullHandle, pb.Record{}, io.EOF
	}
	rec, err := e.ReadRecord(found)
	return found, rec, err
}
