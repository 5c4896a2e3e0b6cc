package granule

import (
	"fmt"

	pb "go.gazette.dev/msgstore/protocol"
)

// DataType is the type of a granule's payload. Record granules use the
// value of their pb.RecordType. Internal item types occupy a separate range,
// and the high bits are reserved for flags.
type DataType uint16

const (
	TypeFree          DataType = 0x0000
	TypeGenIDChunk    DataType = 0x0400
	TypeStoreTrans    DataType = 0x0401
	TypeRefChunk      DataType = 0x0402
	TypeRefStateChunk DataType = 0x0403
	TypeStateChunk    DataType = 0x0404
	TypeLargeData     DataType = 0x0405

	// FlagUncommitted marks a record created within a store transaction
	// which has not yet committed.
	FlagUncommitted DataType = 0x2000
	// FlagNotPrimary marks a granule which is an interior link of a chain.
	// Only the first granule of a chain is primary.
	FlagNotPrimary DataType = 0x8000

	typeMask DataType = 0x1fff
)

// RecordDataType returns the DataType of records of the RecordType.
func RecordDataType(t pb.RecordType) DataType { return DataType(t) }

// Base returns the DataType without flags.
func (t DataType) Base() DataType { return t & typeMask }

// IsPrimary returns whether the granule heads its chain.
func (t DataType) IsPrimary() bool { return t&FlagNotPrimary == 0 }

// IsUncommitted returns whether the granule holds an uncommitted record.
func (t DataType) IsUncommitted() bool { return t&FlagUncommitted != 0 }

// IsRecord returns whether the DataType is that of a record.
func (t DataType) IsRecord() bool {
	return pb.RecordType(t.Base()).Validate() == nil
}

func (t DataType) String() string {
	var s string
	switch t.Base() {
	case TypeFree:
		s = "FREE"
	case TypeGenIDChunk:
		s = "GENID"
	case TypeStoreTrans:
		s = "STORE_TRAN"
	case TypeRefChunk:
		s = "REF_CHUNK"
	case TypeRefStateChunk:
		s = "REFSTATE_CHUNK"
	case TypeStateChunk:
		s = "STATE_CHUNK"
	case TypeLargeData:
		s = "LARGE_DATA"
	default:
		if t.IsRecord() {
			s = pb.RecordType(t.Base()).String()
		} else {
			s = fmt.Sprintf("DataType(%#x)", uint16(t.Base()))
		}
	}
	if !t.IsPrimary() {
		s += "|NOT_PRIMARY"
	}
	if t.IsUncommitted() {
		s += "|UNCOMMITTED"
	}
	return s
}

// DescriptorSize is the encoded size of a Descriptor.
const DescriptorSize = 40

// Descriptor is the header of every granule.
type Descriptor struct {
	// Total number of data bytes, including linked granules.
	// Set on the first granule of a chain only.
	TotalLength  uint32
	GranuleIndex uint32
	Attribute    uint64
	State        uint64
	Next         pb.Handle
	// Number of data bytes in this granule.
	DataLength uint32
	DataType   DataType
	PoolID     uint8
}

const (
	dTotalLength  = 0
	dGranuleIndex = 4
	dAttribute    = 8
	dState        = 16
	dNext         = 24
	dDataLength   = 32
	dDataType     = 36
	dPoolID       = 38
)

// Descriptor decodes the Descriptor of the granule at |off|.
func (r *Region) Descriptor(off uint64) Descriptor {
	return Descriptor{
		TotalLength:  r.U32(off + dTotalLength),
		GranuleIndex: r.U32(off + dGranuleIndex),
		Attribute:    r.U64(off + dAttribute),
		State:        r.U64(off + dState),
		Next:         r.Handle(off + dNext),
		DataLength:   r.U32(off + dDataLength),
		DataType:     DataType(r.U16(off + dDataType)),
		PoolID:       r.U8(off + dPoolID),
	}
}

// PutDescriptor encodes |d| as the Descriptor of the granule at |off|,
// and persists it.
func (r *Region) PutDescriptor(off uint64, d Descriptor) {
	r.PutU32(off+dTotalLength, d.TotalLength)
	r.PutU32(off+dGranuleIndex, d.GranuleIndex)
	r.PutU64(off+dAttribute, d.Attribute)
	r.PutU64(off+dState, d.State)
	r.PutHandle(off+dNext, d.Next)
	r.PutU32(off+dDataLength, d.DataLength)
	r.PutU16(off+dDataType, uint16(d.DataType))
	r.PutU8(off+dPoolID, d.PoolID)
	r.PutU8(off+dPoolID+1, 0)
	r.Persist(off, DescriptorSize)
}

// DataTypeAt returns the DataType of the granule at |off|.
func (r *Region) DataTypeAt(off uint64) DataType { return DataType(r.U16(off + dDataType)) }

// SetDataType updates and persists the DataType of the granule at |off|.
func (r *Region) SetDataType(off uint64, t DataType) {
	r.PutU16(off+dDataType, uint16(t))
	r.Persist(off+dDataType, 2)
}

// NextAt returns the NextHandle of the granule at |off|.
func (r *Region) NextAt(off uint64) pb.Handle { return r.Handle(off + dNext) }

// SetNext updates and persists the NextHandle of the granule at |off|.
func (r *Region) SetNext(off uint64, h pb.Handle) {
	r.PutHandle(off+dNext, h)
	r.Persist(off+dNext, 8)
}

// SetAttrState updates and persists the Attribute and State of the granule at |off|.
func (r *Region) SetAttrState(off uint64, attr, state uint64) {
	r.PutU64(off+dAttribute, attr)
	r.PutU64(off+dState, state)
	r.Persist(off+dAttribute, 16)
}
