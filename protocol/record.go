package protocol

import "fmt"

// RecordType is the type of a store record.
type RecordType uint16

const (
	RecordServer RecordType = 0x0001

	RecordClient RecordType = 0x0080
	RecordQueue  RecordType = 0x0081
	RecordTopic  RecordType = 0x0082
	RecordSubsc  RecordType = 0x0083
	RecordTrans  RecordType = 0x0084
	RecordBMgr   RecordType = 0x0085
	RecordRemSrv RecordType = 0x0086

	RecordMsg   RecordType = 0x0100
	RecordProp  RecordType = 0x0101
	RecordCProp RecordType = 0x0102
	RecordQProp RecordType = 0x0103
	RecordTProp RecordType = 0x0104
	RecordSProp RecordType = 0x0105
	RecordBXR   RecordType = 0x0106
	RecordRProp RecordType = 0x0107
)

// OwnerTypes are the RecordTypes stored as owners ("split items"), which
// may anchor reference and state contexts.
var OwnerTypes = []RecordType{
	RecordClient, RecordQueue, RecordTopic, RecordSubsc,
	RecordTrans, RecordBMgr, RecordRemSrv,
}

// IsOwner returns whether records of the type are owners.
func (t RecordType) IsOwner() bool { return t >= RecordClient && t <= RecordRemSrv }

// IsMgmt returns whether records of the type live in the management
// generation. Owners and the server record do; all others are data records.
func (t RecordType) IsMgmt() bool { return t == RecordServer || t.IsOwner() }

// Validate returns an error if the RecordType is not a known type.
func (t RecordType) Validate() error {
	if t == RecordServer || t.IsOwner() || (t >= RecordMsg && t <= RecordRProp) {
		return nil
	}
	return NewValidationError("invalid record type (%#x)", uint16(t))
}

func (t RecordType) String() string {
	switch t {
	case RecordServer:
		return "SERVER"
	case RecordClient:
		return "CLIENT"
	case RecordQueue:
		return "QUEUE"
	case RecordTopic:
		return "TOPIC"
	case RecordSubsc:
		return "SUBSC"
	case RecordTrans:
		return "TRANS"
	case RecordBMgr:
		return "BMGR"
	case RecordRemSrv:
		return "REMSRV"
	case RecordMsg:
		return "MSG"
	case RecordProp:
		return "PROP"
	case RecordCProp:
		return "CPROP"
	case RecordQProp:
		return "QPROP"
	case RecordTProp:
		return "TPROP"
	case RecordSProp:
		return "SPROP"
	case RecordBXR:
		return "BXR"
	case RecordRProp:
		return "RPROP"
	default:
		return fmt.Sprintf("RecordType(%#x)", uint16(t))
	}
}

// Record is a store record. Its content is the concatenation of Frags.
type Record struct {
	Type      RecordType
	Frags     [][]byte
	Attribute uint64
	State     uint64
}

// DataLength is the total length of the Record's fragments.
func (r Record) DataLength() int {
	var n int
	for _, f := range r.Frags {
		n += len(f)
	}
	return n
}

// Data returns the Record content as a single slice.
func (r Record) Data() []byte {
	if len(r.Frags) == 1 {
		return r.Frags[0]
	}
	var b = make([]byte, 0, r.DataLength())
	for _, f := range r.Frags {
		b = append(b, f...)
	}
	return b
}

// Validate returns an error if the Record is not well-formed.
func (r Record) Validate() error {
	if err := r.Type.Validate(); err != nil {
		return ExtendContext(err, "Type")
	}
	for i, f := range r.Frags {
		if len(f) == 0 {
			return NewValidationError("Frags[%d] is empty", i)
		}
	}
	if r.DataLength() == 0 {
		return NewValidationError("record has no data")
	}
	return nil
}

// Reference is an ordered pointer from an owner to a record.
type Reference struct {
	// OrderID is unique within the owner and may not be re-used.
	OrderID   uint64
	RefHandle Handle
	Value     uint32
	State     uint8
}

// Reference states with special meaning within reference-state chunks.
const (
	RefStateDeleted  uint8 = 0xfe
	RefStateNotValid uint8 = 0xff
)

// Validate returns an error if the Reference is not well-formed.
func (r Reference) Validate() error {
	if r.OrderID == 0 {
		return NewValidationError("OrderID is zero")
	} else if r.State >= RefStateDeleted {
		return NewValidationError("State is reserved (%#x)", r.State)
	}
	return nil
}

// StateObject is a small, durable value of an owner.
type StateObject struct {
	Value uint32
}

// ReferenceStatistics describes the references of an owner.
type ReferenceStatistics struct {
	MinimumActiveOrderID uint64
	HighestOrderID       uint64
	LowestGenID          GenID
	HighestGenID         GenID
}

// Reservation describes resources to be reserved for a stream ahead of use.
type Reservation struct {
	DataLength   uint64
	RecordsCount uint32
	RefsCount    uint32
}
