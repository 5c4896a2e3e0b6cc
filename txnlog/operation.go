package txnlog

import (
	"encoding/binary"
	"fmt"

	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// OpType is the type of a logged Operation.
type OpType uint32

const (
	OpNull              OpType = 0
	OpCreateRecord      OpType = 1
	OpDeleteRecord      OpType = 2
	OpUpdateRecord      OpType = 3
	OpUpdateRecordAttr  OpType = 4
	OpUpdateRecordState OpType = 5
	OpCreateReference   OpType = 6
	OpDeleteReference   OpType = 7
	OpUpdateReference   OpType = 8
	OpUpdateRefState    OpType = 9
	OpCreateState       OpType = 10
	OpDeleteState       OpType = 11
	OpUpdateActiveOid   OpType = 12
)

func (t OpType) String() string {
	switch t {
	case OpNull:
		return "NULL"
	case OpCreateRecord:
		return "CREATE_RECORD"
	case OpDeleteRecord:
		return "DELETE_RECORD"
	case OpUpdateRecord:
		return "UPDATE_RECORD"
	case OpUpdateRecordAttr:
		return "UPDATE_RECORD_ATTR"
	case OpUpdateRecordState:
		return "UPDATE_RECORD_STATE"
	case OpCreateReference:
		return "CREATE_REFERENCE"
	case OpDeleteReference:
		return "DELETE_REFERENCE"
	case OpUpdateReference:
		return "UPDATE_REFERENCE"
	case OpUpdateRefState:
		return "UPDATE_REFSTATE"
	case OpCreateState:
		return "CREATE_STATE"
	case OpDeleteState:
		return "DELETE_STATE"
	case OpUpdateActiveOid:
		return "UPDATE_ACTIVE_OID"
	default:
		return fmt.Sprintf("OpType(%d)", uint32(t))
	}
}

// Operation is a single logged operation of a store transaction. The meaning
// of its fields depends on its Type, and is defined by the Applier.
type Operation struct {
	Type     OpType
	DataType granule.DataType
	RefState uint8
	// Handle is the item which the Operation modifies.
	Handle pb.Handle
	// Handle2 is a related item, such as the owner of a reference.
	Handle2   pb.Handle
	Attribute uint64
	State     uint64
	Value     uint32
}

// OperationSize is the encoded size of an Operation.
const OperationSize = 48

const (
	oType      = 0
	oDataType  = 4
	oRefState  = 6
	oHandle    = 8
	oHandle2   = 16
	oAttribute = 24
	oState     = 32
	oValue     = 40
)

func readOperation(r *granule.Region, off uint64) Operation {
	return UnmarshalOperation(r.Bytes(off, OperationSize))
}

func writeOperation(r *granule.Region, off uint64, op Operation) {
	op.MarshalTo(r.Bytes(off, OperationSize))
	r.Persist(off, OperationSize)
}

// MarshalTo encodes the Operation into |b|, which must have length of at
// least OperationSize.
func (op Operation) MarshalTo(b []byte) {
	_ = b[OperationSize-1]
	binary.LittleEndian.PutUint32(b[oType:], uint32(op.Type))
	binary.LittleEndian.PutUint16(b[oDataType:], uint16(op.DataType))
	b[oRefState], b[oRefState+1] = op.RefState, 0
	binary.LittleEndian.PutUint64(b[oHandle:], op.Handle.Pack())
	binary.LittleEndian.PutUint64(b[oHandle2:], op.Handle2.Pack())
	binary.LittleEndian.PutUint64(b[oAttribute:], op.Attribute)
	binary.LittleEndian.PutUint64(b[oState:], op.State)
	binary.LittleEndian.PutUint32(b[oValue:], op.Value)
	binary.LittleEndian.PutUint32(b[oValue+4:], 0)
}

// UnmarshalOperation decodes an Operation encoded by MarshalTo.
func UnmarshalOperation(b []byte) Operation {
	_ = b[OperationSize-1]
	return Operation{
		Type:      OpType(binary.LittleEndian.Uint32(b[oType:])),
		DataType:  granule.DataType(binary.LittleEndian.Uint16(b[oDataType:])),
		RefState:  b[oRefState],
		Handle:    pb.UnpackHandle(binary.LittleEndian.Uint64(b[oHandle:])),
		Handle2:   pb.UnpackHandle(binary.LittleEndian.Uint64(b[oHandle2:])),
		Attribute: binary.LittleEndian.Uint64(b[oAttribute:]),
		State:     binary.LittleEndian.Uint64(b[oState:]),
		Value:     binary.LittleEndian.Uint32(b[oValue:]),
	}
}

// Applier applies the effects of logged Operations. Both methods must be
// idempotent: an Operation may be re-applied or re-undone after a crash.
type Applier interface {
	// ApplyOperation applies the forward effect of |op| on commit.
	ApplyOperation(op Operation) error
	// UndoOperation releases any reservation made by |op| on rollback.
	UndoOperation(op Operation) error
}
