package generation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

const (
	// HeaderSize is the span at the beginning of every generation which
	// holds its header. Granule pools begin after it.
	HeaderSize = 512
	// PoolsCount is the number of granule pools of every generation.
	PoolsCount = 2
	// MaxInMemGens bounds the number of in-memory data generations.
	MaxInMemGens = 8

	StrucIDGen  uint32 = 0xABCDAAAA
	StrucIDMgmt uint32 = 0xABCDAAAB

	// FormatVersion is the layout version written to generation headers.
	FormatVersion uint64 = 1
)

// State of a generation.
type State uint8

const (
	StateFree           State = 0
	StateActive         State = 1
	StateClosePending   State = 2
	StateWritePending   State = 3
	StateWriteCompleted State = 4
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateActive:
		return "ACTIVE"
	case StateClosePending:
		return "CLOSE_PENDING"
	case StateWritePending:
		return "WRITE_PENDING"
	case StateWriteCompleted:
		return "WRITE_COMPLETED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Writable returns whether items of a generation in this State may be modified.
func (s State) Writable() bool { return s == StateActive || s == StateClosePending }

// Role of the node, as last recorded in the management header.
type Role uint8

const (
	RolePrimary Role = 0
	RoleStandby Role = 1
	RoleUnsync  Role = 2
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "PRIMARY"
	case RoleStandby:
		return "STANDBY"
	case RoleUnsync:
		return "UNSYNC"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Header of a generation. Fields following CompactSize are used only by the
// management generation.
type Header struct {
	StrucID         uint32
	GenID           pb.GenID
	State           State
	PoolsCount      uint8
	Version         uint64
	MemSize         uint64
	RsrvPoolMemSize uint64
	CompactSize     uint64

	InMemGensCount     uint8
	ActiveGenIndex     uint8
	ActiveGenID        pb.GenID
	NextAvailableGenID pb.GenID
	RsrvState          granule.RsrvState
	RsrvPoolID         uint8
	RsrvPoolOffset     uint64
	GenIDHandle        pb.Handle
	SessionID          uuid.UUID
	SessionCount       uint16
	Role               Role
	HaveData           bool
	WasPrimary         bool
	PrimaryTime        time.Time
	PersistSeq         uint64
	InMemGenIDs        [MaxInMemGens]pb.GenID
}

const (
	hStrucID            = 0
	hGenID              = 4
	hState              = 6
	hPoolsCount         = 7
	hVersion            = 8
	hMemSize            = 16
	hRsrvPoolMemSize    = 24
	hPools              = 32 // PoolsCount * granule.PoolHeaderSize.
	hCompactSize        = 160
	hInMemGensCount     = 168
	hActiveGenIndex     = 169
	hActiveGenID        = 170
	hNextAvailableGenID = 172
	hRsrvState          = 174
	hRsrvPoolID         = 175
	hRsrvPoolOffset     = 176
	hGenIDHandle        = 184
	hSessionID          = 192
	hSessionCount       = 208
	hRole               = 210
	hHaveData           = 211
	hWasPrimary         = 212
	hPrimaryTime        = 216
	hPersistSeq         = 224
	hInMemGenIDs        = 232
)

// PoolHeaderOffset is the offset of the header of pool |id|.
func PoolHeaderOffset(id uint8) uint64 {
	return hPools + uint64(id)*granule.PoolHeaderSize
}

// ReadHeader decodes the Header of the generation Region.
func ReadHeader(r *granule.Region) Header {
	var h = Header{
		StrucID:            r.U32(hStrucID),
		GenID:              pb.GenID(r.U16(hGenID)),
		State:              State(r.U8(hState)),
		PoolsCount:         r.U8(hPoolsCount),
		Version:            r.U64(hVersion),
		MemSize:            r.U64(hMemSize),
		RsrvPoolMemSize:    r.U64(hRsrvPoolMemSize),
		CompactSize:        r.U64(hCompactSize),
		InMemGensCount:     r.U8(hInMemGensCount),
		ActiveGenIndex:     r.U8(hActiveGenIndex),
		ActiveGenID:        pb.GenID(r.U16(hActiveGenID)),
		NextAvailableGenID: pb.GenID(r.U16(hNextAvailableGenID)),
		RsrvState:          granule.RsrvState(r.U8(hRsrvState)),
		RsrvPoolID:         r.U8(hRsrvPoolID),
		RsrvPoolOffset:     r.U64(hRsrvPoolOffset),
		GenIDHandle:        r.Handle(hGenIDHandle),
		SessionCount:       r.U16(hSessionCount),
		Role:               Role(r.U8(hRole)),
		HaveData:           r.U8(hHaveData) != 0,
		WasPrimary:         r.U8(hWasPrimary) != 0,
		PersistSeq:         r.U64(hPersistSeq),
	}
	copy(h.SessionID[:], r.Bytes(hSessionID, 16))

	if ns := int64(r.U64(hPrimaryTime)); ns != 0 {
		h.PrimaryTime = time.Unix(0, ns)
	}
	for i := range h.InMemGenIDs {
		h.InMemGenIDs[i] = pb.GenID(r.U16(hInMemGenIDs + uint64(i)*2))
	}
	return h
}

// WriteHeader encodes and persists |h| as the Header of the Region.
// Pool headers are not modified.
func WriteHeader(r *granule.Region, h Header) {
	r.PutU32(hStrucID, h.StrucID)
	r.PutU16(hGenID, uint16(h.GenID))
	r.PutU8(hState, uint8(h.State))
	r.PutU8(hPoolsCount, h.PoolsCount)
	r.PutU64(hVersion, h.Version)
	r.PutU64(hMemSize, h.MemSize)
	r.PutU64(hRsrvPoolMemSize, h.RsrvPoolMemSize)
	r.PutU64(hCompactSize, h.CompactSize)
	r.PutU8(hInMemGensCount, h.InMemGensCount)
	r.PutU8(hActiveGenIndex, h.ActiveGenIndex)
	r.PutU16(hActiveGenID, uint16(h.ActiveGenID))
	r.PutU16(hNextAvailableGenID, uint16(h.NextAvailableGenID))
	r.PutU8(hRsrvState, uint8(h.RsrvState))
	r.PutU8(hRsrvPoolID, h.RsrvPoolID)
	r.PutU64(hRsrvPoolOffset, h.RsrvPoolOffset)
	r.PutHandle(hGenIDHandle, h.GenIDHandle)
	copy(r.Bytes(hSessionID, 16), h.SessionID[:])
	r.PutU16(hSessionCount, h.SessionCount)
	r.PutU8(hRole, uint8(h.Role))
	r.PutU8(hHaveData, boolByte(h.HaveData))
	r.PutU8(hWasPrimary, boolByte(h.WasPrimary))

	var ns int64
	if !h.PrimaryTime.IsZero() {
		ns = h.PrimaryTime.UnixNano()
	}
	r.PutU64(hPrimaryTime, uint64(ns))
	r.PutU64(hPersistSeq, h.PersistSeq)

	for i, id := range h.InMemGenIDs {
		r.PutU16(hInMemGenIDs+uint64(i)*2, uint16(id))
	}
	r.Persist(0, hPools)
	r.Persist(hCompactSize, HeaderSize-hCompactSize)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
