package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// GenID identifies a generation of the store.
type GenID uint16

const (
	// NullGenID is the zero-valued GenID, which identifies no generation.
	NullGenID GenID = 0
	// MgmtGenID identifies the management generation.
	MgmtGenID GenID = 1
	// FirstDataGenID is the lowest GenID which may be assigned to a data generation.
	FirstDataGenID GenID = 2
	// MaxGenID is the largest assignable GenID.
	MaxGenID GenID = 0xffff
)

// IsData returns whether the GenID identifies a data generation.
func (id GenID) IsData() bool { return id >= FirstDataGenID }

func (id GenID) String() string {
	switch id {
	case NullGenID:
		return "<none>"
	case MgmtGenID:
		return "mgmt"
	default:
		return strconv.Itoa(int(id))
	}
}

// Handle is a synthetic pointer to an offset within a generation.
// The zero-valued Handle is the null Handle.
type Handle struct {
	Gen    GenID
	Offset uint64
}

const (
	handleOffsetBits = 48
	handleOffsetMask = (uint64(1) << handleOffsetBits) - 1
)

// NullHandle is the zero-valued Handle.
var NullHandle = Handle{}

// MaxOffset is the largest offset representable by a packed Handle.
const MaxOffset = handleOffsetMask

// UnpackHandle decodes a Handle previously encoded by Pack.
func UnpackHandle(v uint64) Handle {
	return Handle{Gen: GenID(v >> handleOffsetBits), Offset: v & handleOffsetMask}
}

// Pack encodes the Handle into a single uint64, suitable for storage within
// a generation region.
func (h Handle) Pack() uint64 {
	return uint64(h.Gen)<<handleOffsetBits | (h.Offset & handleOffsetMask)
}

// IsNull returns whether the Handle references nothing. Offset zero of any
// generation is occupied by the generation header, and is never a valid
// Handle target.
func (h Handle) IsNull() bool { return h.Offset == 0 }

// Add returns the Handle |delta| bytes beyond this one.
func (h Handle) Add(delta uint64) Handle { return Handle{Gen: h.Gen, Offset: h.Offset + delta} }

// Validate returns an error if the Handle is not well-formed.
func (h Handle) Validate() error {
	if h.IsNull() {
		return NewValidationError("handle is null")
	} else if h.Gen == NullGenID {
		return NewValidationError("handle has no generation (%s)", h)
	} else if h.Offset > handleOffsetMask {
		return NewValidationError("handle offset overflows (%s)", h)
	}
	return nil
}

func (h Handle) String() string {
	if h == NullHandle {
		return "<null>"
	}
	return fmt.Sprintf("%d:%#x", h.Gen, h.Offset)
}

// ParseHandle parses a Handle from its String representation.
func ParseHandle(s string) (Handle, error) {
	if s == "<null>" {
		return NullHandle, nil
	}
	var parts = strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Handle{}, NewValidationError("expected <gen>:<offset> (%q)", s)
	}
	var gen, err = strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return Handle{}, NewValidationError("invalid generation (%q): %s", s, err)
	}
	off, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return Handle{}, NewValidationError("invalid offset (%q): %s", s, err)
	}
	return Handle{Gen: GenID(gen), Offset: off}, nil
}

// CompareHandles orders Handles first by generation and then by offset.
// It returns -1, 0 or 1.
func CompareHandles(a, b Handle) int {
	switch {
	case a.Gen < b.Gen:
		return -1
	case a.Gen > b.Gen:
		return 1
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	default:
		return 0
	}
}
