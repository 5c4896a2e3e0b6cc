package store

import (
	"sync"

	"github.com/pkg/errors"
	pb "go.gazette.dev/msgstore/protocol"
)

// Memory provides the regions of store generations. Region 0 is the
// management generation, and region i+1 is in-memory data slot i.
// Regions which survive a restart of the Engine are recovered by Start.
type Memory interface {
	// Map returns the region |index| of |size| bytes, and whether it existed
	// prior to this call (and holds content of a prior Engine).
	Map(index int, size uint64) (buf []byte, existed bool, err error)
	// Release discards all regions.
	Release() error
}

// HeapMemory is a Memory of process heap buffers. Its regions survive across
// Engines which share the HeapMemory, modeling a restart of the store
// process over memory which outlived it.
type HeapMemory struct {
	// Limit bounds the total bytes which may be mapped, or zero if unlimited.
	Limit uint64

	mu     sync.Mutex
	bufs   map[int][]byte
	mapped uint64
}

// NewHeapMemory returns an empty HeapMemory.
func NewHeapMemory() *HeapMemory {
	return &HeapMemory{bufs: make(map[int][]byte)}
}

// Map implements Memory.
func (m *HeapMemory) Map(index int, size uint64) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bufs[index]; ok {
		if uint64(len(b)) != size {
			return nil, false, errors.WithMessagef(pb.ErrAllocError,
				"region %d has %d bytes (expected %d)", index, len(b), size)
		}
		return b, true, nil
	}
	if m.Limit != 0 && m.mapped+size > m.Limit {
		return nil, false, errors.WithMessagef(pb.ErrAllocError,
			"mapping %d bytes would exceed limit of %d", size, m.Limit)
	}
	var b = make([]byte, size)
	m.bufs[index] = b
	m.mapped += size
	return b, false, nil
}

// Release implements Memory.
func (m *HeapMemory) Release() error {
	m.mu.Lock()
	m.bufs = make(map[int][]byte)
	m.mapped = 0
	m.mu.Unlock()
	return nil
}
