package generation

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// IDList is the ordered list of assigned data generation IDs, oldest first.
// It's persisted as a GenIDChunk chain in the management generation.
type IDList struct {
	mu  sync.Mutex
	ids []pb.GenID
}

// Add appends |id| to the IDList.
func (l *IDList) Add(id pb.GenID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if indexOf(l.ids, id) != -1 {
		return errors.WithMessagef(pb.ErrArgNotValid, "generation %s is already assigned", id)
	}
	l.ids = append(l.ids, id)
	return nil
}

// Remove removes |id|, returning whether it was present.
func (l *IDList) Remove(id pb.GenID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var i = indexOf(l.ids, id)
	if i == -1 {
		return false
	}
	l.ids = append(l.ids[:i], l.ids[i+1:]...)
	return true
}

// Contains returns whether |id| is assigned.
func (l *IDList) Contains(id pb.GenID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return indexOf(l.ids, id) != -1
}

// Len is the number of assigned IDs.
func (l *IDList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// IDs returns a copy of the assigned IDs, oldest first.
func (l *IDList) IDs() []pb.GenID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pb.GenID(nil), l.ids...)
}

// Next returns the assigned ID which follows |id| in assignment order. A
// NullGenID |id| returns the oldest ID. It returns false when |id| is the
// newest or is not assigned.
func (l *IDList) Next(id pb.GenID) (pb.GenID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var i = 0
	if id != pb.NullGenID {
		if i = indexOf(l.ids, id); i == -1 {
			return pb.NullGenID, false
		}
		i++
	}
	if i >= len(l.ids) {
		return pb.NullGenID, false
	}
	return l.ids[i], true
}

// NextFree returns the first unassigned data ID at or after |from|, wrapping
// from MaxGenID back to FirstDataGenID.
func (l *IDList) NextFree(from pb.GenID) (pb.GenID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from < pb.FirstDataGenID {
		from = pb.FirstDataGenID
	}
	var id = from
	for {
		if indexOf(l.ids, id) == -1 {
			return id, nil
		}
		if id == pb.MaxGenID {
			id = pb.FirstDataGenID
		} else {
			id++
		}
		if id == from {
			return pb.NullGenID, errors.WithMessage(pb.ErrStoreFull, "all generation IDs are assigned")
		}
	}
}

// Reset replaces the IDs of the list.
func (l *IDList) Reset(ids []pb.GenID) {
	l.mu.Lock()
	l.ids = append(l.ids[:0], ids...)
	l.mu.Unlock()
}

func indexOf(ids []pb.GenID, id pb.GenID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// EncodeIDs encodes |ids| as a GenIDChunk payload.
func EncodeIDs(ids []pb.GenID) []byte {
	var b = make([]byte, 4+2*len(ids))
	binary.LittleEndian.PutUint32(b, uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint16(b[4+2*i:], uint16(id))
	}
	return b
}

// DecodeIDs decodes a GenIDChunk payload.
func DecodeIDs(b []byte) ([]pb.GenID, error) {
	if len(b) < 4 {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "GenIDChunk of %d bytes", len(b))
	}
	var n = int(binary.LittleEndian.Uint32(b))
	if len(b) < 4+2*n {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "GenIDChunk of %d bytes holds %d IDs", len(b), n)
	}
	var ids = make([]pb.GenID, n)
	for i := range ids {
		ids[i] = pb.GenID(binary.LittleEndian.Uint16(b[4+2*i:]))
	}
	return ids, nil
}

// SaveIDs writes the IDList into a new GenIDChunk chain of the management
// generation's large pool, points the management header at it, and frees the
// prior chain. The new chain is durable before the header is switched.
func SaveIDs(mgmt *Generation, l *IDList) error {
	var pool = mgmt.Pools[1]
	var b = EncodeIDs(l.IDs())

	var h, err = pool.Allocate(granule.TypeGenIDChunk, uint32(len(b)))
	if err != nil {
		return errors.WithMessage(err, "allocating GenIDChunk")
	} else if err = pool.Write(h, b); err != nil {
		return err
	}
	var prior pb.Handle
	mgmt.UpdateHeader(func(hdr *Header) {
		prior, hdr.GenIDHandle = hdr.GenIDHandle, h
	})
	if !prior.IsNull() {
		return pool.Free(prior)
	}
	return nil
}

// LoadIDs reads the IDList from the management generation's GenIDChunk.
func LoadIDs(mgmt *Generation, l *IDList) error {
	var h = mgmt.Header().GenIDHandle
	if h.IsNull() {
		l.Reset(nil)
		return nil
	}
	var d, b, err = mgmt.Pools[1].Read(h)
	if err != nil {
		return errors.WithMessage(err, "reading GenIDChunk")
	} else if d.DataType != granule.TypeGenIDChunk {
		return errors.WithMessagef(pb.ErrCorrupt, "GenIDHandle %s references a %s", h, d.DataType)
	}
	ids, err := DecodeIDs(b)
	if err != nil {
		return err
	}
	l.Reset(ids)
	return nil
}
