package granule

import (
	"encoding/binary"
	"sync/atomic"

	pb "go.gazette.dev/msgstore/protocol"
)

// Barrier orders durable writes to a Region. Persist is called with each
// span of the Region which must become durable before subsequent writes.
type Barrier interface {
	Persist(b []byte)
}

// NopBarrier is a Barrier for Regions which are not backed by non-volatile
// memory, and for which write ordering is not observable after a crash.
type NopBarrier struct{}

// Persist is a no-op.
func (NopBarrier) Persist([]byte) {}

// FlushBarrier is a Barrier for Regions backed by non-volatile memory. Each
// Persist issues a full memory fence over the span before returning.
type FlushBarrier struct {
	fence uint64
	bytes uint64
}

// Persist fences the span and accounts for its flushed bytes.
func (f *FlushBarrier) Persist(b []byte) {
	atomic.AddUint64(&f.fence, 1)
	atomic.AddUint64(&f.bytes, uint64(len(b)))
	persistBarrierBytesTotal.Add(float64(len(b)))
}

// Flushed returns the number of fences and bytes flushed so far.
func (f *FlushBarrier) Flushed() (fences, bytes uint64) {
	return atomic.LoadUint64(&f.fence), atomic.LoadUint64(&f.bytes)
}

// NewBarrier returns the Barrier of the named cache flush mode,
// "none" or "adr".
func NewBarrier(mode string) Barrier {
	if mode == "adr" {
		return new(FlushBarrier)
	}
	return NopBarrier{}
}

// Region is a flat span of memory holding a generation.
type Region struct {
	buf     []byte
	barrier Barrier
}

// NewRegion returns a Region over |buf| which persists through |barrier|.
func NewRegion(buf []byte, barrier Barrier) *Region {
	if barrier == nil {
		barrier = NopBarrier{}
	}
	return &Region{buf: buf, barrier: barrier}
}

// Len is the size of the Region in bytes.
func (r *Region) Len() uint64 { return uint64(len(r.buf)) }

// Bytes returns the |n| bytes of the Region beginning at |off|.
func (r *Region) Bytes(off, n uint64) []byte { return r.buf[off : off+n : off+n] }

// Contains returns whether [off, off+n) lies within the Region.
func (r *Region) Contains(off, n uint64) bool {
	return off <= uint64(len(r.buf)) && n <= uint64(len(r.buf))-off
}

// Snapshot returns a copy of the Region's content.
func (r *Region) Snapshot() []byte { return append([]byte(nil), r.buf...) }

// Zero clears [off, off+n).
func (r *Region) Zero(off, n uint64) {
	var b = r.buf[off : off+n]
	for i := range b {
		b[i] = 0
	}
}

// Persist passes [off, off+n) through the Region's Barrier.
func (r *Region) Persist(off, n uint64) { r.barrier.Persist(r.buf[off : off+n]) }

// Barrier returns the Barrier of the Region.
func (r *Region) Barrier() Barrier { return r.barrier }

func (r *Region) U8(off uint64) uint8       { return r.buf[off] }
func (r *Region) PutU8(off uint64, v uint8) { r.buf[off] = v }

func (r *Region) U16(off uint64) uint16       { return binary.LittleEndian.Uint16(r.buf[off:]) }
func (r *Region) PutU16(off uint64, v uint16) { binary.LittleEndian.PutUint16(r.buf[off:], v) }

func (r *Region) U32(off uint64) uint32       { return binary.LittleEndian.Uint32(r.buf[off:]) }
func (r *Region) PutU32(off uint64, v uint32) { binary.LittleEndian.PutUint32(r.buf[off:], v) }

func (r *Region) U64(off uint64) uint64       { return binary.LittleEndian.Uint64(r.buf[off:]) }
func (r *Region) PutU64(off uint64, v uint64) { binary.LittleEndian.PutUint64(r.buf[off:], v) }

// Handle reads a packed Handle at |off|.
func (r *Region) Handle(off uint64) pb.Handle { return pb.UnpackHandle(r.U64(off)) }

// PutHandle writes a packed Handle at |off|.
func (r *Region) PutHandle(off uint64, h pb.Handle) { r.PutU64(off, h.Pack()) }
