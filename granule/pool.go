package granule

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/msgstore/protocol"
)

// PoolHeaderSize is the encoded size of a pool header.
const PoolHeaderSize = 64

const (
	phOffset          = 0
	phHead            = 8
	phTail            = 16
	phGranuleCount    = 24
	phGranuleSize     = 28
	phGranuleDataSize = 32
	phMaxMemSize      = 40
)

// Geometry describes the span of a Region which a Pool occupies.
type Geometry struct {
	Offset      uint64
	Size        uint64
	GranuleSize uint32
}

// Count is the number of granules which fit within the Geometry.
func (g Geometry) Count() uint32 {
	if g.GranuleSize == 0 {
		return 0
	}
	return uint32(g.Size / uint64(g.GranuleSize))
}

type segment struct {
	first uint64
	count uint32
	index uint32 // GranuleIndex of |first|.
}

type list struct {
	head, tail pb.Handle
	count      uint32
}

// Pool is a free-list allocator of fixed-size granules within a Region.
type Pool struct {
	ID  uint8
	gen pb.GenID
	r   *Region
	hdr uint64

	granuleSize uint64
	segments    []segment
	maxCount    uint32

	mu       sync.Mutex
	cached   uint32 // Granules held by stream caches.
	cooling  bool
	cool     list
	alertOn  uint32 // Free count at or below which the pool is alerted.
	alertOff uint32 // Free count at or above which the alert clears.
	alerted  bool

	alertOnPct, alertOffPct int

	// OnAlert is invoked when the pool crosses its low-water mark (on=true),
	// and again when it recovers (on=false). It's called without holding the
	// pool lock, but from within the allocating or freeing goroutine, and
	// must not block.
	OnAlert func(pool uint8, on bool)

	// SpinRetries and SpinDelay bound the wait for a cool list to be returned
	// when the pool is otherwise exhausted.
	SpinRetries int
	SpinDelay   time.Duration
}

// FormatPool lays out and threads the free list of a new Pool spanning |geo|,
// writing its header at |hdr|.
func FormatPool(r *Region, gen pb.GenID, id uint8, hdr uint64, geo Geometry) *Pool {
	var p = newPool(r, gen, id, hdr, uint64(geo.GranuleSize))

	r.PutU64(hdr+phOffset, geo.Offset)
	r.PutU32(hdr+phGranuleSize, geo.GranuleSize)
	r.PutU32(hdr+phGranuleDataSize, geo.GranuleSize-DescriptorSize)
	r.PutU64(hdr+phMaxMemSize, uint64(geo.Count())*uint64(geo.GranuleSize))
	r.PutHandle(hdr+phHead, pb.NullHandle)
	r.PutHandle(hdr+phTail, pb.NullHandle)
	r.PutU32(hdr+phGranuleCount, 0)

	p.addSegment(geo.Offset, geo.Count(), true)
	r.Persist(hdr, PoolHeaderSize)
	return p
}

// AttachPool attaches to a Pool previously formatted within the Region.
func AttachPool(r *Region, gen pb.GenID, id uint8, hdr uint64) (*Pool, error) {
	var gs = uint64(r.U32(hdr + phGranuleSize))
	if gs <= DescriptorSize {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "pool %d of generation %s has granule size %d", id, gen, gs)
	}
	var p = newPool(r, gen, id, hdr, gs)
	var first, max = r.U64(hdr + phOffset), r.U64(hdr + phMaxMemSize)

	if !r.Contains(first, max) {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "pool %d of generation %s overflows region", id, gen)
	}
	p.addSegment(first, uint32(max/gs), false)
	return p, nil
}

func newPool(r *Region, gen pb.GenID, id uint8, hdr uint64, gs uint64) *Pool {
	return &Pool{
		ID:          id,
		gen:         gen,
		r:           r,
		hdr:         hdr,
		granuleSize: gs,
		SpinRetries: 10,
		SpinDelay:   time.Millisecond,
	}
}

// Extend formats and attaches an additional segment to the Pool. If
// non-nil, |formatted| is called with the Pool locked once the segment is
// formatted and before any of its granules may be allocated. A caller which
// records the formatted segment within |formatted| may therefore re-Extend
// after a crash which precedes that record.
func (p *Pool) Extend(off, size uint64, formatted func()) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n = uint32(size / p.granuleSize)
	p.addSegment(off, n, true)
	if formatted != nil {
		formatted()
	}
	p.setAlertsLocked()
	return n
}

// AttachSegment attaches an additional segment which was previously
// formatted by Extend, without modifying it.
func (p *Pool) AttachSegment(off, size uint64) {
	p.mu.Lock()
	p.addSegment(off, uint32(size/p.granuleSize), false)
	p.setAlertsLocked()
	p.mu.Unlock()
}

func (p *Pool) addSegment(first uint64, count uint32, format bool) {
	var seg = segment{first: first, count: count, index: p.maxCount}
	p.segments = append(p.segments, seg)
	p.maxCount += count

	if !format || count == 0 {
		return
	}
	for i := uint32(0); i != count; i++ {
		var off = first + uint64(i)*p.granuleSize
		var next = pb.NullHandle
		if i+1 != count {
			next = pb.Handle{Gen: p.gen, Offset: off + p.granuleSize}
		}
		p.r.PutDescriptor(off, Descriptor{
			GranuleIndex: seg.index + i,
			Next:         next,
			PoolID:       p.ID,
		})
	}
	var head = pb.Handle{Gen: p.gen, Offset: first}
	var tail = pb.Handle{Gen: p.gen, Offset: first + uint64(count-1)*p.granuleSize}
	p.appendLocked(list{head: head, tail: tail, count: count})
}

// SetAlerts configures the pool's low-water alert as percentages of used
// granules: the alert raises when usage reaches |onPct| and clears when it
// falls to |offPct|.
func (p *Pool) SetAlerts(onPct, offPct int) {
	p.mu.Lock()
	p.alertOnPct, p.alertOffPct = onPct, offPct
	p.setAlertsLocked()
	p.mu.Unlock()
}

func (p *Pool) setAlertsLocked() {
	if p.alertOnPct == 0 {
		return
	}
	p.alertOn = uint32(uint64(p.maxCount) * uint64(100-p.alertOnPct) / 100)
	p.alertOff = uint32(uint64(p.maxCount) * uint64(100-p.alertOffPct) / 100)
}

// Gen is the GenID of the Pool's generation.
func (p *Pool) Gen() pb.GenID { return p.gen }

// Region is the Region of the Pool.
func (p *Pool) Region() *Region { return p.r }

// GranuleSize is the size of each granule, including its Descriptor.
func (p *Pool) GranuleSize() uint32 { return uint32(p.granuleSize) }

// DataSize is the payload capacity of each granule.
func (p *Pool) DataSize() uint32 { return uint32(p.granuleSize) - DescriptorSize }

// MaxCount is the total number of granules of the Pool.
func (p *Pool) MaxCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxCount
}

// FreeCount is the number of granules on the free list.
func (p *Pool) FreeCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r.U32(p.hdr + phGranuleCount)
}

// CachedCount is the number of granules held by stream caches.
func (p *Pool) CachedCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// CoolCount is the number of granules on the cool list.
func (p *Pool) CoolCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cool.count
}

// UsedPct is the percentage of granules which are not on the free list.
func (p *Pool) UsedPct() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxCount == 0 {
		return 100
	}
	var free = p.r.U32(p.hdr + phGranuleCount)
	return int(uint64(p.maxCount-free) * 100 / uint64(p.maxCount))
}

// Alerted returns whether the pool is at or beyond its low-water mark.
func (p *Pool) Alerted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alerted
}

// Allocate a chain of granules of the DataType having capacity for |length|
// bytes. The returned Handle references the first granule of the chain.
func (p *Pool) Allocate(typ DataType, length uint32) (pb.Handle, error) {
	var n = p.granulesFor(length)

	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		if p.freeLocked() >= n {
			break // Retain lock.
		}
		var wait = p.cooling && p.cool.count != 0 && attempt < p.SpinRetries
		p.mu.Unlock()

		if !wait {
			allocationFailuresTotal.Inc()
			return pb.NullHandle, errors.WithMessagef(pb.ErrStoreFull,
				"generation %s pool %d (need %d granules)", p.gen, p.ID, n)
		}
		coolSpinsTotal.Inc()
		time.Sleep(p.SpinDelay)
	}

	var head = p.r.Handle(p.hdr + phHead)
	var off = head.Offset
	var remaining = length
	var dataSize = p.DataSize()

	for i := uint32(0); i != n; i++ {
		var d = p.r.Descriptor(off)
		if d.DataType != TypeFree {
			p.mu.Unlock()
			log.WithFields(log.Fields{
				"gen":    p.gen,
				"pool":   p.ID,
				"offset": off,
				"type":   d.DataType,
			}).Error("free list links an allocated granule")
			return pb.NullHandle, errors.WithMessagef(pb.ErrCorrupt, "free list of pool %d", p.ID)
		}
		var nd = Descriptor{
			GranuleIndex: d.GranuleIndex,
			DataLength:   min32(remaining, dataSize),
			DataType:     typ,
			PoolID:       p.ID,
		}
		if i == 0 {
			nd.TotalLength = length
		} else {
			nd.DataType |= FlagNotPrimary
		}
		remaining -= nd.DataLength

		if i+1 != n {
			nd.Next = d.Next
			p.r.PutDescriptor(off, nd)
			off = d.Next.Offset
		} else {
			p.r.PutDescriptor(off, nd)
			p.r.PutHandle(p.hdr+phHead, d.Next)
			if d.Next.IsNull() {
				p.r.PutHandle(p.hdr+phTail, pb.NullHandle)
			}
		}
	}
	p.r.PutU32(p.hdr+phGranuleCount, p.freeLocked()-n)
	p.r.Persist(p.hdr, PoolHeaderSize)
	granulesAllocatedTotal.Add(float64(n))

	var fire, on = p.checkAlertLocked()
	p.mu.Unlock()

	if fire && p.OnAlert != nil {
		p.OnAlert(p.ID, on)
	}
	return head, nil
}

// Free returns the chain beginning at |h| to the Pool. The payloads of freed
// granules are not cleared.
func (p *Pool) Free(h pb.Handle) error {
	if h.Gen != p.gen {
		return errors.WithMessagef(pb.ErrStaleHandle, "%s is not of generation %s", h, p.gen)
	} else if _, ok := p.Index(h.Offset); !ok {
		return errors.WithMessagef(pb.ErrStaleHandle, "%s is not a granule of pool %d", h, p.ID)
	} else if p.r.DataTypeAt(h.Offset) == TypeFree {
		return errors.WithMessagef(pb.ErrStaleHandle, "%s is already free", h)
	}
	var offs, err = p.Chain(h)
	if err != nil {
		return err
	}
	for i, off := range offs {
		var next = pb.NullHandle
		if i+1 != len(offs) {
			next = pb.Handle{Gen: p.gen, Offset: offs[i+1]}
		}
		p.r.PutDescriptor(off, Descriptor{
			GranuleIndex: p.r.U32(off + dGranuleIndex),
			Next:         next,
			PoolID:       p.ID,
		})
	}
	var l = list{
		head:  pb.Handle{Gen: p.gen, Offset: offs[0]},
		tail:  pb.Handle{Gen: p.gen, Offset: offs[len(offs)-1]},
		count: uint32(len(offs)),
	}
	granulesFreedTotal.Add(float64(l.count))

	p.mu.Lock()
	if p.cooling {
		if p.cool.count == 0 {
			p.cool = l
		} else {
			p.r.SetNext(p.cool.tail.Offset, l.head)
			p.cool.tail = l.tail
			p.cool.count += l.count
		}
		p.mu.Unlock()
		return nil
	}
	p.appendLocked(l)
	var fire, on = p.checkAlertLocked()
	p.mu.Unlock()

	if fire && p.OnAlert != nil {
		p.OnAlert(p.ID, on)
	}
	return nil
}

// SetCooling diverts subsequent frees to the cool list.
func (p *Pool) SetCooling() {
	p.mu.Lock()
	p.cooling = true
	p.mu.Unlock()
}

// ReturnCool splices the cool list onto the free list and stops cooling.
func (p *Pool) ReturnCool() {
	p.mu.Lock()
	p.cooling = false
	if p.cool.count != 0 {
		p.appendLocked(p.cool)
		p.cool = list{}
	}
	var fire, on = p.checkAlertLocked()
	p.mu.Unlock()

	if fire && p.OnAlert != nil {
		p.OnAlert(p.ID, on)
	}
}

// Take removes up to |n| granules from the free list for use by a stream
// cache, returning their offsets. Taken granules remain typed as free.
func (p *Pool) Take(n int) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []uint64
	var head = p.r.Handle(p.hdr + phHead)

	for len(out) != n && !head.IsNull() {
		out = append(out, head.Offset)
		head = p.r.NextAt(head.Offset)
	}
	p.r.PutHandle(p.hdr+phHead, head)
	if head.IsNull() {
		p.r.PutHandle(p.hdr+phTail, pb.NullHandle)
	}
	p.r.PutU32(p.hdr+phGranuleCount, p.freeLocked()-uint32(len(out)))
	p.r.Persist(p.hdr, PoolHeaderSize)
	p.cached += uint32(len(out))
	return out
}

// Give returns granules previously removed by Take.
func (p *Pool) Give(offs []uint64) {
	if len(offs) == 0 {
		return
	}
	for i, off := range offs {
		var next = pb.NullHandle
		if i+1 != len(offs) {
			next = pb.Handle{Gen: p.gen, Offset: offs[i+1]}
		}
		p.r.SetNext(off, next)
	}
	p.mu.Lock()
	p.cached -= uint32(len(offs))
	p.appendLocked(list{
		head:  pb.Handle{Gen: p.gen, Offset: offs[0]},
		tail:  pb.Handle{Gen: p.gen, Offset: offs[len(offs)-1]},
		count: uint32(len(offs)),
	})
	var fire, on = p.checkAlertLocked()
	p.mu.Unlock()

	if fire && p.OnAlert != nil {
		p.OnAlert(p.ID, on)
	}
}

// AllocateFrom allocates a single granule from |cache|, which holds offsets
// obtained through Take. If the cache is empty or |length| requires a chain,
// the allocation is made from the Pool instead.
func (p *Pool) AllocateFrom(cache *[]uint64, typ DataType, length uint32) (pb.Handle, error) {
	var c = *cache
	if len(c) == 0 || length > p.DataSize() {
		return p.Allocate(typ, length)
	}
	var off = c[len(c)-1]
	*cache = c[:len(c)-1]

	p.r.PutDescriptor(off, Descriptor{
		TotalLength:  length,
		GranuleIndex: p.r.U32(off + dGranuleIndex),
		DataLength:   length,
		DataType:     typ,
		PoolID:       p.ID,
	})
	p.mu.Lock()
	p.cached--
	p.mu.Unlock()

	granulesAllocatedTotal.Inc()
	return pb.Handle{Gen: p.gen, Offset: off}, nil
}

// Contains returns whether |off| lies within one of the Pool's segments.
func (p *Pool) Contains(off uint64) bool {
	var _, ok = p.GranuleStart(off)
	return ok
}

// GranuleStart returns the offset of the granule which contains |off|.
func (p *Pool) GranuleStart(off uint64) (uint64, bool) {
	for _, s := range p.segments {
		if off >= s.first && off < s.first+uint64(s.count)*p.granuleSize {
			return s.first + (off-s.first)/p.granuleSize*p.granuleSize, true
		}
	}
	return 0, false
}

// Index returns the GranuleIndex of the granule beginning at |off|.
func (p *Pool) Index(off uint64) (uint32, bool) {
	for _, s := range p.segments {
		if off >= s.first && off < s.first+uint64(s.count)*p.granuleSize {
			if (off-s.first)%p.granuleSize != 0 {
				return 0, false
			}
			return s.index + uint32((off-s.first)/p.granuleSize), true
		}
	}
	return 0, false
}

// Chain returns the offsets of the granules of the chain beginning at |h|.
func (p *Pool) Chain(h pb.Handle) ([]uint64, error) {
	if h.Gen != p.gen {
		return nil, errors.WithMessagef(pb.ErrStaleHandle, "%s is not of generation %s", h, p.gen)
	} else if _, ok := p.Index(h.Offset); !ok {
		return nil, errors.WithMessagef(pb.ErrStaleHandle, "%s is not a granule of pool %d", h, p.ID)
	}
	var out []uint64
	for off := h.Offset; ; {
		out = append(out, off)
		var next = p.r.NextAt(off)
		if next.IsNull() {
			return out, nil
		} else if _, ok := p.Index(next.Offset); !ok || next.Gen != p.gen {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "%s links to foreign %s", h, next)
		} else if uint32(len(out)) > p.maxCount {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "chain of %s is cyclic", h)
		}
		off = next.Offset
	}
}

// Read returns the Descriptor and the data of the chain beginning at |h|.
func (p *Pool) Read(h pb.Handle) (Descriptor, []byte, error) {
	var offs, err = p.Chain(h)
	if err != nil {
		return Descriptor{}, nil, err
	}
	var d = p.r.Descriptor(h.Offset)
	var out = make([]byte, 0, d.TotalLength)

	for _, off := range offs {
		var dl = p.r.U32(off + dDataLength)
		if dl > p.DataSize() {
			return Descriptor{}, nil, errors.WithMessagef(pb.ErrCorrupt, "%s data length %d", h, dl)
		}
		out = append(out, p.r.Bytes(off+DescriptorSize, uint64(dl))...)
	}
	return d, out, nil
}

// Write copies |frags| into the payload of the chain beginning at |h|,
// which must have been allocated with sufficient length.
func (p *Pool) Write(h pb.Handle, frags ...[]byte) error {
	var offs, err = p.Chain(h)
	if err != nil {
		return err
	}
	var i, pos uint64 // Granule index, and position within its payload.
	var dataSize = uint64(p.DataSize())

	for _, f := range frags {
		for len(f) != 0 {
			if pos == dataSize {
				i, pos = i+1, 0
			}
			if i == uint64(len(offs)) {
				return errors.WithMessagef(pb.ErrArgNotValid, "data overflows chain of %s", h)
			}
			var n = copy(p.r.Bytes(offs[i]+DescriptorSize+pos, dataSize-pos), f)
			p.r.Persist(offs[i]+DescriptorSize+pos, uint64(n))
			f, pos = f[n:], pos+uint64(n)
		}
	}
	return nil
}

// ForEach invokes |fn| with each granule of the Pool which is not free,
// in granule index order.
func (p *Pool) ForEach(fn func(off uint64, d Descriptor) error) error {
	for _, s := range p.segments {
		for i := uint32(0); i != s.count; i++ {
			var off = s.first + uint64(i)*p.granuleSize
			if p.r.DataTypeAt(off) == TypeFree {
				continue
			}
			if err := fn(off, p.r.Descriptor(off)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bitmap returns a Bitmap of the Pool's allocated granules.
func (p *Pool) Bitmap() *Bitmap {
	var b = NewBitmap(p.maxCount)
	_ = p.ForEach(func(off uint64, d Descriptor) error {
		b.Set(d.GranuleIndex)
		return nil
	})
	return b
}

// Offset returns the offset of the granule having GranuleIndex |index|.
func (p *Pool) Offset(index uint32) (uint64, bool) {
	for _, s := range p.segments {
		if index >= s.index && index < s.index+s.count {
			return s.first + uint64(index-s.index)*p.granuleSize, true
		}
	}
	return 0, false
}

func (p *Pool) granulesFor(length uint32) uint32 {
	var ds = p.DataSize()
	if length <= ds {
		return 1
	}
	return (length + ds - 1) / ds
}

func (p *Pool) freeLocked() uint32 { return p.r.U32(p.hdr + phGranuleCount) }

func (p *Pool) appendLocked(l list) {
	var tail = p.r.Handle(p.hdr + phTail)
	if tail.IsNull() {
		p.r.PutHandle(p.hdr+phHead, l.head)
	} else {
		p.r.SetNext(tail.Offset, l.head)
	}
	p.r.PutHandle(p.hdr+phTail, l.tail)
	p.r.PutU32(p.hdr+phGranuleCount, p.freeLocked()+l.count)
	p.r.Persist(p.hdr, PoolHeaderSize)
}

func (p *Pool) checkAlertLocked() (fire, on bool) {
	if p.alertOnPct == 0 {
		return false, false
	}
	var free = p.freeLocked()
	if !p.alerted && free <= p.alertOn {
		p.alerted = true
		return true, true
	} else if p.alerted && free >= p.alertOff {
		p.alerted = false
		return true, false
	}
	return false, false
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Rebuild rethreads the free list from every granule typed as free. It's used
// on recovery, where granules held by stream caches or a cool list at the
// time of a crash would otherwise be lost.
func (p *Pool) Rebuild() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var head, prev pb.Handle
	var n uint32

	for _, s := range p.segments {
		for i := uint32(0); i != s.count; i++ {
			var off = s.first + uint64(i)*p.granuleSize
			if p.r.DataTypeAt(off) != TypeFree {
				continue
			}
			var h = pb.Handle{Gen: p.gen, Offset: off}
			if n == 0 {
				head = h
			} else {
				p.r.SetNext(prev.Offset, h)
			}
			prev, n = h, n+1
		}
	}
	if n != 0 {
		p.r.SetNext(prev.Offset, pb.NullHandle)
	}
	p.r.PutHandle(p.hdr+phHead, head)
	p.r.PutHandle(p.hdr+phTail, prev)
	p.r.PutU32(p.hdr+phGranuleCount, n)
	p.r.Persist(p.hdr, PoolHeaderSize)

	p.cached, p.cool, p.cooling = 0, list{}, false
	return n
}
