package refchain

import (
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

const (
	minFingerGap = 64
	maxFingerGap = 256
)

// RefGen is the segment of an owner's reference chain living within one
// generation. Its chunks are ordered on base order ID.
type RefGen struct {
	chain
	// Lowest and Highest order IDs reserved within the RefGen.
	Lowest, Highest uint64

	cache   *lru.Cache // Chunk base => chunk.
	fingers []finger
	builtAt int // Chunk count as of the last fingers build.
}

type finger struct {
	base  uint64
	index int
}

// Gen returns the GenID of the RefGen.
func (rg *RefGen) Gen() pb.GenID { return rg.gen }

// Chunks returns the number of chunks of the RefGen.
func (rg *RefGen) Chunks() int { return len(rg.chunks) }

func (rg *RefGen) init(gen pb.GenID, cacheSize int) {
	rg.gen, rg.typ = gen, granule.TypeRefChunk
	rg.Lowest, rg.Highest = 0, 0

	if cacheSize > 0 {
		rg.cache, _ = lru.New(cacheSize)
	}
}

func (rg *RefGen) reset() {
	*rg = RefGen{chain: chain{chunks: rg.chunks[:0]}}
}

// find the chunk having |base|. If it's not found, the returned index is the
// position at which it should be inserted.
func (rg *RefGen) find(base uint64, useFingers bool) (chunk, int, bool) {
	if rg.cache != nil {
		if v, ok := rg.cache.Get(base); ok {
			searchesTotal.WithLabelValues("cache").Inc()
			return v.(chunk), -1, true
		}
	}
	var from int
	if useFingers && rg.refreshFingers() {
		var k = sort.Search(len(rg.fingers), func(k int) bool { return rg.fingers[k].base > base })
		if k != 0 {
			from = rg.fingers[k-1].index
		}
		searchesTotal.WithLabelValues("fingers").Inc()
	} else {
		searchesTotal.WithLabelValues("linear").Inc()
	}
	var i, ok = rg.seek(base, from)
	if !ok {
		return chunk{}, i, false
	}
	if rg.cache != nil {
		rg.cache.Add(base, rg.chunks[i])
	}
	return rg.chunks[i], i, true
}

// refreshFingers rebuilds the fingers index if the number of chunks has
// changed by more than a factor of two since it was last built. It returns
// whether fingers are usable.
func (rg *RefGen) refreshFingers() bool {
	var n = len(rg.chunks)
	if n < 2*minFingerGap {
		rg.fingers, rg.builtAt = nil, 0
		return false
	} else if rg.builtAt != 0 && n <= 2*rg.builtAt && n >= rg.builtAt/2 {
		return true
	}
	var gap = n / 16
	if gap < minFingerGap {
		gap = minFingerGap
	} else if gap > maxFingerGap {
		gap = maxFingerGap
	}
	rg.fingers = rg.fingers[:0]
	for i := 0; i < n; i += gap {
		rg.fingers = append(rg.fingers, finger{base: rg.chunks[i].base, index: i})
	}
	rg.builtAt = n
	fingerRebuildsTotal.Inc()
	return true
}

// insertChunk links |c| at index |i|. Fingers at or beyond |i| now reference
// the chunk preceding their base, which remains a valid point to scan from.
func (rg *RefGen) insertChunk(r *granule.Region, i int, c chunk) {
	rg.insert(r, i, c)
	if rg.cache != nil {
		rg.cache.Add(c.base, c)
	}
}

// releaseChunks removes chunks [i, i+n) and invalidates accelerators.
func (rg *RefGen) releaseChunks(gens Generations, i, n int) error {
	if rg.cache != nil {
		for _, c := range rg.chunks[i : i+n] {
			rg.cache.Remove(c.base)
		}
	}
	rg.fingers, rg.builtAt = nil, 0
	return rg.release(gens, i, n)
}

// RefGenPool is a striped free-list of RefGens. Stripes are selected
// round-robin. Crossing a stripe's low or high watermark signals OnWatermark,
// which is expected to schedule a Grow or Shrink of the pool.
type RefGenPool struct {
	stripes []refGenStripe
	next    uint32
	lwm     int
	hwm     int
	pending int32 // Non-zero while a watermark signal is outstanding.

	// OnWatermark is called with inc=true when a stripe falls below its low
	// watermark, and inc=false when one rises above its high watermark.
	OnWatermark func(inc bool)
}

type refGenStripe struct {
	mu   sync.Mutex
	free []*RefGen
}

// NewRefGenPool returns a RefGenPool of |stripes| stripes, each filled to
// the mid-point of its watermarks.
func NewRefGenPool(stripes, lwm, hwm int) *RefGenPool {
	if stripes < 1 {
		stripes = 1
	}
	var p = &RefGenPool{stripes: make([]refGenStripe, stripes), lwm: lwm, hwm: hwm}
	p.Grow()
	return p
}

// Get a RefGen from the pool.
func (p *RefGenPool) Get() *RefGen {
	var s = &p.stripes[atomic.AddUint32(&p.next, 1)%uint32(len(p.stripes))]

	s.mu.Lock()
	var rg *RefGen
	if n := len(s.free); n != 0 {
		rg, s.free = s.free[n-1], s.free[:n-1]
	} else {
		rg = new(RefGen)
	}
	var low = len(s.free) < p.lwm
	s.mu.Unlock()

	if low {
		p.signal(true)
	}
	return rg
}

// Put returns a RefGen to the pool.
func (p *RefGenPool) Put(rg *RefGen) {
	rg.reset()
	var s = &p.stripes[atomic.AddUint32(&p.next, 1)%uint32(len(p.stripes))]

	s.mu.Lock()
	s.free = append(s.free, rg)
	var high = p.hwm != 0 && len(s.free) > p.hwm
	s.mu.Unlock()

	if high {
		p.signal(false)
	}
}

// Grow fills every stripe below the mid-point of its watermarks.
func (p *RefGenPool) Grow() {
	var target = (p.lwm + p.hwm) / 2
	for i := range p.stripes {
		var s = &p.stripes[i]
		s.mu.Lock()
		for len(s.free) < target {
			s.free = append(s.free, new(RefGen))
		}
		s.mu.Unlock()
	}
	atomic.StoreInt32(&p.pending, 0)
}

// Shrink trims every stripe above the mid-point of its watermarks.
func (p *RefGenPool) Shrink() {
	var target = (p.lwm + p.hwm) / 2
	for i := range p.stripes {
		var s = &p.stripes[i]
		s.mu.Lock()
		if len(s.free) > target {
			for k := target; k != len(s.free); k++ {
				s.free[k] = nil
			}
			s.free = s.free[:target]
		}
		s.mu.Unlock()
	}
	atomic.StoreInt32(&p.pending, 0)
}

// Len returns the number of pooled RefGens.
func (p *RefGenPool) Len() int {
	var n int
	for i := range p.stripes {
		p.stripes[i].mu.Lock()
		n += len(p.stripes[i].free)
		p.stripes[i].mu.Unlock()
	}
	return n
}

func (p *RefGenPool) signal(inc bool) {
	if p.OnWatermark == nil || !atomic.CompareAndSwapInt32(&p.pending, 0, 1) {
		return
	}
	p.OnWatermark(inc)
}
