package generation

import (
	"sync"

	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// GenMap is bookkeeping of a data generation which is held in process memory
// rather than within the generation itself. It tracks which granules of the
// generation remain live after it has been written to disk.
type GenMap struct {
	Mu sync.Mutex

	ID      pb.GenID
	Bitmaps [PoolsCount]*granule.Bitmap
	Pools   [PoolsCount]granule.Geometry

	// Size of the generation's disk image, and the predicted size of the image
	// after compaction.
	DiskFileSize  uint64
	PredictedSize uint64
	MemSize       uint64

	RecordsCount    uint64
	DelRecordsCount uint64
	// CompactReady is set once the generation's disk image is complete and it
	// may be considered for compaction.
	CompactReady bool
	// HASyncing is set while the generation is being synchronized to a
	// standby, during which it may not be deleted.
	HASyncing bool
}

// NewGenMap builds a GenMap of the live granules of |g|.
func NewGenMap(g *Generation) *GenMap {
	var m = &GenMap{ID: g.ID(), MemSize: g.Region.Len()}

	for i, p := range g.Pools {
		m.Bitmaps[i] = p.Bitmap()
		m.Pools[i] = granule.Geometry{
			Offset:      mustOffset(p),
			Size:        uint64(p.MaxCount()) * uint64(p.GranuleSize()),
			GranuleSize: p.GranuleSize(),
		}
		_ = p.ForEach(func(_ uint64, d granule.Descriptor) error {
			if d.DataType.IsRecord() && d.DataType.IsPrimary() {
				m.RecordsCount++
			}
			return nil
		})
	}
	m.PredictedSize = m.liveBytes()
	return m
}

func mustOffset(p *granule.Pool) uint64 {
	var off, _ = p.Offset(0)
	return off
}

// index maps |off| to its pool and granule index.
func (m *GenMap) index(off uint64) (int, uint32, bool) {
	for i, geo := range m.Pools {
		if off < geo.Offset || off >= geo.Offset+geo.Size {
			continue
		}
		if (off-geo.Offset)%uint64(geo.GranuleSize) != 0 {
			return 0, 0, false
		}
		return i, uint32((off - geo.Offset) / uint64(geo.GranuleSize)), true
	}
	return 0, 0, false
}

// IsLive returns whether the granule at |off| is live. Mu must be held.
func (m *GenMap) IsLive(off uint64) bool {
	var p, i, ok = m.index(off)
	return ok && m.Bitmaps[p].Test(i)
}

// Release marks the granules at |offs| as no longer live, returning the number
// which were. If the first granule heads a record, the deleted records count is
// incremented. Mu must be held.
func (m *GenMap) Release(offs []uint64, record bool) int {
	var n int
	for _, off := range offs {
		if p, i, ok := m.index(off); ok && m.Bitmaps[p].Clear(i) {
			n++
			m.PredictedSize -= uint64(m.Pools[p].GranuleSize)
		}
	}
	if record && n != 0 {
		m.DelRecordsCount++
	}
	return n
}

// Live is the number of live granules. Mu must be held.
func (m *GenMap) Live() uint32 {
	var n uint32
	for _, b := range m.Bitmaps {
		n += b.Count()
	}
	return n
}

// Total is the number of granules of the generation.
func (m *GenMap) Total() uint32 {
	var n uint32
	for _, b := range m.Bitmaps {
		n += b.Len()
	}
	return n
}

// Reclaimable returns whether no granules of the generation remain live,
// such that it may be deleted outright. Mu must be held.
func (m *GenMap) Reclaimable() bool { return m.Live() == 0 }

// ExpectedFreeBytes estimates the bytes of the disk image which compaction
// would reclaim. Mu must be held.
func (m *GenMap) ExpectedFreeBytes() uint64 {
	var total = m.Total()
	if total == 0 || m.DiskFileSize == 0 {
		return 0
	}
	var dead = uint64(total - m.Live())
	return m.DiskFileSize * dead / uint64(total)
}

func (m *GenMap) liveBytes() uint64 {
	var n = uint64(HeaderSize)
	for i, b := range m.Bitmaps {
		n += uint64(b.Count()) * uint64(m.Pools[i].GranuleSize)
	}
	return n
}
