package generation

import (
	"sort"

	"github.com/pkg/errors"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// Candidate is a disk-resident generation considered for compaction.
type Candidate struct {
	ID           pb.GenID
	Reclaimable  bool
	ExpectedFree uint64
}

// SelectCompaction ranks GenMaps for compaction and returns up to |n|
// Candidates. Fully reclaimable generations sort first, followed by the
// greatest expected free bytes. GenMaps which are not CompactReady, which are
// being synchronized to a standby, or which would reclaim nothing are skipped.
func SelectCompaction(maps []*GenMap, n int) []Candidate {
	var out []Candidate
	for _, m := range maps {
		m.Mu.Lock()
		var c = Candidate{
			ID:           m.ID,
			Reclaimable:  m.Reclaimable(),
			ExpectedFree: m.ExpectedFreeBytes(),
		}
		var skip = !m.CompactReady || m.HASyncing
		m.Mu.Unlock()

		if skip || (!c.Reclaimable && c.ExpectedFree == 0) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Reclaimable != out[j].Reclaimable {
			return out[i].Reclaimable
		}
		return out[i].ExpectedFree > out[j].ExpectedFree
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Image returns a snapshot of the Generation suitable for writing to disk.
// If |compact|, payloads of free granules are zeroed in the snapshot.
func Image(g *Generation, compact bool) []byte {
	var b = g.Region.Snapshot()
	if !compact {
		return b
	}
	var r = granule.NewRegion(b, nil)
	var size uint64 = HeaderSize

	for _, p := range g.Pools {
		var gs = uint64(p.GranuleSize())
		for i := uint32(0); i != p.MaxCount(); i++ {
			var off, _ = p.Offset(i)
			if r.DataTypeAt(off) == granule.TypeFree {
				r.Zero(off+granule.DescriptorSize, gs-granule.DescriptorSize)
			} else {
				size += gs
			}
		}
	}
	r.PutU64(hCompactSize, size)
	return b
}

// CompactImage rewrites a disk |image| of the GenMap's generation, marking
// granules which are no longer live as free and zeroing their payloads.
// It returns the rewritten image.
func CompactImage(image []byte, m *GenMap) ([]byte, error) {
	var r = granule.NewRegion(append([]byte(nil), image...), nil)
	var hdr = ReadHeader(r)

	if hdr.GenID != m.ID {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "image of generation %s is labeled %s", m.ID, hdr.GenID)
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()

	var size uint64 = HeaderSize
	for p, geo := range m.Pools {
		if !r.Contains(geo.Offset, geo.Size) {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "image of generation %s is truncated", m.ID)
		}
		var gs = uint64(geo.GranuleSize)

		for i := uint32(0); i != geo.Count(); i++ {
			var off = geo.Offset + uint64(i)*gs
			if m.Bitmaps[p].Test(i) {
				size += gs
				continue
			}
			if r.DataTypeAt(off) != granule.TypeFree {
				r.PutDescriptor(off, granule.Descriptor{GranuleIndex: i, PoolID: uint8(p)})
			}
			r.Zero(off+granule.DescriptorSize, gs-granule.DescriptorSize)
		}
	}
	r.PutU64(hCompactSize, size)
	m.PredictedSize = size
	return r.Snapshot(), nil
}
