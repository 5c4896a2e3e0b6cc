package generation

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// Layout is the placement of a generation's pools within its Region.
type Layout struct {
	MemSize uint64
	Pools   [PoolsCount]granule.Geometry
	// Reserved span at the end of the Region, which is not formatted and may
	// later be attached to either pool by the reserved pool handshake.
	RsrvOffset, RsrvSize uint64
}

// PlanLayout divides |memSize| bytes into a header, pool 0 (receiving
// |pool0Pct| percent of the remainder), pool 1, and a reserved span of
// |rsrvPct| percent of |memSize|.
func PlanLayout(memSize uint64, pool0Pct int, gs0, gs1 uint32, rsrvPct int) (Layout, error) {
	if err := pb.ValidateRange("pool0Pct", int64(pool0Pct), 1, 99); err != nil {
		return Layout{}, err
	} else if err = pb.ValidateRange("rsrvPct", int64(rsrvPct), 0, 50); err != nil {
		return Layout{}, err
	}
	for _, gs := range []uint32{gs0, gs1} {
		if gs <= granule.DescriptorSize || gs%8 != 0 {
			return Layout{}, pb.Errorf(pb.KindConfig, "granule size %d is invalid", gs)
		}
	}
	var l = Layout{MemSize: memSize}

	var rsrvGS = uint64(gs1)
	if uint64(gs0) > rsrvGS {
		rsrvGS = uint64(gs0)
	}
	l.RsrvSize = memSize * uint64(rsrvPct) / 100 / rsrvGS * rsrvGS

	if memSize < HeaderSize+l.RsrvSize {
		return Layout{}, pb.Errorf(pb.KindConfig, "generation size %d is too small", memSize)
	}
	var avail = memSize - HeaderSize - l.RsrvSize
	var size0 = avail * uint64(pool0Pct) / 100 / uint64(gs0) * uint64(gs0)
	var size1 = (avail - size0) / uint64(gs1) * uint64(gs1)

	l.Pools[0] = granule.Geometry{Offset: HeaderSize, Size: size0, GranuleSize: gs0}
	l.Pools[1] = granule.Geometry{Offset: HeaderSize + size0, Size: size1, GranuleSize: gs1}
	l.RsrvOffset = memSize - l.RsrvSize

	for i, p := range l.Pools {
		if p.Count() < 4 {
			return Layout{}, pb.Errorf(pb.KindConfig,
				"pool %d of a %d byte generation would have %d granules (minimum 4)", i, memSize, p.Count())
		}
	}
	return l, nil
}

// Generation is a Region holding a generation header and its granule pools.
type Generation struct {
	Region *granule.Region
	Pools  [PoolsCount]*granule.Pool
	// Index is the in-memory slot of a data generation, or -1 for the
	// management generation and detached disk images.
	Index int

	mu    sync.Mutex
	id    pb.GenID
	state State
}

// Format zeroes the Region and formats a generation |id| into it with the
// given Layout. The generation begins in StateFree.
func Format(r *granule.Region, id pb.GenID, strucID uint32, layout Layout, index int) *Generation {
	r.Zero(0, r.Len())

	WriteHeader(r, Header{
		StrucID:         strucID,
		GenID:           id,
		State:           StateFree,
		PoolsCount:      PoolsCount,
		Version:         FormatVersion,
		MemSize:         layout.MemSize,
		RsrvPoolMemSize: layout.RsrvSize,
	})
	var g = &Generation{Region: r, Index: index, id: id, state: StateFree}
	for i := range g.Pools {
		g.Pools[i] = granule.FormatPool(r, id, uint8(i), PoolHeaderOffset(uint8(i)), layout.Pools[i])
	}
	generationsFormattedTotal.Inc()

	log.WithFields(log.Fields{
		"gen":   id,
		"index": index,
		"pool0": layout.Pools[0].Count(),
		"pool1": layout.Pools[1].Count(),
	}).Debug("formatted generation")

	return g
}

// Attach to a generation previously formatted within the Region.
func Attach(r *granule.Region, index int) (*Generation, error) {
	if r.Len() < HeaderSize {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "region of %d bytes has no header", r.Len())
	}
	var hdr = ReadHeader(r)

	if hdr.StrucID != StrucIDGen && hdr.StrucID != StrucIDMgmt {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "unexpected StrucID %#x", hdr.StrucID)
	} else if hdr.Version != FormatVersion {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "unsupported format version %d", hdr.Version)
	} else if hdr.PoolsCount != PoolsCount {
		return nil, errors.WithMessagef(pb.ErrCorrupt, "unexpected PoolsCount %d", hdr.PoolsCount)
	}
	var g = &Generation{Region: r, Index: index, id: hdr.GenID, state: hdr.State}

	for i := range g.Pools {
		var err error
		if g.Pools[i], err = granule.AttachPool(r, hdr.GenID, uint8(i), PoolHeaderOffset(uint8(i))); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ID of the Generation.
func (g *Generation) ID() pb.GenID { return g.id }

// IsMgmt returns whether this is the management generation.
func (g *Generation) IsMgmt() bool { return g.id == pb.MgmtGenID }

// State of the Generation.
func (g *Generation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState updates and persists the State of the Generation.
func (g *Generation) SetState(s State) {
	g.mu.Lock()
	var prior = g.state
	g.state = s
	g.Region.PutU8(hState, uint8(s))
	g.Region.Persist(hState, 1)
	g.mu.Unlock()

	stateTransitionsTotal.WithLabelValues(s.String()).Inc()
	log.WithFields(log.Fields{
		"gen":   g.id,
		"index": g.Index,
		"from":  prior,
		"to":    s,
	}).Debug("generation state")
}

// Header reads the current Header of the Generation.
func (g *Generation) Header() Header {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ReadHeader(g.Region)
}

// UpdateHeader applies |fn| to the Header, and persists the result.
// The State and GenID are not modifiable through UpdateHeader.
func (g *Generation) UpdateHeader(fn func(*Header)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var h = ReadHeader(g.Region)
	fn(&h)
	h.GenID, h.State = g.id, g.state
	WriteHeader(g.Region, h)
}

// Writable returns whether items of the Generation may be modified.
func (g *Generation) Writable() bool { return g.IsMgmt() || g.State().Writable() }

// Pool returns the Pool |id|.
func (g *Generation) Pool(id uint8) (*granule.Pool, error) {
	if int(id) >= PoolsCount {
		return nil, errors.WithMessagef(pb.ErrArgNotValid, "pool %d of generation %s", id, g.id)
	}
	return g.Pools[id], nil
}

// PoolOf returns the Pool holding the granule which contains |off|.
func (g *Generation) PoolOf(off uint64) (*granule.Pool, bool) {
	for _, p := range g.Pools {
		if p.Contains(off) {
			return p, true
		}
	}
	return nil, false
}

// Granule validates that |h| references the start of an allocated granule of
// the Generation, and returns its Pool. Interior (NotPrimary) granules are
// rejected unless |interior|.
func (g *Generation) Granule(h pb.Handle, interior bool) (*granule.Pool, error) {
	if h.Gen != g.id {
		return nil, errors.WithMessagef(pb.ErrStaleHandle, "%s is not of generation %s", h, g.id)
	}
	var p, ok = g.PoolOf(h.Offset)
	if !ok {
		return nil, errors.WithMessagef(pb.ErrStaleHandle, "%s is outside of pools", h)
	} else if _, ok = p.Index(h.Offset); !ok {
		return nil, errors.WithMessagef(pb.ErrStaleHandle, "%s is not a granule boundary", h)
	}
	var dt = g.Region.DataTypeAt(h.Offset)
	if dt.Base() == granule.TypeFree {
		return nil, errors.WithMessagef(pb.ErrStaleHandle, "%s is free", h)
	} else if !dt.IsPrimary() && !interior {
		return nil, errors.WithMessagef(pb.ErrStaleHandle, "%s is an interior chain granule", h)
	}
	return p, nil
}

// Stats summarizes the pools of a Generation.
type Stats struct {
	ID    pb.GenID
	State State
	Pools [PoolsCount]PoolStats
}

// PoolStats summarizes a single Pool.
type PoolStats struct {
	GranuleSize uint32
	MaxCount    uint32
	FreeCount   uint32
	UsedPct     int
}

// Stats of the Generation.
func (g *Generation) Stats() Stats {
	var s = Stats{ID: g.id, State: g.State()}
	for i, p := range g.Pools {
		s.Pools[i] = PoolStats{
			GranuleSize: p.GranuleSize(),
			MaxCount:    p.MaxCount(),
			FreeCount:   p.FreeCount(),
			UsedPct:     p.UsedPct(),
		}
	}
	return s
}
