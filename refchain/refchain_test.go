package refchain

import (
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

func TestReferencesPrunedBelowMinimumActive(t *testing.T) {
	var gens = newTestGens()
	var tbl = NewTable(testConfig, gens)

	var c, err = tbl.Open(ownerA, 1, 0)
	require.NoError(t, err)

	// Reserved references are not visible until committed.
	slot, err := c.Reserve(2, testRef(2, 10))
	require.NoError(t, err)
	_, err = c.Get(10)
	require.True(t, errors.Cause(err) == pb.ErrNotFound)
	require.NoError(t, tbl.CommitReference(ownerA, slot, 10))

	addRef(t, tbl, c, 2, 11)
	addRef(t, tbl, c, 2, 12)
	require.Equal(t, uint32(63), gens.pools[2].FreeCount())

	pruned, err := c.SetMinActive(11)
	require.NoError(t, err)
	require.False(t, pruned) // The chunk also covers order IDs 11 & 12.

	_, err = c.Get(10)
	require.True(t, errors.Cause(err) == pb.ErrOrderIDPruned)
	require.Equal(t, pb.KindArgument, pb.KindOf(err))

	for _, oid := range []uint64{11, 12} {
		ref, err := c.Get(oid)
		require.NoError(t, err)
		require.Equal(t, testRef(2, oid), ref)
	}
	// Order IDs below the minimum may not be re-created.
	_, err = c.Reserve(2, testRef(2, 10))
	require.True(t, errors.Cause(err) == pb.ErrOrderIDPruned)

	// Lowering the minimum is ignored.
	pruned, err = c.SetMinActive(5)
	require.NoError(t, err)
	require.False(t, pruned)
	require.Equal(t, uint64(11), c.MinActive())

	// Advancing past the chunk releases it, and drops its RefGen.
	pruned, err = c.SetMinActive(16)
	require.NoError(t, err)
	require.True(t, pruned)
	require.Empty(t, c.RefGens())
	require.Equal(t, uint32(64), gens.pools[2].FreeCount())

	var stats = c.Statistics()
	require.Equal(t, uint64(16), stats.MinimumActiveOrderID)
	require.Equal(t, uint64(12), stats.HighestOrderID)
}

func TestChunksAreLinkedInOrder(t *testing.T) {
	var gens = newTestGens()
	var tbl = NewTable(testConfig, gens)
	var c, _ = tbl.Open(ownerA, 1, 0)

	// Tail, then head, then middle insertions.
	for _, oid := range []uint64{100, 20, 60, 61, 140} {
		addRef(t, tbl, c, 2, oid)
	}
	var rg = c.byGen[2]
	require.Equal(t, []uint64{16, 56, 96, 136}, bases(rg.chunks))
	require.Equal(t, uint64(20), rg.Lowest)
	require.Equal(t, uint64(140), rg.Highest)

	// Walk the chain within the Region.
	var r = gens.pools[2].Region()
	var walked []uint64
	for h := rg.handle(0); !h.IsNull(); h = r.NextAt(h.Offset) {
		var dt = r.DataTypeAt(h.Offset)
		require.Equal(t, granule.TypeRefChunk, dt.Base())
		require.Equal(t, len(walked) == 0, dt.IsPrimary())
		walked = append(walked, r.U64(h.Offset+granule.DescriptorSize+rcBase))
	}
	require.Equal(t, bases(rg.chunks), walked)

	// Iteration is in order ID order.
	var oids []uint64
	for ref, err := c.Next(0); err != io.EOF; ref, err = c.Next(ref.OrderID) {
		require.NoError(t, err)
		oids = append(oids, ref.OrderID)
	}
	require.Equal(t, []uint64{20, 60, 61, 100, 140}, oids)

	// Duplicates are rejected.
	_, err := c.Reserve(2, testRef(2, 60))
	require.True(t, errors.Cause(err) == pb.ErrArgNotValid)

	// Removing the head promotes the next chunk to primary.
	_, err = c.SetMinActive(56)
	require.NoError(t, err)
	require.Equal(t, []uint64{56, 96, 136}, bases(rg.chunks))
	require.True(t, r.DataTypeAt(rg.chunks[0].off).IsPrimary())
	require.Equal(t, uint32(61), gens.pools[2].FreeCount())
}

func TestAcceleratorsAreAdvisory(t *testing.T) {
	var cfg = testConfig
	cfg.Fingers, cfg.CacheSize = true, 16

	var gensA, gensB = newTestGens(), newTestGens()
	gensA.add(3, 320)
	gensB.add(3, 320)

	var fast, slow = NewTable(cfg, gensA), NewTable(testConfig, gensB)
	var cf, _ = fast.Open(ownerA, 1, 0)
	var cs, _ = slow.Open(ownerA, 1, 0)

	var rnd = rand.New(rand.NewSource(42))
	for _, i := range rnd.Perm(300) {
		var oid = uint64(i*8 + 3)
		addRef(t, fast, cf, 3, oid)
		addRef(t, slow, cs, 3, oid)
	}
	require.Len(t, cf.byGen[3].fingers, 5)
	require.Nil(t, cs.byGen[3].fingers)
	require.Nil(t, cs.byGen[3].cache)

	for _, i := range rnd.Perm(320) {
		var oid = uint64(i*8 + 3)
		var rf, errF = cf.Get(oid)
		var rs, errS = cs.Get(oid)
		require.Equal(t, rs, rf)
		require.Equal(t, errors.Cause(errS), errors.Cause(errF))
	}
	var nf, _ = cf.Next(1000)
	var ns, _ = cs.Next(1000)
	require.Equal(t, ns, nf)
	require.Equal(t, uint64(1003), nf.OrderID)
}

func TestUpdatesOfFrozenGenerationsUseRefStates(t *testing.T) {
	var gens = newTestGens()
	var tbl = NewTable(testConfig, gens)
	var c, _ = tbl.Open(ownerA, 1, 0)

	var slots = make(map[uint64]pb.Handle)
	for oid := uint64(1); oid <= 5; oid++ {
		slots[oid] = addRef(t, tbl, c, 2, oid)
	}
	// Writable generations are updated in place.
	var tgt, err = c.Locate(2)
	require.NoError(t, err)
	require.Equal(t, Target{Handle: slots[2]}, tgt)
	require.NoError(t, tbl.UpdateReference(ownerA, tgt.Handle, 2, 7, 77))

	ref, _ := c.Get(2)
	require.Equal(t, uint8(7), ref.State)
	require.Equal(t, uint32(77), ref.Value)

	require.NoError(t, tbl.DeleteReference(ownerA, slots[5], 5))
	_, err = c.Get(5)
	require.True(t, errors.Cause(err) == pb.ErrNotFound)

	// Once frozen, updates are shadowed by RefStates.
	gens.writable[2] = false
	var mgmtFree = gens.pools[pb.MgmtGenID].FreeCount()

	tgt, err = c.Locate(3)
	require.NoError(t, err)
	require.True(t, tgt.RefState)
	require.Equal(t, pb.MgmtGenID, tgt.Handle.Gen)
	require.Equal(t, mgmtFree-1, gens.pools[pb.MgmtGenID].FreeCount())
	require.NoError(t, tbl.SetRefState(ownerA, tgt.Handle, 3, 9))
	require.NoError(t, tbl.SetRefState(ownerA, tgt.Handle, 3, 9)) // Idempotent.

	ref, _ = c.Get(3)
	require.Equal(t, uint8(9), ref.State)

	// A slot update which races with freezing is shadowed.
	require.NoError(t, tbl.UpdateReference(ownerA, slots[4], 4, 8, 0))
	ref, _ = c.Get(4)
	require.Equal(t, uint8(8), ref.State)

	require.NoError(t, tbl.DeleteReference(ownerA, slots[1], 1))
	_, err = c.Get(1)
	require.True(t, errors.Cause(err) == pb.ErrNotFound)

	var oids []uint64
	for ref, err := c.Next(0); err != io.EOF; ref, err = c.Next(ref.OrderID) {
		oids = append(oids, ref.OrderID)
	}
	require.Equal(t, []uint64{2, 3, 4}, oids)
	require.Equal(t, 1, c.RefStateChunks())

	// Reservations in a frozen generation fail.
	_, err = c.Reserve(2, testRef(2, 6))
	require.True(t, errors.Cause(err) == pb.ErrStaleHandle)

	// Handles are validated against their chunk's owner and order ID.
	require.Error(t, tbl.SetRefState(ownerB, tgt.Handle, 3, 1))
	require.Error(t, tbl.SetRefState(ownerA, tgt.Handle, 4, 1))
	require.Error(t, tbl.UpdateReference(ownerA, slots[2], 3, 1, 1))
}

func TestUndoAndRefStateTrimming(t *testing.T) {
	var gens = newTestGens()
	var tbl = NewTable(testConfig, gens)
	var c, _ = tbl.Open(ownerA, 1, 0)

	var slot, err = c.Reserve(2, testRef(2, 40))
	require.NoError(t, err)
	require.NoError(t, tbl.UndoReference(ownerA, slot, 40))
	require.NoError(t, tbl.UndoReference(ownerA, slot, 40)) // Idempotent.

	_, err = c.Get(40)
	require.True(t, errors.Cause(err) == pb.ErrNotFound)
	var r = gens.pools[2].Region()
	require.Zero(t, r.U32(c.byGen[2].chunks[0].off+granule.DescriptorSize+rcCount))

	// A RefState chunk whose update was rolled back holds no states.
	addRef(t, tbl, c, 2, 41)
	gens.writable[2] = false
	_, err = c.Locate(41)
	require.NoError(t, err)
	require.Equal(t, 1, c.RefStateChunks())

	require.NoError(t, c.Prune())
	require.Equal(t, 0, c.RefStateChunks())
	require.Equal(t, uint32(64), gens.pools[pb.MgmtGenID].FreeCount())
}

func TestPruneOfFrozenGenerationReleasesEachChunk(t *testing.T) {
	var gens = newTestGens()
	var tbl = NewTable(testConfig, gens)
	var c, _ = tbl.Open(ownerA, 1, 0)

	var per = uint64(testConfig.RefsPerChunk)
	for oid := uint64(1); oid != 3*per; oid++ {
		addRef(t, tbl, c, 2, oid)
	}
	var chunks = append([]chunk(nil), c.byGen[2].chunks...)
	require.Len(t, chunks, 3)

	gens.writable[2] = false
	var r = gens.pools[2].Region()

	pruned, err := c.SetMinActive(per + 1)
	require.NoError(t, err)
	require.True(t, pruned)

	// Only the pruned chunk is released, and the frozen image keeps its links.
	require.Equal(t, []pb.Handle{{Gen: 2, Offset: chunks[0].off}}, gens.released)
	require.Equal(t, chunks[1].off, r.NextAt(chunks[0].off).Offset)
	require.Equal(t, []uint64{per, 2 * per}, bases(c.byGen[2].chunks))

	var oids []uint64
	for ref, err := c.Next(0); err != io.EOF; ref, err = c.Next(ref.OrderID) {
		require.NoError(t, err)
		oids = append(oids, ref.OrderID)
	}
	require.Len(t, oids, int(2*per-1))
	require.Equal(t, per+1, oids[0])
	require.Equal(t, 3*per-1, oids[len(oids)-1])

	// A later prune releases the next chunk alone.
	_, err = c.SetMinActive(2 * per)
	require.NoError(t, err)
	require.Len(t, gens.released, 2)
	require.Equal(t, chunks[1].off, gens.released[1].Offset)
}

func TestRebuildFromChunks(t *testing.T) {
	var gens = newTestGens()
	gens.add(3, 64)
	var tbl = NewTable(testConfig, gens)

	var a, _ = tbl.Open(ownerA, 1, 0)
	var b, _ = tbl.Open(ownerB, 1, 0)
	for oid := uint64(1); oid <= 20; oid++ {
		addRef(t, tbl, a, 2, oid)
	}
	for oid := uint64(1); oid <= 4; oid++ {
		addRef(t, tbl, b, 2, oid)
	}
	for oid := uint64(30); oid <= 35; oid++ {
		addRef(t, tbl, a, 3, oid)
	}
	gens.writable[3] = false
	var tgt, err = a.Locate(31)
	require.NoError(t, err)
	require.NoError(t, tbl.SetRefState(ownerA, tgt.Handle, 31, 9))

	// Rebuild a new Table, where owner B has since been redefined.
	var owners = func(owner pb.Handle) (uint32, uint64, bool) {
		switch owner {
		case ownerA:
			return 1, 0, true
		case ownerB:
			return 2, 0, true
		}
		return 0, 0, false
	}
	var tbl2 = NewTable(testConfig, gens)
	n, err := tbl2.RebuildGeneration(2, gens.pools[2], owners)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = tbl2.RebuildGeneration(3, gens.pools[3], owners)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	n, err = tbl2.RebuildStates(gens.pools[pb.MgmtGenID], owners)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, tbl2.FinishRebuild())

	_, ok := tbl2.Lookup(ownerB)
	require.False(t, ok)
	require.Equal(t, uint32(61), gens.pools[2].FreeCount())

	a2, ok := tbl2.Lookup(ownerA)
	require.True(t, ok)
	require.Equal(t, []pb.GenID{2, 3}, a2.RefGens())
	require.Equal(t, pb.ReferenceStatistics{
		HighestOrderID: 35,
		LowestGenID:    2,
		HighestGenID:   3,
	}, a2.Statistics())

	for _, oid := range []uint64{1, 20, 30, 35} {
		var want, _ = a.Get(oid)
		var got, err = a2.Get(oid)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	ref, _ := a2.Get(31)
	require.Equal(t, uint8(9), ref.State)

	// Pruning spans writable and frozen generations, and RefStates.
	_, err = a2.SetMinActive(32)
	require.NoError(t, err)
	require.Equal(t, []pb.GenID{3}, a2.RefGens())
	require.Equal(t, 0, a2.RefStateChunks())
	require.Len(t, gens.released, 1)
	require.Equal(t, uint32(64), gens.pools[2].FreeCount())

	require.NoError(t, tbl2.Destroy(a2))
	require.Equal(t, 0, tbl2.Len())
	_, err = a2.Get(33)
	require.True(t, errors.Cause(err) == pb.ErrStaleHandle)
}

func TestOpenValidatesOwnerVersion(t *testing.T) {
	var tbl = NewTable(testConfig, newTestGens())

	var c, err = tbl.Open(ownerA, 3, 0)
	require.NoError(t, err)
	c2, err := tbl.Open(ownerA, 3, 0)
	require.NoError(t, err)
	require.True(t, c == c2)

	_, err = tbl.Open(ownerA, 4, 0)
	require.True(t, errors.Cause(err) == pb.ErrOwnerVersion)
	_, err = tbl.Open(pb.NullHandle, 1, 0)
	require.Equal(t, pb.KindArgument, pb.KindOf(err))

	tbl.Close(c)
	tbl.Close(c2)
	require.Equal(t, 1, tbl.Len())

	require.NoError(t, testConfig.Validate())
	var bad = testConfig
	bad.RefsPerChunk = 0
	require.Error(t, bad.Validate())
}

func TestRefGenPoolWatermarks(t *testing.T) {
	var p = NewRefGenPool(2, 2, 4)
	require.Equal(t, 6, p.Len())

	var signals []bool
	p.OnWatermark = func(inc bool) { signals = append(signals, inc) }

	var taken []*RefGen
	for i := 0; i != 4; i++ {
		taken = append(taken, p.Get())
	}
	require.Equal(t, []bool{true}, signals) // Signalled once until serviced.
	p.Grow()
	require.Equal(t, 6, p.Len())

	for _, rg := range taken {
		p.Put(rg)
	}
	require.Equal(t, 10, p.Len())
	require.Equal(t, []bool{true, false}, signals)
	p.Shrink()
	require.Equal(t, 6, p.Len())
}

type testGens struct {
	pools    map[pb.GenID]*granule.Pool
	writable map[pb.GenID]bool
	released []pb.Handle
}

func newTestGens() *testGens {
	var g = &testGens{
		pools:    make(map[pb.GenID]*granule.Pool),
		writable: make(map[pb.GenID]bool),
	}
	g.add(pb.MgmtGenID, 64)
	g.add(2, 64)
	return g
}

func (g *testGens) add(id pb.GenID, count uint32) {
	const gs = 256
	var r = granule.NewRegion(make([]byte, granule.PoolHeaderSize+count*gs), nil)
	g.pools[id] = granule.FormatPool(r, id, 1, 0,
		granule.Geometry{Offset: granule.PoolHeaderSize, Size: uint64(count * gs), GranuleSize: gs})
	g.writable[id] = true
}

func (g *testGens) Region(id pb.GenID) (*granule.Region, bool, error) {
	var p, ok = g.pools[id]
	if !ok {
		return nil, false, errors.WithMessagef(pb.ErrNotMapped, "generation %s", id)
	}
	return p.Region(), g.writable[id], nil
}

func (g *testGens) AllocateChunk(id pb.GenID, typ granule.DataType) (pb.Handle, error) {
	return g.pools[id].Allocate(typ, g.pools[id].DataSize())
}

func (g *testGens) ReleaseChunk(h pb.Handle) error {
	if g.writable[h.Gen] {
		return g.pools[h.Gen].Free(h)
	}
	g.released = append(g.released, h)
	return nil
}

var (
	testConfig = Config{
		RefsPerChunk:   8,
		StatesPerChunk: 16,
		LocksCount:     4,
		PoolStripes:    2,
		PoolLWM:        1,
		PoolHWM:        8,
	}
	ownerA = pb.Handle{Gen: pb.MgmtGenID, Offset: 0x1000}
	ownerB = pb.Handle{Gen: pb.MgmtGenID, Offset: 0x2000}
)

func testRef(gen pb.GenID, oid uint64) pb.Reference {
	return pb.Reference{
		OrderID:   oid,
		RefHandle: pb.Handle{Gen: gen, Offset: 0x100 + oid},
		Value:     uint32(oid * 3),
		State:     1,
	}
}

func addRef(t *testing.T, tbl *Table, c *Context, gen pb.GenID, oid uint64) pb.Handle {
	var slot, err = c.Reserve(gen, testRef(gen, oid))
	require.NoError(t, err)
	require.NoError(t, tbl.CommitReference(c.Owner, slot, oid))
	return slot
}

func bases(chunks []chunk) []uint64 {
	var out []uint64
	for _, c := range chunks {
		out = append(out, c.base)
	}
	return out
}
