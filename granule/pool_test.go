package granule

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/msgstore/protocol"
)

func TestPoolAllocateSingleGranules(t *testing.T) {
	var p = newTestPool(4, 128)
	require.Equal(t, uint32(4), p.FreeCount())
	require.Equal(t, uint32(88), p.DataSize())

	var seen = make(map[pb.Handle]bool)
	for i := 0; i != 3; i++ {
		var h, err = p.Allocate(RecordDataType(pb.RecordMsg), 10)
		require.NoError(t, err)
		require.False(t, seen[h])
		seen[h] = true

		var d = p.Region().Descriptor(h.Offset)
		require.Equal(t, RecordDataType(pb.RecordMsg), d.DataType)
		require.Equal(t, uint8(1), d.PoolID)
		require.Equal(t, uint32(10), d.TotalLength)
		require.True(t, d.Next.IsNull())
	}
	require.Equal(t, uint32(1), p.FreeCount())
	requireConserved(t, p, 3)
}

func TestPoolChainAllocationReadAndFree(t *testing.T) {
	var p = newTestPool(8, 128)

	// 200 bytes requires three 88-byte payloads.
	var h, err = p.Allocate(RecordDataType(pb.RecordMsg), 200)
	require.NoError(t, err)
	require.Equal(t, uint32(5), p.FreeCount())

	var offs, _ = p.Chain(h)
	require.Len(t, offs, 3)
	require.True(t, p.Region().DataTypeAt(offs[0]).IsPrimary())
	require.False(t, p.Region().DataTypeAt(offs[1]).IsPrimary())
	require.False(t, p.Region().DataTypeAt(offs[2]).IsPrimary())

	var data = make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, p.Write(h, data[:50], data[50:]))

	d, out, err := p.Read(h)
	require.NoError(t, err)
	require.Equal(t, data, out)
	require.Equal(t, uint32(200), d.TotalLength)

	// Writes which overflow the chain fail.
	require.Error(t, p.Write(h, make([]byte, 300)))

	require.NoError(t, p.Free(h))
	require.Equal(t, uint32(8), p.FreeCount())
	requireConserved(t, p, 0)

	// A second Free is rejected as stale.
	require.True(t, errors.Cause(p.Free(h)) == pb.ErrStaleHandle)
	// As are handles which aren't granule boundaries.
	require.True(t, errors.Cause(p.Free(h.Add(1))) == pb.ErrStaleHandle)
}

func TestPoolFreeIsTailAppendAndPreservesPayload(t *testing.T) {
	var p = newTestPool(3, 128)

	var a, _ = p.Allocate(TypeStateChunk, 8)
	var b, _ = p.Allocate(TypeStateChunk, 8)
	require.NoError(t, p.Write(a, []byte("versions")))

	require.NoError(t, p.Free(a))
	// The remaining free granule is allocated before |a|, which was appended.
	var c, _ = p.Allocate(TypeStateChunk, 8)
	require.NotEqual(t, a, c)
	var d, _ = p.Allocate(TypeStateChunk, 8)
	require.Equal(t, a, d)
	// Payload of |a| survived the free.
	require.Equal(t, "versions", string(p.Region().Bytes(d.Offset+DescriptorSize, 8)))

	require.NoError(t, p.Free(b))
	require.NoError(t, p.Free(c))
	require.NoError(t, p.Free(d))
	requireConserved(t, p, 0)
}

func TestPoolExhaustionAndCooling(t *testing.T) {
	var p = newTestPool(2, 128)
	p.SpinRetries = 1000

	var a, err = p.Allocate(TypeRefChunk, 8)
	require.NoError(t, err)
	_, err = p.Allocate(TypeRefChunk, 200)
	require.True(t, errors.Cause(err) == pb.ErrStoreFull)

	p.SetCooling()
	require.NoError(t, p.Free(a))
	require.Equal(t, uint32(1), p.CoolCount())
	require.Equal(t, uint32(1), p.FreeCount())

	// Return the cool list while another allocation spins for it.
	var wg sync.WaitGroup
	var spinErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, spinErr = p.Allocate(TypeRefChunk, 100) // Two granules.
	}()
	p.ReturnCool()
	wg.Wait()
	require.NoError(t, spinErr)

	require.Equal(t, uint32(0), p.FreeCount())
	require.Equal(t, uint32(0), p.CoolCount())
}

func TestPoolAlerts(t *testing.T) {
	var p = newTestPool(10, 64)
	var events []bool
	p.OnAlert = func(pool uint8, on bool) { events = append(events, on) }
	p.SetAlerts(80, 50)

	var hs []pb.Handle
	for i := 0; i != 8; i++ {
		var h, err = p.Allocate(TypeLargeData, 1)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	require.Equal(t, []bool{true}, events)
	require.True(t, p.Alerted())

	for _, h := range hs[:2] {
		require.NoError(t, p.Free(h))
	}
	require.Equal(t, []bool{true}, events) // 60% used; not yet.
	require.NoError(t, p.Free(hs[2]))
	require.Equal(t, []bool{true, false}, events)
	require.False(t, p.Alerted())
}

func TestPoolStreamCache(t *testing.T) {
	var p = newTestPool(6, 128)

	var cache = p.Take(4)
	require.Len(t, cache, 4)
	require.Equal(t, uint32(2), p.FreeCount())
	require.Equal(t, uint32(4), p.CachedCount())

	var h, err = p.AllocateFrom(&cache, RecordDataType(pb.RecordMsg), 20)
	require.NoError(t, err)
	require.Len(t, cache, 3)
	require.Equal(t, uint32(3), p.CachedCount())
	require.Equal(t, RecordDataType(pb.RecordMsg), p.Region().DataTypeAt(h.Offset))

	// Chains bypass the cache.
	h2, err := p.AllocateFrom(&cache, RecordDataType(pb.RecordMsg), 100)
	require.NoError(t, err)
	require.Len(t, cache, 3)
	requireConserved(t, p, 3)

	p.Give(cache)
	require.Equal(t, uint32(0), p.CachedCount())
	require.NoError(t, p.Free(h))
	require.NoError(t, p.Free(h2))
	require.Equal(t, uint32(6), p.FreeCount())
}

func TestPoolExtendAttachAndRebuild(t *testing.T) {
	var r = NewRegion(make([]byte, 64+4*128+2*128), nil)
	var p = FormatPool(r, 2, 0, 0, Geometry{Offset: 64, Size: 4 * 128, GranuleSize: 128})
	var formatted bool
	require.Equal(t, uint32(2), p.Extend(64+4*128, 2*128, func() {
		formatted = true
		require.Equal(t, TypeFree, r.DataTypeAt(64+5*128))
	}))
	require.True(t, formatted)
	require.Equal(t, uint32(6), p.MaxCount())
	require.Equal(t, uint32(6), p.FreeCount())

	var hs []pb.Handle
	for i := 0; i != 5; i++ {
		var h, err = p.Allocate(TypeLargeData, 1)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	var idx, ok = p.Index(hs[4].Offset)
	require.True(t, ok)
	require.Equal(t, uint32(4), idx) // First granule of the extension.

	start, ok := p.GranuleStart(hs[4].Offset + 17)
	require.True(t, ok)
	require.Equal(t, hs[4].Offset, start)

	// Re-attach, as after a restart. Cached granules are lost, and recovered by Rebuild.
	_ = p.Take(1)
	p2, err := AttachPool(r, 2, 0, 0)
	require.NoError(t, err)
	p2.AttachSegment(64+4*128, 2*128)
	require.Equal(t, uint32(6), p2.MaxCount())
	require.Equal(t, uint32(0), p2.FreeCount())

	require.Equal(t, uint32(1), p2.Rebuild())
	require.Equal(t, uint32(5), p2.Bitmap().Count())
	requireConserved(t, p2, 5)
}

func TestDataTypeFlags(t *testing.T) {
	var dt = RecordDataType(pb.RecordQueue) | FlagUncommitted | FlagNotPrimary
	require.Equal(t, RecordDataType(pb.RecordQueue), dt.Base())
	require.True(t, dt.IsUncommitted())
	require.False(t, dt.IsPrimary())
	require.True(t, dt.IsRecord())
	require.False(t, TypeRefChunk.IsRecord())
	require.Equal(t, "QUEUE|NOT_PRIMARY|UNCOMMITTED", dt.String())
}

func TestFlushBarrierCounts(t *testing.T) {
	var b = NewBarrier("adr").(*FlushBarrier)
	var r = NewRegion(make([]byte, 64+2*128), b)
	FormatPool(r, 2, 0, 0, Geometry{Offset: 64, Size: 2 * 128, GranuleSize: 128})

	var fences, bytes = b.Flushed()
	require.NotZero(t, fences)
	require.NotZero(t, bytes)
	require.IsType(t, NopBarrier{}, NewBarrier("none"))
}

func newTestPool(count, gs uint32) *Pool {
	var hdr = uint64(0)
	var first = uint64(PoolHeaderSize)
	var r = NewRegion(make([]byte, first+uint64(count*gs)), NopBarrier{})
	return FormatPool(r, 7, 1, hdr, Geometry{Offset: first, Size: uint64(count * gs), GranuleSize: gs})
}

func requireConserved(t *testing.T, p *Pool, allocated uint32) {
	var n uint32
	require.NoError(t, p.ForEach(func(uint64, Descriptor) error {
		n++
		return nil
	}))
	require.Equal(t, allocated, n)
	require.Equal(t, p.MaxCount(), p.FreeCount()+p.CachedCount()+p.CoolCount()+n)
}
