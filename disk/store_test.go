package disk

import (
	"bytes"
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/msgstore/protocol"
)

type result struct {
	id   pb.GenID
	info Info
	err  error
}

func collect() (Callback, <-chan result) {
	var ch = make(chan result, 1)
	return func(id pb.GenID, info Info, err error) { ch <- result{id, info, err} }, ch
}

func TestStoreLifecycle(t *testing.T) {
	var s, err = New(mustParseURL("mem:///?codec=gzip&workers=2&capacity=1000000"))
	require.NoError(t, err)
	var ctx = context.Background()

	var image = make([]byte, 1<<14)
	copy(image[100:], "generation image")

	var done, ch = collect()
	s.WriteGeneration(5, append([]byte(nil), image...), done)
	var r = <-ch
	require.NoError(t, r.err)
	require.Equal(t, pb.GenID(5), r.id)
	require.Equal(t, "/gen.00005.img.gz", r.info.Path)
	require.True(t, r.info.Size < uint64(len(image)))

	out, err := s.ReadGeneration(ctx, 5)
	require.NoError(t, err)
	require.True(t, bytes.Equal(image, out))

	size, err := s.GenerationSize(5)
	require.NoError(t, err)
	require.Equal(t, r.info.Size, size)

	s.WriteGeneration(7, make([]byte, 64), done)
	require.NoError(t, (<-ch).err)

	ids, err := s.ListGenerations(ctx)
	require.NoError(t, err)
	require.Equal(t, []pb.GenID{5, 7}, ids)

	var st = s.Statistics()
	require.Equal(t, 2, st.Generations)
	require.NotZero(t, st.UsedBytes)
	require.Equal(t, uint64(1000000)-st.UsedBytes, st.FreeBytes)

	// Compaction rewrites the image in place.
	var prior []byte
	s.CompactGeneration(5, func(b []byte) ([]byte, error) {
		prior = b
		return make([]byte, len(b)), nil
	}, done)
	r = <-ch
	require.NoError(t, r.err)
	require.True(t, bytes.Equal(image, prior))
	out, _ = s.ReadGeneration(ctx, 5)
	require.True(t, bytes.Equal(make([]byte, len(image)), out))

	// Rewrite failures are passed through.
	s.CompactGeneration(5, func(b []byte) ([]byte, error) {
		return nil, errors.New("whoops")
	}, done)
	require.EqualError(t, errors.Cause((<-ch).err), pb.ErrDiskError.Error())

	s.DeleteGeneration(5, done)
	require.NoError(t, (<-ch).err)

	_, err = s.ReadGeneration(ctx, 5)
	require.True(t, errors.Cause(err) == pb.ErrNotFound)
	_, err = s.GenerationSize(5)
	require.True(t, errors.Cause(err) == pb.ErrNotFound)

	require.NoError(t, s.Close())
}

func TestStoreFileSystemReopen(t *testing.T) {
	var dir = t.TempDir()
	var s, err = New(mustParseURL("file://" + dir + "?codec=zstd"))
	require.NoError(t, err)

	var done, ch = collect()
	s.WriteGeneration(3, []byte("three"), done)
	require.NoError(t, (<-ch).err)
	require.NoError(t, s.Close())

	// A Store re-opened with another codec reads prior images.
	s, err = New(mustParseURL("file://" + dir + "?codec=none"))
	require.NoError(t, err)

	ids, err := s.ListGenerations(context.Background())
	require.NoError(t, err)
	require.Equal(t, []pb.GenID{3}, ids)

	out, err := s.ReadGeneration(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "three", string(out))

	// Re-writing under the new codec removes the prior image.
	s.WriteGeneration(3, []byte("three!"), done)
	require.Equal(t, "/gen.00003.img", (<-ch).info.Path)
	require.Len(t, s.existing(3), 1)
	require.NoError(t, s.Close())
}

func TestStoreWriteFailure(t *testing.T) {
	var s, err = NewWithFs(afero.NewReadOnlyFs(afero.NewMemMapFs()),
		StoreQueryArgs{Codec: "none", Retries: 2, Workers: 1})
	require.NoError(t, err)
	s.RetryBase = time.Millisecond

	var done, ch = collect()
	s.WriteGeneration(9, []byte("nine"), done)

	var r = <-ch
	require.Equal(t, pb.KindDisk, pb.KindOf(r.err))
	require.Equal(t, pb.GenID(9), r.id)
	require.Zero(t, s.Statistics().Generations)
}

func TestStoreArgs(t *testing.T) {
	var _, err = New(mustParseURL("mem:///?invalid=param"))
	require.Equal(t, pb.KindConfig, pb.KindOf(err))
	_, err = New(mustParseURL("mem:///?codec=lz4"))
	require.Error(t, err)
	_, err = New(mustParseURL("mem:///?workers=0"))
	require.Equal(t, pb.KindConfig, pb.KindOf(err))
	_, err = New(mustParseURL("s3://bucket/"))
	require.Equal(t, pb.KindConfig, pb.KindOf(err))

	var id, ok = parseFileName("gen.00042.img.sz")
	require.True(t, ok)
	require.Equal(t, pb.GenID(42), id)
	_, ok = parseFileName(".partial-gen.00042.img.sz123")
	require.False(t, ok)
	_, ok = parseFileName("gen.00001.img") // Management is never written.
	require.False(t, ok)
}

func mustParseURL(s string) *url.URL {
	var u, err = url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
