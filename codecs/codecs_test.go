package codecs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSparseImagesCompress(t *testing.T) {
	// Compacted images are mostly zeroed granule payloads.
	var image = make([]byte, 1<<16)
	copy(image[4096:], "live granule")

	for _, codec := range []Codec{Gzip, Snappy, Zstandard} {
		var enc, err = Encode(image, codec)
		require.NoError(t, err)
		require.Less(t, len(enc), len(image)/8, string(codec))

		dec, err := Decode(enc, codec)
		require.NoError(t, err)
		require.True(t, bytes.Equal(image, dec))
	}
	var enc, err = Encode(image, None)
	require.NoError(t, err)
	require.Len(t, enc, len(image))
}

func TestUnknownCodec(t *testing.T) {
	require.Error(t, Codec("lz4").Validate())
	require.NoError(t, Zstandard.Validate())

	var _, err = Encode([]byte("x"), "lz4")
	require.EqualError(t, err, `unsupported codec "lz4"`)
	require.Equal(t, ".zst", Zstandard.Extension())
}
