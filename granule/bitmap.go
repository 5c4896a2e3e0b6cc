package granule

import "math/bits"

// Bitmap is a fixed-length set of granule indices.
type Bitmap struct {
	words []uint64
	n     uint32
}

// NewBitmap returns an empty Bitmap of |n| bits.
func NewBitmap(n uint32) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// Len is the number of bits of the Bitmap.
func (b *Bitmap) Len() uint32 { return b.n }

// Set sets bit |i|.
func (b *Bitmap) Set(i uint32) { b.words[i/64] |= 1 << (i % 64) }

// Test returns whether bit |i| is set.
func (b *Bitmap) Test(i uint32) bool { return i < b.n && b.words[i/64]&(1<<(i%64)) != 0 }

// Clear clears bit |i|, returning whether it was set.
func (b *Bitmap) Clear(i uint32) bool {
	if !b.Test(i) {
		return false
	}
	b.words[i/64] &^= 1 << (i % 64)
	return true
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	var c int
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return uint32(c)
}
