package refchain

import (
	"github.com/pkg/errors"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// Layout of a reference chunk payload.
const (
	rcOwner        = 0
	rcBase         = 8
	rcOwnerVersion = 16
	rcCount        = 20

	// RefChunkHeaderSize precedes the entries of a reference chunk.
	RefChunkHeaderSize = 24
	// RefEntrySize is the encoded size of a reference chunk entry.
	RefEntrySize = 16
)

// Layout of a reference chunk entry.
const (
	eRefHandle = 0
	eValue     = 8
	eState     = 12
	eFlag      = 13
)

// Flags of reference chunk entries.
const (
	FlagEmpty    uint8 = 0
	FlagReserved uint8 = 1
	FlagValid    uint8 = 2
)

// Layout of a RefState chunk payload.
const (
	sRsrv         = 0
	sOwnerVersion = 4
	sOwner        = 8
	sBase         = 16
	sCount        = 24

	// RefStateChunkHeaderSize precedes the states of a RefState chunk.
	RefStateChunkHeaderSize = 32
)

// RefsPerChunk returns the number of reference entries which fit in a
// granule payload of |dataSize| bytes.
func RefsPerChunk(dataSize uint32) int {
	if dataSize < RefChunkHeaderSize {
		return 0
	}
	return int(dataSize-RefChunkHeaderSize) / RefEntrySize
}

// StatesPerChunk returns the number of reference states which fit in a
// granule payload of |dataSize| bytes.
func StatesPerChunk(dataSize uint32) int {
	if dataSize < RefStateChunkHeaderSize {
		return 0
	}
	return int(dataSize - RefStateChunkHeaderSize)
}

// chunk is a granule of a chain, and the lowest order ID it covers.
type chunk struct {
	off  uint64
	base uint64
}

// chain is an ordered list of chunk granules within a generation, which is
// mirrored in the Region by linking each granule to the next. Only the first
// granule is typed as primary.
type chain struct {
	gen    pb.GenID
	typ    granule.DataType
	chunks []chunk
}

func (ch *chain) handle(i int) pb.Handle { return pb.Handle{Gen: ch.gen, Offset: ch.chunks[i].off} }

// seek returns the index of the chunk having |base|, scanning from |from|,
// or the position at which it would be inserted.
func (ch *chain) seek(base uint64, from int) (int, bool) {
	if from >= len(ch.chunks) || (from != 0 && ch.chunks[from].base > base) {
		from = 0
	}
	var i = from
	for i != len(ch.chunks) && ch.chunks[i].base < base {
		i++
	}
	return i, i != len(ch.chunks) && ch.chunks[i].base == base
}

// insert links chunk |c| at position |i| of the chain within Region |r|.
// The granule of |c| must be fully initialized.
func (ch *chain) insert(r *granule.Region, i int, c chunk) {
	if i != len(ch.chunks) {
		r.SetNext(c.off, ch.handle(i))
	} else {
		r.SetNext(c.off, pb.NullHandle)
	}
	if i == 0 {
		r.SetDataType(c.off, ch.typ)
		if len(ch.chunks) != 0 {
			r.SetDataType(ch.chunks[0].off, ch.typ|granule.FlagNotPrimary)
		}
	} else {
		r.SetDataType(c.off, ch.typ|granule.FlagNotPrimary)
		r.SetNext(ch.chunks[i-1].off, pb.Handle{Gen: ch.gen, Offset: c.off})
	}
	ch.chunks = append(ch.chunks, chunk{})
	copy(ch.chunks[i+1:], ch.chunks[i:])
	ch.chunks[i] = c
}

// release removes chunks [i, i+n) from the chain. If the chain's generation
// is writable, the removed chunks are unlinked and released as a single
// sub-chain. Otherwise the Region is left untouched and each chunk is
// released individually.
func (ch *chain) release(gens Generations, i, n int) error {
	if n == 0 {
		return nil
	}
	var r, writable, err = gens.Region(ch.gen)
	if err != nil {
		return err
	}
	var removed = ch.chunks[i : i+n]

	if writable {
		var after = pb.NullHandle
		if i+n != len(ch.chunks) {
			after = ch.handle(i + n)
		}
		if i != 0 {
			r.SetNext(ch.chunks[i-1].off, after)
		} else if !after.IsNull() {
			r.SetDataType(after.Offset, ch.typ)
		}
		r.SetNext(removed[n-1].off, pb.NullHandle)
		err = gens.ReleaseChunk(ch.handle(i))
	} else {
		for k := range removed {
			if err = gens.ReleaseChunk(ch.handle(i + k)); err != nil {
				break
			}
		}
	}
	ch.chunks = append(ch.chunks[:i], ch.chunks[i+n:]...)
	return err
}

// releaseAll releases every chunk of the chain.
func (ch *chain) releaseAll(gens Generations) error {
	return ch.release(gens, 0, len(ch.chunks))
}

// checkChunk verifies that the granule at |off| of Region |r| is a chunk of
// type |typ|, returning its payload offset.
func checkChunk(r *granule.Region, off uint64, typ granule.DataType) (uint64, error) {
	if !r.Contains(off, granule.DescriptorSize) {
		return 0, errors.WithMessagef(pb.ErrStaleHandle, "chunk offset %#x is outside its generation", off)
	} else if dt := r.DataTypeAt(off); dt.Base() != typ {
		return 0, errors.WithMessagef(pb.ErrStaleHandle, "granule %#x is a %s (expected %s)", off, dt, typ)
	}
	return off + granule.DescriptorSize, nil
}
