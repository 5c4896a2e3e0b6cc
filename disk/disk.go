package disk

import (
	"context"
	"time"

	pb "go.gazette.dev/msgstore/protocol"
)

// Info describes a generation image held by a Backend.
type Info struct {
	Size    uint64
	Path    string
	ModTime time.Time
}

// Stats describes the disk usage of a Backend.
type Stats struct {
	Generations int
	UsedBytes   uint64
	FreeBytes   uint64
	// Percentage of configured capacity which is used, or zero if the
	// capacity is not known.
	UsagePct int
}

// Callback is invoked on completion of an asynchronous Backend operation,
// from a goroutine of the Backend.
type Callback func(id pb.GenID, info Info, err error)

// Backend durably stores images of data generations. Mutating operations are
// asynchronous: they return immediately and invoke their Callback on
// completion. The engine never blocks on them.
type Backend interface {
	// WriteGeneration stores |image| as the generation |id|, replacing any
	// prior image of |id|. The Backend takes ownership of |image|.
	WriteGeneration(id pb.GenID, image []byte, done Callback)
	// ReadGeneration returns the image of generation |id|.
	ReadGeneration(ctx context.Context, id pb.GenID) ([]byte, error)
	// DeleteGeneration removes the image of generation |id|.
	DeleteGeneration(id pb.GenID, done Callback)
	// CompactGeneration reads the image of |id|, passes it through |rewrite|,
	// and replaces it with the result.
	CompactGeneration(id pb.GenID, rewrite func([]byte) ([]byte, error), done Callback)
	// GenerationSize returns the stored size of generation |id|.
	GenerationSize(id pb.GenID) (uint64, error)
	// ListGenerations returns the IDs of stored generations.
	ListGenerations(ctx context.Context) ([]pb.GenID, error)
	// Statistics returns current disk usage.
	Statistics() Stats
	// Close waits for outstanding operations, and releases the Backend.
	Close() error
}
