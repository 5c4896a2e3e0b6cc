// Package refchain implements the per-owner chains of ordered message
// references.
//
// An owner's references are identified by a strictly increasing order ID.
// They're stored in fixed-capacity reference chunks, each covering a span of
// order IDs aligned to the chunk capacity. The chunks of an owner which live
// within one generation form a RefGen, and a Context orders the RefGens of
// its owner from oldest to newest generation:
//
//	Context(owner) -> RefGen(gen 4) -> RefGen(gen 5) -> RefGen(gen 7)
//	                    |               |                |
//	                  [0,250)         [250,500)        [500,750) [750,1000)
//
// Within a generation, the chunks of a RefGen are linked in order of their
// base order ID, and only the first chunk is typed as primary. This lets
// recovery distinguish list heads from interior links.
//
// Once a generation is no longer writable its reference entries are frozen.
// Later updates and deletions are recorded instead in a chain of RefState
// chunks within the management generation, holding one state byte per order
// ID: NOT_VALID (unchanged), DELETED, or the updated state.
//
// References below the owner's minimum active order ID are pruned: chunks
// holding only such order IDs are released, emptied RefGens are dropped, and
// RefState chunks with no updated states are trimmed. Lookups of order IDs
// below the minimum fail with ErrOrderIDPruned.
//
// Chunk searches may be accelerated by a per-RefGen recency cache and by a
// "fingers" skip-index. Both are advisory: with each disabled, searches fall
// back to a linear scan and return identical results.
package refchain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksAllocatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_reference_chunks_allocated_total",
		Help: "Cumulative number of reference chunks allocated, by chain position.",
	}, []string{"position"})
	refStateChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_refstate_chunks_allocated_total",
		Help: "Cumulative number of RefState chunks allocated.",
	})
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_reference_chunk_searches_total",
		Help: "Cumulative number of reference chunk searches, by method.",
	}, []string{"method"})
	fingerRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_reference_finger_rebuilds_total",
		Help: "Cumulative number of RefGen fingers index rebuilds.",
	})
	prunedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_reference_chunks_pruned_total",
		Help: "Cumulative number of reference and RefState chunks released by pruning.",
	})
	trimmedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_refstate_chunks_trimmed_total",
		Help: "Cumulative number of RefState chunks trimmed having no updated states.",
	})
	contextsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgstore_reference_contexts",
		Help: "Number of reference contexts.",
	})
)
