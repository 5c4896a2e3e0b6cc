// Package granule implements the fixed-size granule pools from which every
// store item is allocated. A generation is a flat Region of memory holding a
// header and two granule pools (small and large). Every granule begins with a
// Descriptor, followed by its typed payload. Items larger than a single
// granule are represented as a chain of granules linked through their
// Descriptor's NextHandle.
//
// Pools thread their free granules into a singly-linked free list whose
// head, tail and count are persisted within the Region, such that a Region
// which survives a restart can be re-attached without a rebuild. Frees are
// appended to the tail of the list, or to a "cool" side list while the pool is
// cooling (eg, while persistence is draining and the canonical list must not
// be touched).
package granule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	granulesAllocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_granules_allocated_total",
		Help: "Cumulative number of granules allocated from all pools.",
	})
	granulesFreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_granules_freed_total",
		Help: "Cumulative number of granules returned to all pools.",
	})
	allocationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_allocation_failures_total",
		Help: "Cumulative number of allocations which failed due to an exhausted pool.",
	})
	coolSpinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_cool_spins_total",
		Help: "Cumulative number of allocation retries spent waiting on a cool list.",
	})
	persistBarrierBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_persist_barrier_bytes_total",
		Help: "Cumulative number of bytes flushed by flushing persist barriers.",
	})
)
