// Package states implements the state contexts of owners. A state is a small
// durable value (a uint32) which an owner creates and deletes
// transactionally. The states of an owner are held in a linked chain of
// state chunks within the management generation, each having a fixed number
// of entries. Entries are reserved when a state is created, and become
// visible when its transaction commits. Chunks other than the head are freed
// once they hold no states.
package states

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksAllocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_state_chunks_allocated_total",
		Help: "Cumulative number of state chunks allocated.",
	})
	chunksFreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_state_chunks_freed_total",
		Help: "Cumulative number of state chunks freed.",
	})
)
