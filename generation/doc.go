// Package generation implements the layout, header and bookkeeping of store
// generations. The management generation holds owners, transactions and
// chains which must remain in memory, while rotating data generations hold
// records and reference chunks and are written to disk once closed.
//
// A data generation moves through States
//
//	FREE -> ACTIVE -> CLOSE_PENDING -> WRITE_PENDING -> WRITE_COMPLETED -> FREE
//
// with at most one ACTIVE data generation at a time. A Table maps the
// generations which are currently in memory, and a GenMap tracks the live
// granules of a generation once it's been written, for compaction.
package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsFormattedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_generations_formatted_total",
		Help: "Cumulative number of generation regions formatted.",
	})
	stateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_generation_transitions_total",
		Help: "Cumulative number of generation state transitions, by target state.",
	}, []string{"state"})
)
