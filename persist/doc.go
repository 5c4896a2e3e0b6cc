// Package persist implements backends which durably record the committed
// transactions of a store, and replay them at start-up.
//
// Log is an append-only file of framed records. Each frame is
//
//	[magic u32][length u32][crc32c u32][snappy(body)]
//
// where the body holds the record's kind, stream, sequence and Operations.
// Writes are batched by a single goroutine which syncs the file once per
// batch before completing callbacks. A torn or corrupt frame ends a Replay,
// and the file is truncated to its last whole frame.
package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_persist_records_written_total",
		Help: "Cumulative number of records appended to the persistence log.",
	})
	bytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_persist_bytes_written_total",
		Help: "Cumulative number of bytes appended to the persistence log.",
	})
	syncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_persist_syncs_total",
		Help: "Cumulative number of persistence log syncs (write barriers).",
	})
	writeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_persist_write_failures_total",
		Help: "Cumulative number of failed persistence log writes.",
	})
	recordsReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_persist_records_replayed_total",
		Help: "Cumulative number of persistence log records replayed.",
	})
)
