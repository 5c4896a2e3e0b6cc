// Package store implements the generational memory store engine of a
// message broker.
//
// An Engine manages a management generation, holding owner records, stream
// transaction logs and RefState chunks, and a rotating set of in-memory data
// generations holding messages and the reference chunks of owners. Exactly
// one data generation is ACTIVE at a time. When one of its pools crosses its
// low-water mark the generation is closed, a standby generation is
// activated, and the closed generation is written to the disk Backend once
// no Stream remains bound to it. Written generations may later be compacted
// or deleted as their granules are released.
//
// Clients mutate the store through Streams. Each Stream buffers the
// Operations of its current store transaction in a txnlog.Log, which is
// atomically committed or rolled back. Commits are appended to a persist
// Backend and forwarded to an HA Backend.
//
// Background work (generation lifecycle, disk usage and compaction, alert
// events, HA view changes) runs on a single jobs.Queue goroutine.
package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgstore_engine_status",
		Help: "Current status of the store engine (1 for the current status, else 0).",
	}, []string{"status"})
	streamsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgstore_streams",
		Help: "Number of open store streams.",
	})
	activeGenGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgstore_active_generation",
		Help: "ID of the ACTIVE data generation.",
	})
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_transactions_total",
		Help: "Cumulative number of store transactions, by outcome.",
	}, []string{"outcome"})
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_records_created_total",
		Help: "Cumulative number of records created, by record type.",
	}, []string{"type"})
	generationRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_generation_rotations_total",
		Help: "Cumulative number of ACTIVE data generation rotations.",
	})
	diskWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_generation_writes_total",
		Help: "Cumulative number of generation image writes, by outcome.",
	}, []string{"outcome"})
	imageCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_image_cache_lookups_total",
		Help: "Cumulative number of disk image cache lookups, by result.",
	}, []string{"result"})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_events_total",
		Help: "Cumulative number of events delivered to the registered callback.",
	}, []string{"event"})
	replayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_replayed_transactions_total",
		Help: "Cumulative number of persisted transactions replayed at start-up.",
	})
)
