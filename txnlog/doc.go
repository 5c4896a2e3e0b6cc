// Package txnlog implements the store-transaction log: a per-stream chain of
// granule chunks which buffers typed Operations until the transaction
// commits or rolls back.
//
// Operations which allocate (eg, creating a record, or reserving a reference
// slot) make their reservation as the Operation is logged. Commit then applies
// each Operation's forward effect in order, and Rollback releases each
// reservation in reverse order. Every applied or undone Operation is marked
// consumed before the next is processed, and the transaction State is
// persisted within the log, so that a crash at any point is resolved on
// restart by Recover: a COMMITTING log resumes its commit, and any other log
// having Operations is rolled back.
package txnlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_transaction_operations_total",
		Help: "Cumulative number of logged store transaction operations, by type.",
	}, []string{"type"})
	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_transaction_commits_total",
		Help: "Cumulative number of committed store transactions.",
	})
	rollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_transaction_rollbacks_total",
		Help: "Cumulative number of rolled back store transactions.",
	})
)
