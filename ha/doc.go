// Package ha defines the replication backend of a store, through which a
// primary informs a standby of generation changes and sends it the
// transactions of each stream. Replication never blocks the primary: when a
// send fails, the store continues as a local-only primary.
package ha

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_ha_messages_sent_total",
		Help: "Cumulative number of generation messages sent to the standby, by type.",
	}, []string{"type"})
	transactionsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_ha_transactions_sent_total",
		Help: "Cumulative number of transactions sent to the standby.",
	})
	sendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_ha_send_failures_total",
		Help: "Cumulative number of failed sends to the standby.",
	})
)
