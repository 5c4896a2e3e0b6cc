// Package disk stores images of data generations which have been closed and
// written out of memory. A Store keeps one file per generation, named for its
// ID and compressed with a configured codecs.Codec, on an afero.Fs: either the
// local filesystem (file://) or process memory (mem://). Writes, compactions
// and deletions are asynchronous and complete through a Callback.
package disk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_disk_written_bytes_total",
		Help: "Cumulative number of compressed generation image bytes written.",
	})
	bytesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_disk_read_bytes_total",
		Help: "Cumulative number of compressed generation image bytes read.",
	})
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_disk_ops_total",
		Help: "Cumulative number of disk operations, by operation and status.",
	}, []string{"op", "status"})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_disk_retries_total",
		Help: "Cumulative number of retried disk puts and removes.",
	})
)
