package persist

import (
	"go.gazette.dev/msgstore/txnlog"
)

// Backend durably records committed store transactions, so that they may be
// replayed into a store whose memory didn't survive a restart.
type Backend interface {
	// WriteST appends the committed Operations |ops| of |stream|, having
	// persistence sequence |seq|. |done| is invoked once the write is durable
	// or has failed. WriteST must not block on I/O.
	WriteST(stream uint32, seq uint64, ops []txnlog.Operation, done func(error))
	// CompleteST marks that |stream| was closed, and will write no further
	// transactions.
	CompleteST(stream uint32)
	// Replay invokes |fn| with each Record having a sequence greater than
	// |from|, in sequence order.
	Replay(from uint64, fn func(Record) error) error
	// Close the Backend, after completing pending writes.
	Close() error
}

// Record of the persistence log.
type Record struct {
	Stream uint32
	Seq    uint64
	Ops    []txnlog.Operation
	// Complete is set for records written by CompleteST, which have no Ops.
	Complete bool
}

// Nop is a Backend which persists nothing.
type Nop struct{}

// WriteST immediately completes |done|.
func (Nop) WriteST(_ uint32, _ uint64, _ []txnlog.Operation, done func(error)) {
	if done != nil {
		done(nil)
	}
}

// CompleteST is a no-op.
func (Nop) CompleteST(uint32) {}

// Replay returns immediately.
func (Nop) Replay(uint64, func(Record) error) error { return nil }

// Close is a no-op.
func (Nop) Close() error { return nil }
