package ha

import (
	"context"
	"fmt"

	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

// MsgType is the type of a generation message.
type MsgType int

const (
	MsgGenCreated MsgType = iota + 1
	MsgGenActivated
	MsgGenClosed
	MsgGenWritten
	MsgGenDeleted
	MsgMinActiveOid
)

func (t MsgType) String() string {
	switch t {
	case MsgGenCreated:
		return "GEN_CREATED"
	case MsgGenActivated:
		return "GEN_ACTIVATED"
	case MsgGenClosed:
		return "GEN_CLOSED"
	case MsgGenWritten:
		return "GEN_WRITTEN"
	case MsgGenDeleted:
		return "GEN_DELETED"
	case MsgMinActiveOid:
		return "MIN_ACTIVE_OID"
	default:
		return fmt.Sprintf("MsgType(%d)", int(t))
	}
}

// GenMsg informs the standby of a change to a generation, or of an owner's
// minimum active order ID.
type GenMsg struct {
	Type  MsgType
	GenID pb.GenID
	Owner pb.Handle
	Arg   uint64
}

// Backend replicates a store to a standby. Implementations must not block
// the primary on a slow or failed standby: a failed send is returned, and
// the store continues without replication.
type Backend interface {
	// SendGenMsg sends a generation message.
	SendGenMsg(ctx context.Context, msg GenMsg) error
	// OpenChannel opens a Channel over which transactions of |stream| are sent.
	OpenChannel(stream uint32) (Channel, error)
	// Syncing returns whether generation |id| is being synchronized to a
	// joining standby, in which case it may not yet be deleted.
	Syncing(id pb.GenID) bool
	// SyncCompletionPct is the percentage completion of standby
	// synchronization, or 100 if there is no synchronization underway.
	SyncCompletionPct() int
	// Close the Backend.
	Close() error
}

// Channel sends the transactions of a stream.
type Channel interface {
	// SendST sends the committed Operations of a transaction.
	SendST(seq uint64, ops []txnlog.Operation) error
	// Close the Channel.
	Close() error
}

// Nop is a Backend having no standby.
type Nop struct{}

func (Nop) SendGenMsg(context.Context, GenMsg) error { return nil }
func (Nop) OpenChannel(uint32) (Channel, error) { return nopChannel{}, nil }
func (Nop) Syncing(pb.GenID) bool { return false }
func (Nop) SyncCompletionPct() int { return 100 }
func (Nop) Close() error { return nil }

type nopChannel struct{}

func (nopChannel) SendST(uint64, []txnlog.Operation) error { return nil }
func (nopChannel) Close() error { return nil }
