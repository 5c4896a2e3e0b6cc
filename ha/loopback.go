package ha

import (
	"context"
	"sync"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

// Loopback is a Backend which records the messages and transactions it's
// sent, in place of a standby. It's used for tests and single-node
// deployments which want to observe replication traffic. Sends may be made
// to fail.
type Loopback struct {
	// Node is the name of the (loopback) standby node.
	Node string
	// Session uniquely identifies this replication session.
	Session uuid.UUID

	mu       sync.Mutex
	msgs     []GenMsg
	sts      map[uint32][]ST
	channels map[uint32]bool
	syncing  map[pb.GenID]bool
	pct      int
	fail     error
	closed   bool
}

// ST is a transaction received by a Loopback.
type ST struct {
	Seq uint64
	Ops []txnlog.Operation
}

// NewLoopback returns a Loopback. An empty |node| is replaced by a
// generated name.
func NewLoopback(node string) *Loopback {
	if node == "" {
		node = petname.Generate(2, "-")
	}
	var l = &Loopback{
		Node:     node,
		Session:  uuid.New(),
		sts:      make(map[uint32][]ST),
		channels: make(map[uint32]bool),
		syncing:  make(map[pb.GenID]bool),
		pct:      100,
	}
	log.WithFields(log.Fields{"node": l.Node, "session": l.Session}).Info("started loopback HA standby")
	return l
}

// SendGenMsg records |msg|.
func (l *Loopback) SendGenMsg(ctx context.Context, msg GenMsg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(); err != nil {
		sendFailuresTotal.Inc()
		return err
	}
	l.msgs = append(l.msgs, msg)
	messagesSentTotal.WithLabelValues(msg.Type.String()).Inc()
	return nil
}

// OpenChannel opens the Channel of |stream|.
func (l *Loopback) OpenChannel(stream uint32) (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(); err != nil {
		return nil, err
	} else if l.channels[stream] {
		return nil, errors.WithMessagef(pb.ErrHAError, "channel of stream %d is already open", stream)
	}
	l.channels[stream] = true
	return &loopbackChannel{l: l, stream: stream}, nil
}

// Syncing returns whether |id| was marked as syncing by SetSyncing.
func (l *Loopback) Syncing(id pb.GenID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncing[id]
}

// SyncCompletionPct returns the percentage set by SetSyncCompletionPct.
func (l *Loopback) SyncCompletionPct() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pct
}

// Close the Loopback. Further sends fail.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// SetSyncing marks whether generation |id| is being synchronized.
func (l *Loopback) SetSyncing(id pb.GenID, syncing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if syncing {
		l.syncing[id] = true
	} else {
		delete(l.syncing, id)
	}
}

// SetSyncCompletionPct sets the reported synchronization completion.
func (l *Loopback) SetSyncCompletionPct(pct int) {
	l.mu.Lock()
	l.pct = pct
	l.mu.Unlock()
}

// Fail causes subsequent sends to return |err|, or to succeed if nil.
func (l *Loopback) Fail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

// Messages returns the generation messages received.
func (l *Loopback) Messages() []GenMsg {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]GenMsg(nil), l.msgs...)
}

// Transactions returns the transactions received over the Channel of |stream|.
func (l *Loopback) Transactions(stream uint32) []ST {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ST(nil), l.sts[stream]...)
}

func (l *Loopback) checkLocked() error {
	if l.closed {
		return errors.WithMessage(pb.ErrHAError, "loopback is closed")
	} else if l.fail != nil {
		return errors.WithMessage(pb.ErrHAError, l.fail.Error())
	}
	return nil
}

type loopbackChannel struct {
	l      *Loopback
	stream uint32
}

func (c *loopbackChannel) SendST(seq uint64, ops []txnlog.Operation) error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()

	if err := c.l.checkLocked(); err != nil {
		sendFailuresTotal.Inc()
		return err
	} else if !c.l.channels[c.stream] {
		return errors.WithMessagef(pb.ErrHAError, "channel of stream %d is closed", c.stream)
	}
	c.l.sts[c.stream] = append(c.l.sts[c.stream], ST{Seq: seq, Ops: append([]txnlog.Operation(nil), ops...)})
	transactionsSentTotal.Inc()
	return nil
}

func (c *loopbackChannel) Close() error {
	c.l.mu.Lock()
	delete(c.l.channels, c.stream)
	c.l.mu.Unlock()
	return nil
}
