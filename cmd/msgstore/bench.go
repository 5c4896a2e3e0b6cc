package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/msgstore/mainboilerplate"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/store"
	"golang.org/x/sync/errgroup"
)

type cmdBench struct {
	Queues      int            `long:"queues" default:"4" description:"Number of queues, each with a producing and consuming stream"`
	Messages    int            `long:"messages" default:"10000" description:"Messages produced to each queue"`
	MessageSize store.ByteSize `long:"message-size" default:"512B" description:"Size of each message"`
	TxnSize     int            `long:"txn-size" default:"16" description:"Messages per committed transaction"`
	Format      string         `long:"format" default:"table" choice:"table" choice:"yaml" description:"Output format of final statistics"`
}

func init() {
	commands.AddCommand("", "bench", "Benchmark a store", `
Benchmark a store with concurrent queues.

Each queue is an owner record with a reference context. A producer stream
creates messages and references to them in batched transactions, and a
consumer stream deletes consumed messages and references and prunes the
context, as would a broker queue. Throughput and final store statistics
are printed on completion.
`, &cmdBench{})
}

func (cmd *cmdBench) Execute([]string) error {
	mbp.InitLog(Config.Log)

	if cmd.Queues < 1 || cmd.Messages < 1 || cmd.TxnSize < 1 || cmd.MessageSize < 1 {
		return errors.New("bench arguments must be positive")
	}
	var e, err = startEngine(context.Background())
	if err != nil {
		return err
	}
	defer e.Term()

	var started = time.Now()
	var grp, ctx = errgroup.WithContext(context.Background())

	for i := 0; i != cmd.Queues; i++ {
		var q = benchQueue{
			cmd:   cmd,
			e:     e,
			name:  petname.Generate(2, "-"),
			ready: make(chan uint64, cmd.Messages/cmd.TxnSize+1),
		}
		if err = q.create(ctx); err != nil {
			return errors.WithMessagef(err, "creating queue %s", q.name)
		}
		grp.Go(func() error { return q.produce(ctx) })
		grp.Go(func() error { return q.consume(ctx) })
	}
	if err = grp.Wait(); err != nil {
		return err
	}

	var elapsed = time.Since(started)
	var total = uint64(cmd.Queues) * uint64(cmd.Messages)

	fmt.Printf("produced and consumed %s messages (%s) in %s: %s msgs/sec\n",
		humanize.Comma(int64(total)),
		humanize.IBytes(total*uint64(cmd.MessageSize)),
		elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(float64(total)/elapsed.Seconds(), 1),
	)
	return cmd.output(os.Stdout, newReport(e))
}

func (cmd *cmdBench) output(w io.Writer, r report) error {
	if cmd.Format == "yaml" {
		return r.writeYAML(w)
	}
	r.writeTable(w)
	return nil
}

// benchQueue is a queue owner having a producer and a consumer.
type benchQueue struct {
	cmd   *cmdBench
	e     *store.Engine
	name  string
	owner pb.Handle
	// ready receives the order ID through which each producer transaction
	// committed.
	ready chan uint64
}

func (q *benchQueue) create(ctx context.Context) error {
	var st, err = q.e.OpenStream()
	if err != nil {
		return err
	}
	defer q.e.CloseStream(st)

	if q.owner, err = st.CreateRecord(pb.Record{
		Type:  pb.RecordQueue,
		Frags: [][]byte{[]byte(q.name)},
	}); err != nil {
		return err
	}
	return st.Commit(ctx)
}

func (q *benchQueue) produce(ctx context.Context) error {
	defer close(q.ready)

	var st, err = q.e.OpenStream()
	if err != nil {
		return err
	}
	defer q.e.CloseStream(st)

	rc, err := q.e.OpenReferenceContext(q.owner)
	if err != nil {
		return err
	}
	defer q.e.CloseReferenceContext(rc)

	var payload = make([]byte, q.cmd.MessageSize)
	for oid := uint64(1); oid <= uint64(q.cmd.Messages); oid++ {
		payload[0] = byte(oid)

		var h, err = st.CreateRecord(pb.Record{Type: pb.RecordMsg, Frags: [][]byte{payload}, Attribute: oid})
		if err != nil {
			return errors.WithMessagef(err, "queue %s: creating message %d", q.name, oid)
		}
		if _, err = st.CreateReference(rc, pb.Reference{OrderID: oid, RefHandle: h, Value: uint32(len(payload))}, 0); err != nil {
			return errors.WithMessagef(err, "queue %s: creating reference %d", q.name, oid)
		}
		if oid%uint64(q.cmd.TxnSize) != 0 && oid != uint64(q.cmd.Messages) {
			continue
		}
		if err = st.Commit(ctx); err != nil {
			return errors.WithMessagef(err, "queue %s: committing through %d", q.name, oid)
		}
		select {
		case q.ready <- oid:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.WithFields(log.Fields{"queue": q.name, "messages": q.cmd.Messages}).Debug("produced queue")
	return nil
}

func (q *benchQueue) consume(ctx context.Context) error {
	var st, err = q.e.OpenStream()
	if err != nil {
		return err
	}
	defer q.e.CloseStream(st)

	rc, err := q.e.OpenReferenceContext(q.owner)
	if err != nil {
		return err
	}
	defer q.e.CloseReferenceContext(rc)

	var consumed uint64
	for through := range q.ready {
		for consumed < through {
			var ref, err = q.e.NextReference(rc, consumed)
			if err != nil {
				return errors.WithMessagef(err, "queue %s: reading after %d", q.name, consumed)
			}
			if err = st.DeleteRecord(ref.RefHandle); err != nil {
				return errors.WithMessagef(err, "queue %s: deleting message %d", q.name, ref.OrderID)
			}
			if err = st.DeleteReference(rc, ref.OrderID); err != nil {
				return errors.WithMessagef(err, "queue %s: deleting reference %d", q.name, ref.OrderID)
			}
			consumed = ref.OrderID
		}
		if err = st.Commit(ctx); err != nil {
			return errors.WithMessagef(err, "queue %s: committing consumption through %d", q.name, consumed)
		}
		if err = q.e.PruneReferences(rc, consumed+1); err != nil {
			return errors.WithMessagef(err, "queue %s: pruning through %d", q.name, consumed)
		}
	}
	log.WithFields(log.Fields{"queue": q.name, "consumed": consumed}).Debug("consumed queue")
	return nil
}
