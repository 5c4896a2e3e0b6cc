package txnlog

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/msgstore/granule"
	pb "go.gazette.dev/msgstore/protocol"
)

// State of a transaction Log.
type State uint8

const (
	StateActive      State = 0
	StateRollingBack State = 1
	StateCommitting  State = 2
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateRollingBack:
		return "ROLLING_BACK"
	case StateCommitting:
		return "COMMITTING"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ChunkHeaderSize is the size of the header of each transaction chunk,
// which precedes its Operations.
const ChunkHeaderSize = 16

const (
	cOperationCount = 0
	cGenID          = 4
	cState          = 6
)

// Log is the store-transaction log of a stream. It's a chain of fixed
// capacity chunks, each a granule of a management pool, which buffers the
// Operations of the current transaction until commit or rollback.
//
// The first chunk of the chain carries the transaction State and bound GenID,
// and is typed as a primary StoreTrans granule. Further chunks are NotPrimary,
// such that recovery can find the heads of every Log by scanning the pool.
// A Log is not safe for concurrent use.
type Log struct {
	pool     *granule.Pool
	chunks   []uint64 // Offsets of the chain's granules.
	reserved int      // Leading chunks retained across transactions.
	cur      int      // Index of the chunk receiving Operations.
	perChunk int
}

// OpsPerChunk returns the number of Operations which fit in a chunk of the Pool.
func OpsPerChunk(pool *granule.Pool) int {
	return int(pool.DataSize()-ChunkHeaderSize) / OperationSize
}

// Open allocates a new Log from the Pool, with reserved capacity for at
// least |rsrvOps| Operations.
func Open(pool *granule.Pool, rsrvOps int) (*Log, error) {
	var per = OpsPerChunk(pool)
	if per <= 0 {
		return nil, pb.Errorf(pb.KindConfig, "granule size %d cannot hold an operation", pool.GranuleSize())
	}
	var n = (rsrvOps + per - 1) / per
	if n < 1 {
		n = 1
	}
	var l = &Log{pool: pool, perChunk: per}

	for i := 0; i != n; i++ {
		if err := l.extend(); err != nil {
			l.freeFrom(0)
			return nil, err
		}
	}
	l.reserved = n
	return l, nil
}

// Attach to an existing Log headed by |head|, as during recovery. All of its
// chunks are considered reserved.
func Attach(pool *granule.Pool, head pb.Handle) (*Log, error) {
	var l = &Log{pool: pool, perChunk: OpsPerChunk(pool)}
	var r = pool.Region()

	for h := head; !h.IsNull(); h = r.NextAt(h.Offset) {
		if _, ok := pool.Index(h.Offset); !ok || h.Gen != pool.Gen() {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "transaction chain of %s links to %s", head, h)
		} else if dt := r.DataTypeAt(h.Offset); dt.Base() != granule.TypeStoreTrans {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "transaction chain of %s links to a %s", head, dt)
		} else if len(l.chunks) > int(pool.MaxCount()) {
			return nil, errors.WithMessagef(pb.ErrCorrupt, "transaction chain of %s is cyclic", head)
		}
		l.chunks = append(l.chunks, h.Offset)
	}
	if len(l.chunks) == 0 {
		return nil, errors.WithMessagef(pb.ErrArgNotValid, "transaction head %s", head)
	}
	l.reserved = len(l.chunks)

	// Resume appending at the first chunk which isn't full.
	for l.cur+1 < len(l.chunks) && l.count(l.cur) == l.perChunk {
		l.cur++
	}
	return l, nil
}

// Head returns the Handle of the Log's first chunk.
func (l *Log) Head() pb.Handle { return pb.Handle{Gen: l.pool.Gen(), Offset: l.chunks[0]} }

// Chunks returns the number of chunks of the Log.
func (l *Log) Chunks() int { return len(l.chunks) }

// State of the Log.
func (l *Log) State() State { return State(l.pool.Region().U8(l.payload(0) + cState)) }

// GenID to which the Log's transaction is bound.
func (l *Log) GenID() pb.GenID { return pb.GenID(l.pool.Region().U16(l.payload(0) + cGenID)) }

// SetGenID binds the Log's transaction to a generation.
func (l *Log) SetGenID(id pb.GenID) {
	var r = l.pool.Region()
	r.PutU16(l.payload(0)+cGenID, uint16(id))
	r.Persist(l.payload(0)+cGenID, 2)
}

// Len returns the number of Operations of the Log, including consumed ones.
func (l *Log) Len() int {
	var n int
	for i := range l.chunks {
		n += l.count(i)
	}
	return n
}

// Add appends |op| to the Log, extending it with a new chunk if required.
func (l *Log) Add(op Operation) error {
	if op.Type == OpNull {
		return errors.WithMessage(pb.ErrArgNotValid, "operation type is NULL")
	} else if err := l.EnsureAllocation(1); err != nil {
		return err
	}
	if l.count(l.cur) == l.perChunk {
		l.cur++
	}
	var r = l.pool.Region()
	var n = l.count(l.cur)

	writeOperation(r, l.opOffset(l.cur, n), op)
	// The Operation is durable before it's counted.
	r.PutU32(l.payload(l.cur)+cOperationCount, uint32(n+1))
	r.Persist(l.payload(l.cur)+cOperationCount, 4)

	operationsTotal.WithLabelValues(op.Type.String()).Inc()
	return nil
}

// EnsureAllocation extends the Log such that |n| further Operations may be
// added without allocation.
func (l *Log) EnsureAllocation(n int) error {
	var free = l.perChunk - l.count(l.cur)
	free += (len(l.chunks) - l.cur - 1) * l.perChunk

	for free < n {
		if err := l.extend(); err != nil {
			return err
		}
		free += l.perChunk
	}
	return nil
}

// Operations returns the un-consumed Operations of the Log, in order.
func (l *Log) Operations() []Operation {
	var out []Operation
	l.forEach(false, func(_ uint64, op Operation) error {
		out = append(out, op)
		return nil
	})
	return out
}

// Commit applies each Operation of the Log in order. Each Operation is
// marked consumed after it's applied, such that a Commit interrupted by a
// crash is resumed without re-applying consumed Operations. The Log is then
// reset for the next transaction.
func (l *Log) Commit(a Applier) error {
	if l.Len() == 0 {
		return nil
	}
	l.setState(StateCommitting)

	var err = l.forEach(false, func(off uint64, op Operation) error {
		if err := a.ApplyOperation(op); err != nil {
			log.WithFields(log.Fields{
				"head": l.Head(),
				"op":   op.Type,
				"item": op.Handle,
				"err":  err,
			}).Error("failed to apply store transaction operation")
			return err
		}
		l.consume(off)
		return nil
	})
	if err != nil {
		return err
	}
	commitsTotal.Inc()
	return l.Reset()
}

// Rollback undoes the Operations of the Log, newest first, and resets it.
func (l *Log) Rollback(a Applier) error {
	if l.Len() == 0 {
		return nil
	}
	l.setState(StateRollingBack)

	var err = l.forEach(true, func(off uint64, op Operation) error {
		if err := a.UndoOperation(op); err != nil {
			log.WithFields(log.Fields{
				"head": l.Head(),
				"op":   op.Type,
				"item": op.Handle,
				"err":  err,
			}).Error("failed to undo store transaction operation")
			return err
		}
		l.consume(off)
		return nil
	})
	if err != nil {
		return err
	}
	rollbacksTotal.Inc()
	return l.Reset()
}

// Recover resolves a Log found at restart: a COMMITTING Log is committed,
// and any other Log having Operations is rolled back. It returns the State
// from which the Log was recovered.
func (l *Log) Recover(a Applier) (State, error) {
	var state = l.State()
	var err error

	if state == StateCommitting {
		err = l.Commit(a)
	} else if l.Len() != 0 {
		state = StateRollingBack
		err = l.Rollback(a)
	} else {
		err = l.Reset()
	}
	if err == nil && l.Len() == 0 && state != StateActive {
		log.WithFields(log.Fields{"head": l.Head(), "state": state}).Info("recovered store transaction")
	}
	return state, err
}

// Reset clears the Log for a new transaction, and frees chunks beyond
// those which are reserved.
func (l *Log) Reset() error {
	var r = l.pool.Region()
	for i := range l.chunks {
		r.PutU32(l.payload(i)+cOperationCount, 0)
		r.Persist(l.payload(i)+cOperationCount, 4)
	}
	r.PutU16(l.payload(0)+cGenID, 0)
	r.Persist(l.payload(0)+cGenID, 2)
	l.setState(StateActive)
	l.cur = 0

	if len(l.chunks) > l.reserved {
		return l.freeFrom(l.reserved)
	}
	return nil
}

// Release frees every chunk of the Log. The Log may not be used again.
func (l *Log) Release() error { return l.freeFrom(0) }

func (l *Log) extend() error {
	var h, err = l.pool.Allocate(granule.TypeStoreTrans, l.pool.DataSize())
	if err != nil {
		return errors.WithMessage(err, "allocating store transaction chunk")
	}
	var r = l.pool.Region()
	r.Zero(h.Offset+granule.DescriptorSize, ChunkHeaderSize)
	r.Persist(h.Offset+granule.DescriptorSize, ChunkHeaderSize)

	if len(l.chunks) != 0 {
		r.SetDataType(h.Offset, granule.TypeStoreTrans|granule.FlagNotPrimary)
		r.SetNext(l.chunks[len(l.chunks)-1], h)
	}
	l.chunks = append(l.chunks, h.Offset)
	return nil
}

// freeFrom unlinks and frees chunks from index |i| onwards.
func (l *Log) freeFrom(i int) error {
	if i >= len(l.chunks) {
		return nil
	}
	var r = l.pool.Region()
	if i != 0 {
		r.SetNext(l.chunks[i-1], pb.NullHandle)
	}
	var head = pb.Handle{Gen: l.pool.Gen(), Offset: l.chunks[i]}
	l.chunks = l.chunks[:i]
	return l.pool.Free(head)
}

func (l *Log) forEach(reverse bool, fn func(off uint64, op Operation) error) error {
	var r = l.pool.Region()

	for c := range l.chunks {
		if reverse {
			c = len(l.chunks) - 1 - c
		}
		var n = l.count(c)

		for k := 0; k != n; k++ {
			var i = k
			if reverse {
				i = n - 1 - k
			}
			var off = l.opOffset(c, i)
			var op = readOperation(r, off)

			if op.Type == OpNull {
				continue
			} else if err := fn(off, op); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Log) consume(off uint64) {
	var r = l.pool.Region()
	r.PutU32(off+oType, uint32(OpNull))
	r.Persist(off+oType, 4)
}

func (l *Log) setState(s State) {
	var r = l.pool.Region()
	r.PutU8(l.payload(0)+cState, uint8(s))
	r.Persist(l.payload(0)+cState, 1)
}

func (l *Log) count(chunk int) int {
	return int(l.pool.Region().U32(l.payload(chunk) + cOperationCount))
}

func (l *Log) payload(chunk int) uint64 { return l.chunks[chunk] + granule.DescriptorSize }

func (l *Log) opOffset(chunk, i int) uint64 {
	return l.payload(chunk) + ChunkHeaderSize + uint64(i)*OperationSize
}
