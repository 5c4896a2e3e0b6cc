package jobs

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/msgstore/protocol"
)

// Type of a Job.
type Type int

const (
	CreateGeneration Type = iota + 1
	ActivateGeneration
	WriteGeneration
	DeleteGeneration
	CompactGeneration
	CheckDiskUsage
	InitRsrvPool
	UserEvent
	IncRefGenPool
	DecRefGenPool
	HASendMinActiveOid
	HAViewChanged
	HAStandbyJoined
	HAStandbyLeft
	HAStandby2Primary
)

func (t Type) String() string {
	switch t {
	case CreateGeneration:
		return "CREATE_GENERATION"
	case ActivateGeneration:
		return "ACTIVATE_GENERATION"
	case WriteGeneration:
		return "WRITE_GENERATION"
	case DeleteGeneration:
		return "DELETE_GENERATION"
	case CompactGeneration:
		return "COMPACT_GENERATION"
	case CheckDiskUsage:
		return "CHECK_DISK_USAGE"
	case InitRsrvPool:
		return "INIT_RSRV_POOL"
	case UserEvent:
		return "USER_EVENT"
	case IncRefGenPool:
		return "INC_REFGEN_POOL"
	case DecRefGenPool:
		return "DEC_REFGEN_POOL"
	case HASendMinActiveOid:
		return "HA_SEND_MIN_ACTIVE_OID"
	case HAViewChanged:
		return "HA_VIEW_CHANGED"
	case HAStandbyJoined:
		return "HA_STANDBY_JOINED"
	case HAStandbyLeft:
		return "HA_STANDBY_LEFT"
	case HAStandby2Primary:
		return "HA_STANDBY_TO_PRIMARY"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Job is a unit of background work.
type Job struct {
	Type  Type
	GenID pb.GenID
	// Event delivered by a UserEvent Job.
	Event pb.EventType
	// Handle is an item of the Job Type, such as an owner.
	Handle pb.Handle
	// Arg is an argument of the Job Type, such as a minimum active order ID.
	Arg uint64
}

// Handler runs Jobs and periodic maintenance. It's only ever invoked from
// the Queue's Serve goroutine.
type Handler interface {
	HandleJob(Job) error
	Maintain()
}

// Queue of Jobs which are run in order by a single goroutine. Submit never
// blocks: Jobs which don't fit in the Queue's channel are held in an
// overflow list, so that Jobs may be submitted while holding locks which
// the Handler also requires.
type Queue struct {
	handler  Handler
	ch       chan Job
	doneCh   chan struct{}
	interval time.Duration

	mu       sync.Mutex
	overflow []Job
	finished bool
}

// NewQueue returns a Queue which buffers |size| Jobs, and invokes
// Handler.Maintain every |interval| while otherwise idle.
func NewQueue(h Handler, size int, interval time.Duration) *Queue {
	return &Queue{
		handler:  h,
		ch:       make(chan Job, size),
		doneCh:   make(chan struct{}),
		interval: interval,
	}
}

// Submit a Job. Jobs submitted after Finish are dropped.
func (q *Queue) Submit(j Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finished {
		log.WithField("job", j.Type).Warn("dropping job submitted after finish")
		return
	}
	if len(q.overflow) == 0 {
		select {
		case q.ch <- j:
			queuedGauge.Inc()
			return
		default:
		}
	}
	q.overflow = append(q.overflow, j)
	overflowTotal.Inc()
	queuedGauge.Inc()
}

// Pending returns the number of submitted Jobs which haven't been run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.overflow)
}

// Finish signals the Queue to run all submitted Jobs and exit, and blocks
// until it has.
func (q *Queue) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()

	q.doneCh <- struct{}{}
	<-q.doneCh
}

// Serve runs Jobs until Finish is called.
func (q *Queue) Serve() {
	var ticker = time.NewTicker(q.interval)
	defer ticker.Stop()

	for exiting := false; ; {
		if !exiting {
			select {
			case j := <-q.ch:
				q.run(j)
			case <-ticker.C:
				q.handler.Maintain()
				maintenanceTotal.Inc()
			case <-q.doneCh:
				exiting = true
			}
		}
		q.refill()

		if exiting {
			if !q.drain() {
				break
			}
		}
	}
	close(q.doneCh)
}

// refill moves overflowed Jobs into the channel, in order, as space allows.
func (q *Queue) refill() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var i int
	for ; i != len(q.overflow); i++ {
		select {
		case q.ch <- q.overflow[i]:
			continue
		default:
		}
		break
	}
	q.overflow = append(q.overflow[:0], q.overflow[i:]...)
}

// drain runs a buffered Job, returning false if none remain.
func (q *Queue) drain() bool {
	select {
	case j := <-q.ch:
		q.run(j)
		return true
	default:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.overflow) != 0
}

func (q *Queue) run(j Job) {
	queuedGauge.Dec()

	var start = time.Now()
	var err = q.handler.HandleJob(j)
	jobDurationSeconds.WithLabelValues(j.Type.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		jobsTotal.WithLabelValues(j.Type.String(), "failed").Inc()
		log.WithFields(log.Fields{
			"job": j.Type,
			"gen": j.GenID,
			"arg": j.Arg,
			"err": err,
		}).Warn("background job failed")
	} else {
		jobsTotal.WithLabelValues(j.Type.String(), "ok").Inc()
	}
}
