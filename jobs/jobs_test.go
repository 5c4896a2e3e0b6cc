package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/msgstore/protocol"
)

func TestJobsRunInSubmissionOrder(t *testing.T) {
	var h = &recordingHandler{block: make(chan struct{})}
	var q = NewQueue(h, 4, time.Hour)
	go q.Serve()

	// The first Job blocks the Handler, so that later Jobs overflow.
	q.Submit(Job{Type: CreateGeneration, GenID: 2})
	for i := 1; i != 100; i++ {
		q.Submit(Job{Type: WriteGeneration, GenID: pb.GenID(i + 2)})
	}
	require.True(t, q.Pending() >= 95)
	close(h.block)
	q.Finish()

	require.Len(t, h.jobs, 100)
	require.Equal(t, CreateGeneration, h.jobs[0].Type)
	for i, j := range h.jobs {
		require.Equal(t, pb.GenID(i+2), j.GenID)
	}
	require.Equal(t, 0, q.Pending())

	// Jobs submitted after Finish are dropped.
	q.Submit(Job{Type: UserEvent})
	require.Equal(t, 0, q.Pending())
}

func TestMaintenanceWhileIdle(t *testing.T) {
	var h = &recordingHandler{maintained: make(chan struct{}, 1)}
	var q = NewQueue(h, 4, time.Millisecond)
	go q.Serve()

	<-h.maintained
	<-h.maintained

	// Failed Jobs don't stop the Queue.
	q.Submit(Job{Type: CompactGeneration, GenID: 3})
	q.Submit(Job{Type: DeleteGeneration, GenID: 3})
	q.Finish()

	require.Equal(t, []Job{
		{Type: CompactGeneration, GenID: 3},
		{Type: DeleteGeneration, GenID: 3},
	}, h.jobs)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "WRITE_GENERATION", WriteGeneration.String())
	require.Equal(t, "HA_STANDBY_TO_PRIMARY", HAStandby2Primary.String())
	require.Equal(t, "Type(99)", Type(99).String())
}

type recordingHandler struct {
	block      chan struct{}
	maintained chan struct{}

	mu   sync.Mutex
	jobs []Job
}

func (h *recordingHandler) HandleJob(j Job) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	h.jobs = append(h.jobs, j)
	h.mu.Unlock()

	if j.Type == CompactGeneration {
		return errors.New("compaction failed")
	}
	return nil
}

func (h *recordingHandler) Maintain() {
	if h.maintained != nil {
		select {
		case h.maintained <- struct{}{}:
		default:
		}
	}
}
