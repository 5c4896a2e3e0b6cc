package persist

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

const (
	frameMagic      = 0x4d534c47 // "MSLG".
	frameHeaderSize = 12
	maxFrameSize    = 1 << 26

	kindTransaction = 1
	kindComplete    = 2

	bodyHeaderSize = 17
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Log is a Backend which appends framed records to a file of an afero.Fs.
type Log struct {
	fs     afero.Fs
	path   string
	file   afero.File
	ch     chan write
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
}

type write struct {
	frame []byte
	done  func(error)
}

// NewLog opens or creates the Log at |path| of |fs|.
func NewLog(fs afero.Fs, path string) (*Log, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.WithMessagef(pb.ErrDiskError, "creating %s: %s", filepath.Dir(path), err)
	}
	var file, err = fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0640)
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrDiskError, "opening %s: %s", path, err)
	}
	var l = &Log{
		fs:     fs,
		path:   path,
		file:   file,
		ch:     make(chan write, 1024),
		doneCh: make(chan struct{}),
	}
	go l.serve()
	return l, nil
}

// WriteST appends a transaction record.
func (l *Log) WriteST(stream uint32, seq uint64, ops []txnlog.Operation, done func(error)) {
	l.submit(encodeFrame(Record{Stream: stream, Seq: seq, Ops: ops}), done)
}

// CompleteST appends a completion record of |stream|.
func (l *Log) CompleteST(stream uint32) {
	l.submit(encodeFrame(Record{Stream: stream, Complete: true}), nil)
}

func (l *Log) submit(frame []byte, done func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		if done != nil {
			done(errors.WithMessage(pb.ErrStoreNotAvailable, "persistence log is closed"))
		}
		return
	}
	l.ch <- write{frame: frame, done: done}
}

// Close the Log after completing pending writes.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.doneCh
	return l.file.Close()
}

func (l *Log) serve() {
	defer close(l.doneCh)

	for w := range l.ch {
		var batch = []write{w}
	Batch:
		for {
			select {
			case w, ok := <-l.ch:
				if !ok {
					break Batch
				}
				batch = append(batch, w)
			default:
				break Batch
			}
		}
		l.flush(batch)
	}
}

// flush writes a batch of frames, and syncs the file once.
func (l *Log) flush(batch []write) {
	var err error
	for _, w := range batch {
		if _, err = l.file.Write(w.frame); err != nil {
			break
		}
		recordsWrittenTotal.Inc()
		bytesWrittenTotal.Add(float64(len(w.frame)))
	}
	if err == nil {
		err = l.file.Sync()
		syncsTotal.Inc()
	}
	if err != nil {
		writeFailuresTotal.Inc()
		log.WithFields(log.Fields{"path": l.path, "err": err}).Error("failed to write persistence log")
		err = errors.WithMessagef(pb.ErrDiskError, "writing %s: %s", l.path, err)
	}
	for _, w := range batch {
		if w.done != nil {
			w.done(err)
		}
	}
}

// Replay records having sequence greater than |from|. Completion records
// are always replayed. A torn or corrupt frame ends the Replay, and the Log
// is truncated to the last whole frame.
func (l *Log) Replay(from uint64, fn func(Record) error) error {
	var f, err = l.fs.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.WithMessagef(pb.ErrDiskError, "opening %s: %s", l.path, err)
	}
	defer f.Close()

	var br = bufio.NewReader(f)
	var offset int64

	for {
		var rec, n, err = readFrame(br)
		if err == io.EOF {
			return nil
		} else if err != nil {
			log.WithFields(log.Fields{
				"path":   l.path,
				"offset": offset,
				"err":    err,
			}).Warn("truncating persistence log at invalid frame")

			if err = l.file.Truncate(offset); err == nil {
				_, err = l.file.Seek(offset, io.SeekStart)
			}
			if err != nil {
				return errors.WithMessagef(pb.ErrDiskError, "truncating %s: %s", l.path, err)
			}
			return nil
		}
		offset += n

		if !rec.Complete && rec.Seq <= from {
			continue
		}
		recordsReplayedTotal.Inc()
		if err = fn(rec); err != nil {
			return err
		}
	}
}

func encodeFrame(rec Record) []byte {
	var body = make([]byte, bodyHeaderSize+len(rec.Ops)*txnlog.OperationSize)
	body[0] = kindTransaction
	if rec.Complete {
		body[0] = kindComplete
	}
	binary.LittleEndian.PutUint32(body[1:], rec.Stream)
	binary.LittleEndian.PutUint64(body[5:], rec.Seq)
	binary.LittleEndian.PutUint32(body[13:], uint32(len(rec.Ops)))

	for i, op := range rec.Ops {
		op.MarshalTo(body[bodyHeaderSize+i*txnlog.OperationSize:])
	}
	var enc = snappy.Encode(nil, body)

	var frame = make([]byte, frameHeaderSize+len(enc))
	binary.LittleEndian.PutUint32(frame[0:], frameMagic)
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(enc)))
	binary.LittleEndian.PutUint32(frame[8:], crc32.Checksum(enc, crcTable))
	copy(frame[frameHeaderSize:], enc)
	return frame
}

// readFrame reads and decodes a frame, returning its Record and encoded
// size. It returns io.EOF only if no bytes remain.
func readFrame(br *bufio.Reader) (Record, int64, error) {
	var hdr [frameHeaderSize]byte
	if n, err := io.ReadFull(br, hdr[:]); n == 0 && err == io.EOF {
		return Record{}, 0, io.EOF
	} else if err != nil {
		return Record{}, 0, err
	}
	if m := binary.LittleEndian.Uint32(hdr[0:]); m != frameMagic {
		return Record{}, 0, errors.WithMessagef(pb.ErrCorrupt, "frame magic %#x", m)
	}
	var size = binary.LittleEndian.Uint32(hdr[4:])
	if size > maxFrameSize {
		return Record{}, 0, errors.WithMessagef(pb.ErrCorrupt, "frame size %d", size)
	}
	var enc = make([]byte, size)
	if _, err := io.ReadFull(br, enc); err != nil {
		return Record{}, 0, err
	} else if sum := crc32.Checksum(enc, crcTable); sum != binary.LittleEndian.Uint32(hdr[8:]) {
		return Record{}, 0, errors.WithMessagef(pb.ErrCorrupt, "frame checksum %#x", sum)
	}
	var body, err = snappy.Decode(nil, enc)
	if err != nil {
		return Record{}, 0, errors.WithMessagef(pb.ErrCorrupt, "decoding frame: %s", err)
	} else if len(body) < bodyHeaderSize {
		return Record{}, 0, errors.WithMessagef(pb.ErrCorrupt, "frame body of %d bytes", len(body))
	}
	var rec = Record{
		Complete: body[0] == kindComplete,
		Stream:   binary.LittleEndian.Uint32(body[1:]),
		Seq:      binary.LittleEndian.Uint64(body[5:]),
	}
	var nops = int(binary.LittleEndian.Uint32(body[13:]))
	if len(body) != bodyHeaderSize+nops*txnlog.OperationSize {
		return Record{}, 0, errors.WithMessagef(pb.ErrCorrupt, "frame of %d operations has %d bytes", nops, len(body))
	}
	for i := 0; i != nops; i++ {
		rec.Ops = append(rec.Ops, txnlog.UnmarshalOperation(body[bodyHeaderSize+i*txnlog.OperationSize:]))
	}
	return rec, int64(frameHeaderSize + size), nil
}
