package disk

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/msgstore/codecs"
	pb "go.gazette.dev/msgstore/protocol"
	"golang.org/x/sync/semaphore"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// or mem:// disk URL.
type StoreQueryArgs struct {
	// Codec with which images are compressed.
	Codec string `schema:"codec"`
	// Retries of a failed put or remove.
	Retries int `schema:"retries"`
	// Workers bounds the number of concurrent operations.
	Workers int `schema:"workers"`
	// Capacity in bytes, against which usage percentage is computed.
	Capacity uint64 `schema:"capacity"`
}

// Store is a Backend of generation images held as files of an afero.Fs.
type Store struct {
	fs    afero.Fs
	args  StoreQueryArgs
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
	ctx   context.Context
	close context.CancelFunc

	// RetryBase is the initial delay between retries, which grows along a
	// Fibonacci sequence.
	RetryBase time.Duration

	mu    sync.Mutex
	locks map[pb.GenID]*sync.Mutex
	sizes map[pb.GenID]uint64
}

// New returns a Store of the disk URL. Supported schemes are file://, rooted
// at the URL path, and mem://, which is held in process memory.
func New(ep *url.URL) (*Store, error) {
	var args = StoreQueryArgs{Codec: string(codecs.Snappy), Retries: 3, Workers: 4}
	if err := parseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var fs afero.Fs

	switch ep.Scheme {
	case "file":
		if err := os.MkdirAll(ep.Path, 0750); err != nil {
			return nil, errors.WithMessagef(pb.ErrDiskError, "creating %s: %s", ep.Path, err)
		}
		fs = afero.NewBasePathFs(afero.NewOsFs(), ep.Path)
	case "mem":
		fs = afero.NewMemMapFs()
	default:
		return nil, pb.Errorf(pb.KindConfig, "unsupported disk URL scheme %q", ep.Scheme)
	}
	return NewWithFs(fs, args)
}

// NewWithFs returns a Store over the afero.Fs.
func NewWithFs(fs afero.Fs, args StoreQueryArgs) (*Store, error) {
	if err := codecs.Codec(args.Codec).Validate(); err != nil {
		return nil, pb.ExtendContext(err, "Codec")
	} else if args.Workers <= 0 {
		return nil, pb.Errorf(pb.KindConfig, "Workers must be positive (%d)", args.Workers)
	} else if args.Retries < 0 {
		return nil, pb.Errorf(pb.KindConfig, "Retries may not be negative (%d)", args.Retries)
	}
	var s = &Store{
		fs:        fs,
		args:      args,
		sem:       semaphore.NewWeighted(int64(args.Workers)),
		RetryBase: 50 * time.Millisecond,
		locks:     make(map[pb.GenID]*sync.Mutex),
		sizes:     make(map[pb.GenID]uint64),
	}
	s.ctx, s.close = context.WithCancel(context.Background())

	var ids, err = s.ListGenerations(s.ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if size, err := s.statSize(id); err == nil {
			s.sizes[id] = size
		}
	}
	return s, nil
}

// WriteGeneration implements Backend.
func (s *Store) WriteGeneration(id pb.GenID, image []byte, done Callback) {
	s.async(id, "write", done, func() (Info, error) {
		var enc, err = codecs.Encode(image, codecs.Codec(s.args.Codec))
		if err != nil {
			return Info{}, err
		}
		var name = fileName(id, codecs.Codec(s.args.Codec))

		if err = s.put(name, enc); err != nil {
			return Info{}, err
		}
		// Remove images of |id| under other codecs.
		for _, other := range s.existing(id) {
			if other != name {
				_ = s.fs.Remove(other)
			}
		}
		bytesWrittenTotal.Add(float64(len(enc)))
		s.setSize(id, uint64(len(enc)))
		return Info{Size: uint64(len(enc)), Path: name, ModTime: time.Now()}, nil
	})
}

// ReadGeneration implements Backend.
func (s *Store) ReadGeneration(_ context.Context, id pb.GenID) ([]byte, error) {
	var names = s.existing(id)
	if len(names) == 0 {
		return nil, errors.WithMessagef(pb.ErrNotFound, "generation %s has no disk image", id)
	}
	var enc, err = afero.ReadFile(s.fs, names[0])
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrDiskError, "reading %s: %s", names[0], err)
	}
	image, err := codecs.Decode(enc, codecOf(names[0]))
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrDiskError, "decoding %s: %s", names[0], err)
	}
	bytesReadTotal.Add(float64(len(enc)))
	return image, nil
}

// DeleteGeneration implements Backend.
func (s *Store) DeleteGeneration(id pb.GenID, done Callback) {
	s.async(id, "delete", done, func() (Info, error) {
		for _, name := range s.existing(id) {
			if err := s.retry(func() error { return s.fs.Remove(name) }); err != nil {
				return Info{}, err
			}
		}
		s.mu.Lock()
		delete(s.sizes, id)
		s.mu.Unlock()
		return Info{}, nil
	})
}

// CompactGeneration implements Backend.
func (s *Store) CompactGeneration(id pb.GenID, rewrite func([]byte) ([]byte, error), done Callback) {
	s.async(id, "compact", done, func() (Info, error) {
		var image, err = s.ReadGeneration(s.ctx, id)
		if err != nil {
			return Info{}, err
		} else if image, err = rewrite(image); err != nil {
			return Info{}, err
		}
		enc, err := codecs.Encode(image, codecs.Codec(s.args.Codec))
		if err != nil {
			return Info{}, err
		}
		var name = fileName(id, codecs.Codec(s.args.Codec))
		if err = s.put(name, enc); err != nil {
			return Info{}, err
		}
		for _, other := range s.existing(id) {
			if other != name {
				_ = s.fs.Remove(other)
			}
		}
		s.setSize(id, uint64(len(enc)))
		return Info{Size: uint64(len(enc)), Path: name, ModTime: time.Now()}, nil
	})
}

// GenerationSize implements Backend.
func (s *Store) GenerationSize(id pb.GenID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size, ok := s.sizes[id]; ok {
		return size, nil
	}
	return 0, errors.WithMessagef(pb.ErrNotFound, "generation %s has no disk image", id)
}

// ListGenerations implements Backend.
func (s *Store) ListGenerations(_ context.Context) ([]pb.GenID, error) {
	var infos, err = afero.ReadDir(s.fs, "/")
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrDiskError, "listing: %s", err)
	}
	var seen = make(map[pb.GenID]bool)
	var out []pb.GenID

	for _, info := range infos {
		var id, ok = parseFileName(info.Name())
		if !ok || info.IsDir() || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Statistics implements Backend.
func (s *Store) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st = Stats{Generations: len(s.sizes)}
	for _, size := range s.sizes {
		st.UsedBytes += size
	}
	if s.args.Capacity != 0 {
		if st.UsedBytes < s.args.Capacity {
			st.FreeBytes = s.args.Capacity - st.UsedBytes
		}
		st.UsagePct = int(st.UsedBytes * 100 / s.args.Capacity)
		if st.UsagePct > 100 {
			st.UsagePct = 100
		}
	}
	return st
}

// Close implements Backend.
func (s *Store) Close() error {
	s.wg.Wait()
	s.close()
	return nil
}

func (s *Store) async(id pb.GenID, op string, done Callback, fn func() (Info, error)) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			done(id, Info{}, errors.WithMessagef(pb.ErrDiskError, "%s of generation %s: %s", op, id, err))
			return
		}
		var lock = s.lock(id)
		lock.Lock()
		var info, err = fn()
		lock.Unlock()
		s.sem.Release(1)

		if err != nil {
			if pb.KindOf(err) == pb.KindUnknown {
				err = errors.WithMessagef(pb.ErrDiskError, "%s of generation %s: %s", op, id, err)
			}
			opsTotal.WithLabelValues(op, "error").Inc()
			log.WithFields(log.Fields{"gen": id, "op": op, "err": err}).Warn("disk operation failed")
		} else {
			opsTotal.WithLabelValues(op, "ok").Inc()
		}
		done(id, info, err)
	}()
}

func (s *Store) lock(id pb.GenID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	var l, ok = s.locks[id]
	if !ok {
		l = new(sync.Mutex)
		s.locks[id] = l
	}
	return l
}

func (s *Store) setSize(id pb.GenID, size uint64) {
	s.mu.Lock()
	s.sizes[id] = size
	s.mu.Unlock()
}

// put atomically writes |name| by way of a temporary file and rename.
func (s *Store) put(name string, content []byte) error {
	return s.retry(func() error {
		var f, err = afero.TempFile(s.fs, "/", ".partial-"+path.Base(name))
		if err != nil {
			return err
		}
		defer func(tmp string) {
			if rmErr := s.fs.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
				log.WithFields(log.Fields{"err": rmErr, "path": tmp}).
					Warn("failed to cleanup temp file")
			}
		}(f.Name())

		if _, err = f.Write(content); err == nil {
			err = f.Sync()
		}
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			err = s.fs.Rename(f.Name(), name)
		}
		return err
	})
}

func (s *Store) retry(fn func() error) error {
	var b = retry.WithMaxRetries(uint64(s.args.Retries), retry.NewFibonacci(s.RetryBase))

	return retry.Do(s.ctx, b, func(ctx context.Context) error {
		if err := fn(); err != nil {
			retriesTotal.Inc()
			log.WithField("err", err).Warn("disk operation failed (will retry)")
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Store) existing(id pb.GenID) []string {
	var out []string
	for _, c := range []codecs.Codec{codecs.Codec(s.args.Codec), codecs.None, codecs.Gzip, codecs.Snappy, codecs.Zstandard} {
		var name = fileName(id, c)
		if ok, _ := afero.Exists(s.fs, name); ok && !contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (s *Store) statSize(id pb.GenID) (uint64, error) {
	var names = s.existing(id)
	if len(names) == 0 {
		return 0, errors.WithMessagef(pb.ErrNotFound, "generation %s", id)
	}
	var info, err = s.fs.Stat(names[0])
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func fileName(id pb.GenID, codec codecs.Codec) string {
	return fmt.Sprintf("/gen.%05d.img%s", uint16(id), codec.Extension())
}

func parseFileName(name string) (pb.GenID, bool) {
	if !strings.HasPrefix(name, "gen.") || !strings.Contains(name, ".img") {
		return 0, false
	}
	var id uint16
	if _, err := fmt.Sscanf(name, "gen.%d.img", &id); err != nil {
		return 0, false
	}
	return pb.GenID(id), pb.GenID(id).IsData()
}

func codecOf(name string) codecs.Codec {
	switch path.Ext(name) {
	case codecs.Gzip.Extension():
		return codecs.Gzip
	case codecs.Snappy.Extension():
		return codecs.Snappy
	case codecs.Zstandard.Extension():
		return codecs.Zstandard
	default:
		return codecs.None
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func parseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return pb.Errorf(pb.KindConfig, "parsing disk URL arguments: %s", err)
	}
	return nil
}
