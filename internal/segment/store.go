package segment

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kvs/internal/codec"
)

const fileSuffix = ".log"

var (
	// ErrStaleRead is returned when a read targets a generation that was
	// deleted (or whose handle was closed) after the pointer was obtained.
	ErrStaleRead = errors.New("stale read: generation no longer available")

	// ErrIO marks errors that originate from the filesystem.
	ErrIO = errors.New("segment i/o error")
)

// Pointer locates one encoded record.
type Pointer struct {
	Gen    uint64
	Offset int64
	Length int64
}

// End returns the offset just past the record.
func (p Pointer) End() int64 {
	return p.Offset + p.Length
}

// Options tune how writers persist appends.
type Options struct {
	// SyncWrites makes every Append fsync the file before returning.
	SyncWrites bool
}

// Store owns the generation files of one data directory.
type Store struct {
	dir  string
	opts Options

	mu      sync.Mutex
	readers map[uint64]*os.File
	writers map[uint64]*Writer
	closed  bool
}

// Open prepares dir (creating it if needed) for use as a segment directory.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr(err, "create data directory %s", dir)
	}
	return &Store{
		dir:     dir,
		opts:    opts,
		readers: make(map[uint64]*os.File),
		writers: make(map[uint64]*Writer),
	}, nil
}

// Dir returns the directory the store manages.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of generation gen inside dir.
func Path(dir string, gen uint64) string {
	return filepath.Join(dir, strconv.FormatUint(gen, 10)+fileSuffix)
}

// ParseName returns the generation encoded in a file name, or false if name
// is not a segment file.
func ParseName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, fileSuffix)
	if !ok {
		return 0, false
	}
	gen, err := strconv.ParseUint(base, 10, 64)
	if err != nil || gen == 0 || strconv.FormatUint(gen, 10) != base {
		return 0, false
	}
	return gen, true
}

// ListGenerations returns the generations present on disk in ascending order.
// Files that are not segments are ignored.
func (s *Store) ListGenerations() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ioErr(err, "list %s", s.dir)
	}
	var gens []uint64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if gen, ok := ParseName(e.Name()); ok {
			gens = append(gens, gen)
		}
	}
	slices.Sort(gens)
	return gens, nil
}

// CreateActive creates generation gen and returns a writer for it. The file
// must not exist yet.
func (s *Store) CreateActive(gen uint64) (*Writer, error) {
	path := Path(s.dir, gen)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, ioErr(err, "create generation %d", gen)
	}

	w := &Writer{
		store: s,
		gen:   gen,
		f:     f,
		buf:   bufio.NewWriter(f),
		sync:  s.opts.SyncWrites,
	}

	s.mu.Lock()
	s.writers[gen] = w
	s.mu.Unlock()
	return w, nil
}

// Seal flushes, fsyncs and closes the writer of gen. It is a no-op when gen
// has no open writer.
func (s *Store) Seal(gen uint64) error {
	s.mu.Lock()
	w := s.writers[gen]
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Delete removes generation gen from disk, closing any handle the store
// holds for it. Readers still holding a pointer into gen will observe
// ErrStaleRead.
func (s *Store) Delete(gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[gen]; ok {
		delete(s.writers, gen)
		_ = w.f.Close()
	}
	if f, ok := s.readers[gen]; ok {
		delete(s.readers, gen)
		_ = f.Close()
	}
	if err := os.Remove(Path(s.dir, gen)); err != nil && !oserror.IsNotExist(err) {
		return ioErr(err, "delete generation %d", gen)
	}
	return nil
}

// Truncate cuts generation gen down to size bytes. It is used to drop a
// malformed tail found during replay.
func (s *Store) Truncate(gen uint64, size int64) error {
	if err := os.Truncate(Path(s.dir, gen), size); err != nil {
		return ioErr(err, "truncate generation %d to %d bytes", gen, size)
	}
	return nil
}

// ReadAt returns the Length bytes addressed by p through the cached read
// handle of p.Gen.
func (s *Store) ReadAt(p Pointer) ([]byte, error) {
	f, err := s.reader(p.Gen)
	if err != nil {
		return nil, err
	}
	return readAt(f, p)
}

// Reader is an independent read handle on one generation. It stays valid
// while other generations are appended to, and reads ErrStaleRead once its
// generation has been deleted and the handle closed.
type Reader struct {
	gen uint64
	f   *os.File
}

// OpenReader opens generation gen for random-access reads. The caller must
// Close the returned Reader.
func (s *Store) OpenReader(gen uint64) (*Reader, error) {
	f, err := os.Open(Path(s.dir, gen))
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, errors.Wrapf(ErrStaleRead, "generation %d", gen)
		}
		return nil, ioErr(err, "open generation %d", gen)
	}
	return &Reader{gen: gen, f: f}, nil
}

// Gen returns the generation r reads from.
func (r *Reader) Gen() uint64 {
	return r.gen
}

// ReadAt returns the bytes addressed by p, which must point into r's
// generation.
func (r *Reader) ReadAt(p Pointer) ([]byte, error) {
	if p.Gen != r.gen {
		return nil, errors.AssertionFailedf("pointer into generation %d read through reader of %d", p.Gen, r.gen)
	}
	return readAt(r.f, p)
}

// Close releases the handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

func readAt(f *os.File, p Pointer) ([]byte, error) {
	buf := make([]byte, p.Length)
	n, err := f.ReadAt(buf, p.Offset)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, errors.Wrapf(ErrStaleRead, "generation %d", p.Gen)
		}
		if err == io.EOF && n < len(buf) {
			return nil, errors.Mark(
				errors.Wrapf(io.ErrUnexpectedEOF, "generation %d: record at %d extends past end of file", p.Gen, p.Offset),
				ErrIO)
		}
		if err != io.EOF {
			return nil, ioErr(err, "read generation %d at %d", p.Gen, p.Offset)
		}
	}
	return buf, nil
}

// reader returns the cached read handle of gen, opening it on first use.
func (s *Store) reader(gen uint64) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.readers[gen]; ok {
		return f, nil
	}
	if s.closed {
		return nil, errors.Mark(errors.Newf("read generation %d: store is closed", gen), ErrIO)
	}
	r, err := s.OpenReader(gen)
	if err != nil {
		return nil, err
	}
	s.readers[gen] = r.f
	return r.f, nil
}

// Scan decodes every record of generation gen in order and calls fn for
// each. It returns the offset just past the last record that decoded
// cleanly. When the file ends in a malformed or partial record, Scan returns
// that offset together with an error marked codec.ErrCorruptRecord.
func (s *Store) Scan(gen uint64, fn func(p Pointer, cmd codec.Command) error) (int64, error) {
	rd, err := s.OpenReader(gen)
	if err != nil {
		return 0, err
	}
	defer rd.Close()

	r := bufio.NewReaderSize(rd.f, 64<<10)
	var off int64
	for {
		cmd, n, err := codec.ReadCommand(r)
		if err == io.EOF {
			return off, nil
		}
		if err != nil {
			if errors.Is(err, codec.ErrCorruptRecord) {
				return off, errors.Wrapf(err, "generation %d at offset %d", gen, off)
			}
			return off, ioErr(err, "scan generation %d", gen)
		}
		if err := fn(Pointer{Gen: gen, Offset: off, Length: n}, cmd); err != nil {
			return off, err
		}
		off += n
	}
}

// Size returns the number of bytes on disk across all generations.
func (s *Store) Size() (int64, error) {
	gens, err := s.ListGenerations()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, gen := range gens {
		fi, err := os.Stat(Path(s.dir, gen))
		if err != nil {
			if oserror.IsNotExist(err) {
				continue
			}
			return 0, ioErr(err, "stat generation %d", gen)
		}
		total += fi.Size()
	}
	return total, nil
}

// Close seals every open writer and closes every cached reader.
func (s *Store) Close() error {
	s.mu.Lock()
	writers := make([]*Writer, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for gen, f := range s.readers {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = ioErr(err, "close generation %d", gen)
		}
		delete(s.readers, gen)
	}
	return firstErr
}

func ioErr(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}
