package storage

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kvs/internal/codec"
	"github.com/dreamware/kvs/internal/index"
	"github.com/dreamware/kvs/internal/segment"
)

const (
	// DefaultCompactionThreshold is the amount of superseded data that
	// triggers a compaction.
	DefaultCompactionThreshold = 1 << 20

	// DefaultStaleReadRetries bounds how often Get looks a key up again
	// after losing a race with compaction.
	DefaultStaleReadRetries = 5
)

// Options configure the disk-backed engines.
type Options struct {
	CompactionThreshold int64
	StaleReadRetries    int
	SyncWrites          bool
	Logger              logrus.FieldLogger
	Metrics             *Metrics
}

// DefaultOptions returns the options used by the server.
func DefaultOptions() Options {
	return Options{
		CompactionThreshold: DefaultCompactionThreshold,
		StaleReadRetries:    DefaultStaleReadRetries,
		SyncWrites:          true,
		Logger:              logrus.StandardLogger(),
	}
}

func (o Options) withDefaults() Options {
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = DefaultCompactionThreshold
	}
	if o.StaleReadRetries <= 0 {
		o.StaleReadRetries = DefaultStaleReadRetries
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// LogStore is a log-structured Engine. Every mutation is appended to the
// active generation and the in-memory index maps each live key to its
// latest record. Reads never take the writer lock.
type LogStore struct {
	opts  Options
	log   logrus.FieldLogger
	segs  *segment.Store
	index *index.Index

	// mu serializes Set, Remove and the compactions they trigger.
	mu     sync.Mutex
	active *segment.Writer

	// uncompacted is only written under mu. Stats reads it without the
	// lock so a scrape never waits behind a compaction.
	uncompacted atomic.Int64
	compactions atomic.Uint64
	closed      atomic.Bool
}

// OpenLogStore opens (or creates) a log store in dir. All generations are
// replayed to rebuild the index, and a fresh generation is created for new
// writes.
func OpenLogStore(dir string, opts Options) (*LogStore, error) {
	opts = opts.withDefaults()
	log := opts.Logger.WithField("dir", dir)

	segs, err := segment.Open(dir, segment.Options{SyncWrites: opts.SyncWrites})
	if err != nil {
		return nil, err
	}

	s := &LogStore{
		opts:  opts,
		log:   log,
		segs:  segs,
		index: index.New(),
	}

	gens, err := s.replay()
	if err != nil {
		_ = segs.Close()
		return nil, err
	}

	next := uint64(1)
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	s.active, err = segs.CreateActive(next)
	if err != nil {
		_ = segs.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"keys":        s.index.Len(),
		"generations": len(gens),
		"uncompacted": humanize.Bytes(uint64(s.uncompacted.Load())),
		"active":      next,
	}).Info("log store opened")
	return s, nil
}

// replay rebuilds the index and the uncompacted counter from every
// generation on disk. A malformed tail in the newest generation is the
// signature of an interrupted append and is cut off; anywhere else it is
// fatal.
func (s *LogStore) replay() ([]uint64, error) {
	gens, err := s.segs.ListGenerations()
	if err != nil {
		return nil, err
	}

	for i, gen := range gens {
		end, err := s.segs.Scan(gen, s.apply)
		if err == nil {
			continue
		}
		if !errors.Is(err, codec.ErrCorruptRecord) || i != len(gens)-1 {
			return nil, errors.Wrapf(err, "replay generation %d", gen)
		}
		s.log.WithError(err).WithFields(logrus.Fields{
			"gen":    gen,
			"offset": end,
		}).Warn("truncating malformed tail of newest generation")
		if err := s.segs.Truncate(gen, end); err != nil {
			return nil, err
		}
	}
	return gens, nil
}

func (s *LogStore) apply(p segment.Pointer, cmd codec.Command) error {
	switch cmd.Kind {
	case codec.KindSet:
		if old, ok := s.index.Insert(cmd.Key, p); ok {
			s.uncompacted.Add(old.Length)
		}
	case codec.KindRemove:
		if old, ok := s.index.Remove(cmd.Key); ok {
			s.uncompacted.Add(old.Length)
		}
		s.uncompacted.Add(p.Length)
	}
	return nil
}

// Get returns the current value of key.
func (s *LogStore) Get(key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}

	var err error
	for attempt := 0; attempt <= s.opts.StaleReadRetries; attempt++ {
		var (
			value string
			found bool
		)
		value, found, err = s.read(key)
		if err == nil || !errors.Is(err, segment.ErrStaleRead) {
			return value, found, err
		}
		s.log.WithField("key", key).WithField("attempt", attempt+1).Debug("stale read, retrying lookup")
	}
	return "", false, errors.Wrapf(err, "get %q: gave up after %d retries", key, s.opts.StaleReadRetries)
}

func (s *LogStore) read(key string) (string, bool, error) {
	p, ok := s.index.Lookup(key)
	if !ok {
		return "", false, nil
	}
	rec, err := s.segs.ReadAt(p)
	if err != nil {
		return "", false, err
	}
	cmd, err := codec.DecodeCommand(rec)
	if err != nil {
		return "", false, errors.Wrapf(err, "get %q from generation %d at %d", key, p.Gen, p.Offset)
	}
	if cmd.Kind != codec.KindSet || cmd.Key != key {
		err := errors.Mark(
			errors.AssertionFailedf("index entry for %q points at a %s of %q", key, cmd.Kind, cmd.Key),
			ErrUnexpectedCommandType)
		s.log.WithError(err).WithFields(logrus.Fields{
			"key":    key,
			"gen":    p.Gen,
			"offset": p.Offset,
		}).Error("index points at unexpected command")
		return "", false, err
	}
	return cmd.Value, true, nil
}

// Set stores value under key.
func (s *LogStore) Set(key, value string) error {
	rec, err := codec.EncodeCommand(codec.Set(key, value))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	p, err := s.active.Append(rec)
	if err != nil {
		return errors.Wrapf(err, "set %q", key)
	}
	if old, ok := s.index.Insert(key, p); ok {
		s.uncompacted.Add(old.Length)
	}
	s.maybeCompact()
	return nil
}

// Remove deletes key, appending a tombstone to the log.
func (s *LogStore) Remove(key string) error {
	rec, err := codec.EncodeCommand(codec.Remove(key))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	if _, ok := s.index.Lookup(key); !ok {
		return ErrKeyNotFound
	}
	p, err := s.active.Append(rec)
	if err != nil {
		return errors.Wrapf(err, "remove %q", key)
	}
	old, _ := s.index.Remove(key)
	s.uncompacted.Add(old.Length + p.Length)
	s.maybeCompact()
	return nil
}

// maybeCompact runs a compaction once enough data is superseded. The
// triggering write is already durable, so a failed compaction is logged
// and retried on the next mutation. Callers hold mu.
func (s *LogStore) maybeCompact() {
	if s.uncompacted.Load() <= s.opts.CompactionThreshold {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.WithError(err).WithField("uncompacted", humanize.Bytes(uint64(s.uncompacted.Load()))).
			Error("compaction failed, keeping current generations")
	}
}

// Stats implements Engine.
func (s *LogStore) Stats() Stats {
	st := Stats{
		Keys:             s.index.Len(),
		UncompactedBytes: s.uncompacted.Load(),
		Compactions:      s.compactions.Load(),
		DiskBytes:        -1,
	}
	if s.closed.Load() {
		return st
	}
	if gens, err := s.segs.ListGenerations(); err == nil {
		st.Generations = len(gens)
	}
	if size, err := s.segs.Size(); err == nil {
		st.DiskBytes = size
	}
	return st
}

// DiskSize returns the bytes occupied by all generations.
func (s *LogStore) DiskSize() (int64, error) {
	return s.segs.Size()
}

// Close seals the active generation and releases every file handle.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}
	err := s.segs.Close()
	s.log.WithField("keys", s.index.Len()).Info("log store closed")
	return err
}
