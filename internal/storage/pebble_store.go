package storage

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// PebbleStore is an Engine backed by an embedded Pebble database.
type PebbleStore struct {
	db    *pebble.DB
	write *pebble.WriteOptions
	log   logrus.FieldLogger

	// mu makes the existence check and the delete of Remove atomic.
	mu     sync.Mutex
	closed atomic.Bool
}

// OpenPebbleStore opens (or creates) a Pebble database in dir.
func OpenPebbleStore(dir string, opts Options) (*PebbleStore, error) {
	opts = opts.withDefaults()
	log := opts.Logger.WithFields(logrus.Fields{"dir": dir, "engine": EnginePebble})

	db, err := pebble.Open(dir, &pebble.Options{Logger: log})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble database in %s", dir)
	}

	write := pebble.NoSync
	if opts.SyncWrites {
		write = pebble.Sync
	}
	log.Info("pebble store opened")
	return &PebbleStore{db: db, write: write, log: log}, nil
}

// Get implements Engine.
func (p *PebbleStore) Get(key string) (string, bool, error) {
	if p.closed.Load() {
		return "", false, ErrClosed
	}
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get %q", key)
	}
	value := string(v)
	if err := closer.Close(); err != nil {
		return "", false, errors.Wrapf(err, "get %q", key)
	}
	return value, true, nil
}

// Set implements Engine.
func (p *PebbleStore) Set(key, value string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.db.Set([]byte(key), []byte(value), p.write); err != nil {
		return errors.Wrapf(err, "set %q", key)
	}
	return nil
}

// Remove implements Engine.
func (p *PebbleStore) Remove(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, found, err := p.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return ErrKeyNotFound
	}
	if err := p.db.Delete([]byte(key), p.write); err != nil {
		return errors.Wrapf(err, "remove %q", key)
	}
	return nil
}

// Stats implements Engine. Pebble does not keep a live key count, so Keys
// is reported as -1.
func (p *PebbleStore) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return Stats{Keys: -1}
	}
	m := p.db.Metrics()
	return Stats{
		Keys:        -1,
		DiskBytes:   int64(m.DiskSpaceUsage()),
		Compactions: uint64(m.Compact.Count),
	}
}

// Close implements Engine.
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return errors.Wrap(err, "close pebble database")
	}
	return nil
}
