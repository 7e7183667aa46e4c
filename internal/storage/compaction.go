package storage

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kvs/internal/index"
	"github.com/dreamware/kvs/internal/segment"
)

// Compact rewrites every live record into a fresh generation and deletes the
// generations it supersedes. Writes wait while it runs; reads continue.
func (s *LogStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.compactLocked()
}

// compactLocked runs with mu held. Until the index swap nothing visible
// changes, and any failure before it leaves the store exactly as it was.
//
// Old generations are deleted in ascending order and deletion stops at the
// first failure. The generations left on disk are therefore always a
// suffix of the history followed by the compacted one, so a crash at any
// point replays to the same state and no removed key comes back.
func (s *LogStore) compactLocked() error {
	start := time.Now()
	oldActive := s.active.Gen()
	compactGen := oldActive + 1
	activeGen := compactGen + 1
	log := s.log.WithField("gen", compactGen)

	before, _ := s.segs.Size()

	cw, err := s.segs.CreateActive(compactGen)
	if err != nil {
		return errors.Wrap(err, "compaction: create generation")
	}
	abort := func(err error) error {
		_ = cw.Close()
		if derr := s.segs.Delete(compactGen); derr != nil {
			log.WithError(derr).Warn("could not remove abandoned compaction output")
		}
		return err
	}

	snap := s.index.Snapshot()
	rebuilt := index.New()
	var copyErr error
	snap.Ascend(func(key string, p segment.Pointer) bool {
		rec, err := s.segs.ReadAt(p)
		if err != nil {
			copyErr = errors.Wrapf(err, "compaction: read %q", key)
			return false
		}
		np, err := cw.Buffer(rec)
		if err != nil {
			copyErr = errors.Wrapf(err, "compaction: copy %q", key)
			return false
		}
		rebuilt.Insert(key, np)
		return true
	})
	if copyErr != nil {
		return abort(copyErr)
	}
	if err := cw.Close(); err != nil {
		return abort(errors.Wrap(err, "compaction: seal output"))
	}

	active, err := s.segs.CreateActive(activeGen)
	if err != nil {
		return abort(errors.Wrap(err, "compaction: create active generation"))
	}

	// Every append to the old active generation was flushed already and its
	// live records now sit fsynced in the compacted output, so a failed
	// seal does not put any data at risk.
	if err := s.segs.Seal(oldActive); err != nil {
		log.WithError(err).WithField("old", oldActive).Warn("sealing previous active generation failed")
	}

	s.index.Swap(rebuilt)
	s.active = active

	gens, err := s.segs.ListGenerations()
	if err != nil {
		log.WithError(err).Warn("could not list generations to delete, leaving them for the next compaction")
		gens = nil
	}
	removed := 0
	for _, gen := range gens {
		if gen >= compactGen {
			break
		}
		if err := s.segs.Delete(gen); err != nil {
			log.WithError(err).WithField("stale", gen).Warn("stopped deleting superseded generations")
			break
		}
		removed++
	}

	superseded := s.uncompacted.Swap(0)
	s.compactions.Add(1)

	after, _ := s.segs.Size()
	reclaimed := before - after
	if reclaimed < 0 {
		reclaimed = 0
	}
	s.opts.Metrics.observeCompaction(reclaimed, time.Since(start))

	log.WithFields(logrus.Fields{
		"keys":        s.index.Len(),
		"removed":     removed,
		"superseded":  humanize.Bytes(uint64(superseded)),
		"reclaimed":   humanize.Bytes(uint64(reclaimed)),
		"size":        humanize.Bytes(uint64(after)),
		"active":      activeGen,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("compaction finished")
	return nil
}
