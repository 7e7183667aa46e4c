package pool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Limiter runs each job on its own goroutine but never more than limit at
// once. Submit blocks while limit jobs are running.
type Limiter struct {
	limit int
	log   logrus.FieldLogger
	group errgroup.Group

	// mu guards closed; Submit holds the read side while it waits for a
	// slot, so Shutdown cannot start waiting under it.
	mu     sync.RWMutex
	closed bool

	running atomic.Int64
	panics  atomic.Uint64
}

// NewLimiter returns an executor running at most limit jobs concurrently.
// limit <= 0 means one per CPU.
func NewLimiter(limit int, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	o := buildOptions(0, opts)
	l := &Limiter{limit: limit, log: o.log}
	l.group.SetLimit(limit)
	return l
}

// Submit runs job once a slot is free.
func (l *Limiter) Submit(job Job) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	l.group.Go(func() error {
		l.running.Add(1)
		defer l.running.Add(-1)
		if !run(l.log, job) {
			l.panics.Add(1)
		}
		return nil
	})
	return nil
}

// Shutdown refuses new jobs and waits for the running ones.
func (l *Limiter) Shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	_ = l.group.Wait()
}

// Size returns the concurrency limit.
func (l *Limiter) Size() int {
	return l.limit
}

// Workers returns the number of jobs currently running.
func (l *Limiter) Workers() int {
	return int(l.running.Load())
}

// Panics returns how many jobs have panicked.
func (l *Limiter) Panics() uint64 {
	return l.panics.Load()
}
