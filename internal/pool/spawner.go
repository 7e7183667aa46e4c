package pool

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Spawner starts a new goroutine for every job. It has no concurrency
// limit, so Submit never blocks.
type Spawner struct {
	log logrus.FieldLogger

	// mu guards closed; Submit holds the read side around wg.Add so it
	// never races with Shutdown's Wait.
	mu     sync.RWMutex
	closed bool

	wg      sync.WaitGroup
	running atomic.Int64
	panics  atomic.Uint64
}

// NewSpawner returns a goroutine-per-job executor.
func NewSpawner(opts ...Option) *Spawner {
	o := buildOptions(0, opts)
	return &Spawner{log: o.log}
}

// Submit starts job on its own goroutine.
func (s *Spawner) Submit(job Job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	s.running.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		if !run(s.log, job) {
			s.panics.Add(1)
		}
	}()
	return nil
}

// Shutdown refuses new jobs and waits for the running ones.
func (s *Spawner) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Workers returns the number of jobs currently running.
func (s *Spawner) Workers() int {
	return int(s.running.Load())
}

// Panics returns how many jobs have panicked.
func (s *Spawner) Panics() uint64 {
	return s.panics.Load()
}
