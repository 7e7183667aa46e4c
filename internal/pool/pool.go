// Package pool runs jobs on goroutines owned by an Executor.
//
// Three executors are provided:
//
//	Kind          Type      Concurrency                      Submit when busy
//	shared-queue  *Pool     fixed workers, one shared queue  blocks on a full queue
//	naive         *Spawner  one goroutine per job            never blocks
//	bounded       *Limiter  at most n jobs at once           blocks until a slot frees
//
// Every executor survives panicking jobs: the panic and its stack are
// logged, the job is abandoned and the executor keeps its full capacity.
package pool

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("pool is shut down")

// Job is a unit of work.
type Job func()

// options holds the settings shared by all executors.
type options struct {
	queueSize int
	log       logrus.FieldLogger
}

// Option configures an executor.
type Option func(*options)

// WithQueueSize sets how many jobs may wait for a worker before Submit
// blocks. Only the shared-queue Pool has a queue; the default equals the
// number of workers.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets the logger used to report panics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func buildOptions(queueSize int, opts []Option) options {
	o := options{queueSize: queueSize, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Pool is a fixed-size worker pool fed from one shared queue.
type Pool struct {
	size int
	log  logrus.FieldLogger
	jobs chan Job

	// mu guards closed; Submit holds the read side while sending so the
	// queue is never closed under it.
	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	live   atomic.Int64
	panics atomic.Uint64
}

// New starts a pool with size workers. size <= 0 means one worker per CPU.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	o := buildOptions(size, opts)
	p := &Pool{
		size: size,
		log:  o.log,
		jobs: make(chan Job, o.queueSize),
	}
	for i := 0; i < size; i++ {
		p.spawn()
	}
	return p
}

// Submit queues job for execution, blocking while the queue is full.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.jobs <- job
	return nil
}

// Shutdown stops accepting jobs, lets the workers drain the queue and waits
// for them to exit. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Size returns the configured number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Workers returns the number of live worker goroutines.
func (p *Pool) Workers() int {
	return int(p.live.Load())
}

// Panics returns how many jobs have panicked.
func (p *Pool) Panics() uint64 {
	return p.panics.Load()
}

func (p *Pool) spawn() {
	p.wg.Add(1)
	p.live.Add(1)
	go p.work()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		if !run(p.log, job) {
			p.panics.Add(1)
			// Hand the queue to a fresh goroutine before this one leaves.
			p.spawn()
			p.live.Add(-1)
			return
		}
	}
	p.live.Add(-1)
}

// run executes job and reports whether it returned normally. A panic is
// logged with its stack and swallowed.
func run(log logrus.FieldLogger, job Job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("job panicked")
			ok = false
		}
	}()
	job()
	return true
}
