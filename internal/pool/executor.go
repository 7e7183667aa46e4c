package pool

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Executor runs submitted jobs on goroutines it owns.
//
// Behavior:
//   - Submit returns ErrClosed once Shutdown has been called
//   - a job that panics does not reduce the capacity of the executor
//   - Shutdown stops accepting jobs and waits for every accepted job
//     to finish; calling it again is a no-op
type Executor interface {
	Submit(job Job) error
	Shutdown()

	// Workers reports the goroutines currently owned by the executor.
	Workers() int
}

// Executor kinds accepted by NewExecutor.
const (
	KindSharedQueue = "shared-queue"
	KindNaive       = "naive"
	KindBounded     = "bounded"
)

var (
	_ Executor = (*Pool)(nil)
	_ Executor = (*Spawner)(nil)
	_ Executor = (*Limiter)(nil)
)

// Kinds lists the executor kinds in the order they are documented.
func Kinds() []string {
	return []string{KindSharedQueue, KindNaive, KindBounded}
}

// NewExecutor builds the executor named by kind. size is the worker count
// for shared-queue and the concurrency limit for bounded; naive ignores it.
func NewExecutor(kind string, size int, opts ...Option) (Executor, error) {
	switch kind {
	case KindSharedQueue:
		return New(size, opts...), nil
	case KindNaive:
		return NewSpawner(opts...), nil
	case KindBounded:
		return NewLimiter(size, opts...), nil
	default:
		return nil, errors.Newf("unknown executor %q (want one of %s)", kind, strings.Join(Kinds(), ", "))
	}
}
