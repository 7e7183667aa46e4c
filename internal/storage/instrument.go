package storage

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 // Number of get operations
	Sets    uint64 // Number of set operations
	Removes uint64 // Number of remove operations
	Misses  uint64 // Gets of absent keys and removes of absent keys
}

// InstrumentedEngine wraps an Engine and counts the operations that go
// through it.
type InstrumentedEngine struct {
	Engine
	metrics *Metrics
	ops     OperationStats
}

// Instrument wraps e so every operation is counted and timed. m may be nil,
// in which case only the in-process counters are kept.
func Instrument(e Engine, m *Metrics) *InstrumentedEngine {
	return &InstrumentedEngine{Engine: e, metrics: m}
}

// Get retrieves a value and increments the get counter
func (i *InstrumentedEngine) Get(key string) (string, bool, error) {
	start := time.Now()
	atomic.AddUint64(&i.ops.Gets, 1)
	value, found, err := i.Engine.Get(key)
	if err == nil && !found {
		atomic.AddUint64(&i.ops.Misses, 1)
	}
	i.metrics.observeOp("get", err, time.Since(start))
	return value, found, err
}

// Set stores a value and increments the set counter
func (i *InstrumentedEngine) Set(key, value string) error {
	start := time.Now()
	atomic.AddUint64(&i.ops.Sets, 1)
	err := i.Engine.Set(key, value)
	i.metrics.observeOp("set", err, time.Since(start))
	return err
}

// Remove deletes a key and increments the remove counter. A missing key is
// a normal outcome and is not counted as an error.
func (i *InstrumentedEngine) Remove(key string) error {
	start := time.Now()
	atomic.AddUint64(&i.ops.Removes, 1)
	err := i.Engine.Remove(key)
	observed := err
	if errors.Is(err, ErrKeyNotFound) {
		atomic.AddUint64(&i.ops.Misses, 1)
		observed = nil
	}
	i.metrics.observeOp("remove", observed, time.Since(start))
	return err
}

// Ops returns a snapshot of the operation counters
func (i *InstrumentedEngine) Ops() OperationStats {
	return OperationStats{
		Gets:    atomic.LoadUint64(&i.ops.Gets),
		Sets:    atomic.LoadUint64(&i.ops.Sets),
		Removes: atomic.LoadUint64(&i.ops.Removes),
		Misses:  atomic.LoadUint64(&i.ops.Misses),
	}
}

// Unwrap returns the wrapped engine.
func (i *InstrumentedEngine) Unwrap() Engine {
	return i.Engine
}
