// Package storage provides the storage engines behind kvs and the entry
// point that selects one for a data directory.
//
// # Engines
//
// Every engine satisfies the Engine interface:
//
//	Get(key)        -> value, found, error
//	Set(key, value) -> error
//	Remove(key)     -> error (ErrKeyNotFound if absent)
//	Stats()         -> Stats
//	Close()         -> error
//
// Three implementations exist:
//
//	┌──────────────┬──────────────────────────────────────────────┐
//	│ LogStore     │ append-only command log + in-memory index    │
//	│ PebbleStore  │ embedded github.com/cockroachdb/pebble       │
//	│ MemoryStore  │ volatile map, for tests of the layers above  │
//	└──────────────┴──────────────────────────────────────────────┘
//
// # LogStore
//
// LogStore keeps its data in generation files managed by package segment.
// Each Set or Remove appends one record to the active generation; the index
// (package index) maps every live key to the position of its latest Set.
//
//	Set("a","1")  Set("b","2")  Set("a","3")  Remove("b")
//	┌──────────┬──────────┬──────────┬──────────┐
//	│ set a=1  │ set b=2  │ set a=3  │ rm b     │  3.log
//	└──────────┴──────────┴──────────┴──────────┘
//	 superseded  superseded   live      tombstone
//
// Superseded records and tombstones are counted as uncompacted bytes. When
// the count passes Options.CompactionThreshold the write that crossed it
// runs a compaction: live records are copied in key order into a new
// generation, a fresh active generation is created, the index is swapped
// and every older generation is deleted.
//
// On open, generations are replayed in ascending order to rebuild the index.
// If the newest generation ends in a torn record (a crash mid-append), the
// tail is truncated. Corruption anywhere else stops the open.
//
// # Concurrency
//
// Set, Remove and compaction share one writer mutex. Get never takes it: it
// looks the key up under the index's read lock and reads the record through
// a cached file handle with a positioned read. A Get that races with a
// compaction deleting its generation sees segment.ErrStaleRead, looks the
// key up again and retries up to Options.StaleReadRetries times.
//
// # Data directory
//
// Open takes an exclusive flock on <dir>/LOCK and records the engine name in
// <dir>/engine. Reopening a directory with a different engine fails with
// ErrWrongEngine. Pebble keeps its files in <dir>/pebble.
//
// # Instrumentation
//
// Instrument wraps any Engine with operation counters and, given a Metrics,
// Prometheus counters and latency histograms. RegisterStats exports an
// engine's Stats as gauges.
package storage
