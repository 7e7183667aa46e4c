// Package segment manages the append-only generation files that hold the
// command log of the kvs storage engine.
//
// A data directory contains files named <generation>.log where generation is
// a positive decimal integer. Generations are totally ordered; replaying them
// in ascending order reproduces the history of the store. At most one
// generation is active (open for appending) at any time, every other one is
// sealed and immutable.
//
// Reads go through a per-generation handle cached by the Store and use
// positioned reads (pread), so any number of goroutines may read concurrently
// while a single writer appends. When a generation is deleted its cached
// handle is closed; readers that raced with the deletion get ErrStaleRead and
// are expected to look their key up again.
package segment
