package storage

import "github.com/cockroachdb/errors"

var (
	// ErrKeyNotFound is returned by Remove when the key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnexpectedCommandType means the index pointed at a record that is
	// not a Set of the requested key. It indicates a consistency fault
	// rather than a caller mistake.
	ErrUnexpectedCommandType = errors.New("unexpected command type")

	// ErrWrongEngine is returned by Open when the data directory was
	// created by a different engine.
	ErrWrongEngine = errors.New("wrong engine")

	// ErrLocked is returned by Open when another process holds the data
	// directory.
	ErrLocked = errors.New("data directory is locked")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("storage engine closed")
)
