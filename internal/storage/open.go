package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/gofrs/flock"
)

// Engine names accepted by Open.
const (
	EngineKvs    = "kvs"
	EnginePebble = "pebble"
)

const (
	markerFile = "engine"
	lockFile   = "LOCK"
	pebbleDir  = "pebble"
)

// Engines lists the engine names Open accepts.
func Engines() []string {
	return []string{EngineKvs, EnginePebble}
}

// Open locks dir, verifies that it was created by the named engine (or
// records the engine if dir is new) and opens the engine. The lock is held
// until the returned engine is closed.
func Open(dir, engine string, opts Options) (Engine, error) {
	if engine != EngineKvs && engine != EnginePebble {
		return nil, errors.Newf("unknown engine %q (want one of %s)", engine, strings.Join(Engines(), ", "))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", dir)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock data directory %s", dir)
	}
	if !locked {
		return nil, errors.Wrapf(ErrLocked, "%s", dir)
	}

	e, err := openLocked(dir, engine, opts)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &lockedEngine{Engine: e, lock: lock}, nil
}

func openLocked(dir, engine string, opts Options) (Engine, error) {
	if err := checkMarker(dir, engine); err != nil {
		return nil, err
	}
	switch engine {
	case EnginePebble:
		return OpenPebbleStore(filepath.Join(dir, pebbleDir), opts)
	default:
		return OpenLogStore(dir, opts)
	}
}

// checkMarker compares the engine recorded in dir with engine, writing the
// marker if there is none yet.
func checkMarker(dir, engine string) error {
	path := filepath.Join(dir, markerFile)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if recorded := strings.TrimSpace(string(b)); recorded != engine {
			return errors.Wrapf(ErrWrongEngine, "%s was created by engine %q, not %q", dir, recorded, engine)
		}
		return nil
	case oserror.IsNotExist(err):
		if err := os.WriteFile(path, []byte(engine), 0o644); err != nil {
			return errors.Wrapf(err, "write engine marker %s", path)
		}
		return nil
	default:
		return errors.Wrapf(err, "read engine marker %s", path)
	}
}

// lockedEngine releases the data directory lock after closing the engine.
type lockedEngine struct {
	Engine
	lock *flock.Flock
}

// Close closes the engine, then releases the directory lock.
func (l *lockedEngine) Close() error {
	err := l.Engine.Close()
	if uerr := l.lock.Unlock(); uerr != nil && err == nil {
		err = errors.Wrap(uerr, "unlock data directory")
	}
	return err
}

// Unwrap returns the engine behind the lock.
func (l *lockedEngine) Unwrap() Engine {
	return l.Engine
}
