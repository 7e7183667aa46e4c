package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesEngineMarker(t *testing.T) {
	for _, engine := range Engines() {
		t.Run(engine, func(t *testing.T) {
			dir := t.TempDir()
			e, err := Open(dir, engine, testOptions())
			require.NoError(t, err)
			require.NoError(t, e.Set("a", "1"))
			require.NoError(t, e.Close())

			b, err := os.ReadFile(filepath.Join(dir, markerFile))
			require.NoError(t, err)
			assert.Equal(t, engine, string(b))

			// Reopening with the same engine sees the data.
			e, err = Open(dir, engine, testOptions())
			require.NoError(t, err)
			defer e.Close()
			assertValue(t, e, "a", "1")
		})
	}
}

func TestOpenRejectsWrongEngine(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, EngineKvs, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = Open(dir, EnginePebble, testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrongEngine))

	// The failed open must not keep the directory locked.
	e, err = Open(dir, EngineKvs, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestOpenRejectsUnknownEngine(t *testing.T) {
	_, err := Open(t.TempDir(), "sled", testOptions())
	assert.Error(t, err)
}

func TestOpenLocksDataDirectory(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, EngineKvs, testOptions())
	require.NoError(t, err)

	_, err = Open(dir, EngineKvs, testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, e.Close())
	e, err = Open(dir, EngineKvs, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestOpenReturnsUnwrappableEngine(t *testing.T) {
	e, err := Open(t.TempDir(), EngineKvs, testOptions())
	require.NoError(t, err)
	defer e.Close()

	u, ok := e.(interface{ Unwrap() Engine })
	require.True(t, ok)
	_, ok = u.Unwrap().(*LogStore)
	assert.True(t, ok)
}
