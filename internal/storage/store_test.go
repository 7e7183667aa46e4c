package storage

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions() Options {
	return Options{
		CompactionThreshold: DefaultCompactionThreshold,
		StaleReadRetries:    DefaultStaleReadRetries,
		Logger:              testLogger(),
	}
}

// engineFactories lists every Engine implementation so the behaviour shared
// by all of them is tested once.
func engineFactories() map[string]func(t *testing.T) Engine {
	return map[string]func(t *testing.T) Engine{
		"memory": func(t *testing.T) Engine {
			return NewMemoryStore()
		},
		"log": func(t *testing.T) Engine {
			s, err := OpenLogStore(t.TempDir(), testOptions())
			require.NoError(t, err)
			return s
		},
		"pebble": func(t *testing.T) Engine {
			s, err := OpenPebbleStore(filepath.Join(t.TempDir(), "pebble"), testOptions())
			require.NoError(t, err)
			return s
		},
	}
}

// TestEngineContract runs the same scenarios against every engine.
func TestEngineContract(t *testing.T) {
	for name, open := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("new engine is empty", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				_, found, err := e.Get("nonexistent")
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("set and get", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				require.NoError(t, e.Set("key1", "value1"))
				value, found, err := e.Get("key1")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "value1", value)
			})

			t.Run("overwrite existing key", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				require.NoError(t, e.Set("key1", "value1"))
				require.NoError(t, e.Set("key1", "value2"))
				value, _, err := e.Get("key1")
				require.NoError(t, err)
				assert.Equal(t, "value2", value)
			})

			t.Run("empty value is present", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				require.NoError(t, e.Set("empty", ""))
				value, found, err := e.Get("empty")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "", value)
			})

			t.Run("binary keys and values", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				key, value := "\x00\xff\xfe", "\x80\x00binary"
				require.NoError(t, e.Set(key, value))
				got, found, err := e.Get(key)
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, value, got)
			})

			t.Run("remove", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				require.NoError(t, e.Set("key1", "value1"))
				require.NoError(t, e.Remove("key1"))

				_, found, err := e.Get("key1")
				require.NoError(t, err)
				assert.False(t, found)

				err = e.Remove("key1")
				assert.True(t, errors.Is(err, ErrKeyNotFound))
			})

			t.Run("remove missing key", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				err := e.Remove("never-set")
				assert.True(t, errors.Is(err, ErrKeyNotFound))
			})

			t.Run("concurrent access", func(t *testing.T) {
				e := open(t)
				defer e.Close()

				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(id int) {
						defer wg.Done()
						for j := 0; j < 50; j++ {
							key := fmt.Sprintf("key-%d-%d", id, j)
							assert.NoError(t, e.Set(key, key))
							value, found, err := e.Get(key)
							assert.NoError(t, err)
							assert.True(t, found)
							assert.Equal(t, key, value)
						}
					}(i)
				}
				wg.Wait()
			})

			t.Run("close is idempotent", func(t *testing.T) {
				e := open(t)
				require.NoError(t, e.Close())
				require.NoError(t, e.Close())

				_, _, err := e.Get("key")
				assert.True(t, errors.Is(err, ErrClosed))
				assert.True(t, errors.Is(e.Set("key", "v"), ErrClosed))
			})
		})
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set("a", "1"))
	require.NoError(t, store.Set("b", "2"))
	require.NoError(t, store.Set("a", "3"))

	assert.Equal(t, 2, store.Stats().Keys)

	require.NoError(t, store.Remove("b"))
	assert.Equal(t, 1, store.Stats().Keys)
}
