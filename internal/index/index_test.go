package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvs/internal/segment"
)

func ptr(gen uint64, off int64) segment.Pointer {
	return segment.Pointer{Gen: gen, Offset: off, Length: 10}
}

func TestInsertLookupRemove(t *testing.T) {
	ix := New()

	_, ok := ix.Lookup("a")
	assert.False(t, ok)

	_, replaced := ix.Insert("a", ptr(1, 0))
	assert.False(t, replaced)

	old, replaced := ix.Insert("a", ptr(1, 10))
	assert.True(t, replaced)
	assert.Equal(t, ptr(1, 0), old)

	got, ok := ix.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, ptr(1, 10), got)
	assert.Equal(t, 1, ix.Len())

	old, ok = ix.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, ptr(1, 10), old)

	_, ok = ix.Remove("a")
	assert.False(t, ok)
	assert.Equal(t, 0, ix.Len())
}

// TestSnapshotIsolation verifies that mutations after Snapshot do not show
// up in the snapshot and that iteration is in key order.
func TestSnapshotIsolation(t *testing.T) {
	ix := New()
	for _, k := range []string{"c", "a", "b"} {
		ix.Insert(k, ptr(1, int64(k[0])))
	}

	snap := ix.Snapshot()
	ix.Insert("d", ptr(2, 0))
	ix.Remove("a")
	ix.Insert("b", ptr(2, 10))

	var keys []string
	snap.Ascend(func(key string, p segment.Pointer) bool {
		keys = append(keys, key)
		if key == "b" {
			assert.Equal(t, ptr(1, int64('b')), p)
		}
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, 3, ix.Len())
}

func TestAscendStopsEarly(t *testing.T) {
	ix := New()
	for i := 0; i < 10; i++ {
		ix.Insert(fmt.Sprintf("k%02d", i), ptr(1, int64(i)))
	}
	var n int
	ix.Snapshot().Ascend(func(string, segment.Pointer) bool {
		n++
		return n < 3
	})
	assert.Equal(t, 3, n)
}

func TestSwap(t *testing.T) {
	ix := New()
	ix.Insert("old", ptr(1, 0))

	rebuilt := New()
	rebuilt.Insert("new", ptr(5, 0))
	ix.Swap(rebuilt)

	_, ok := ix.Lookup("old")
	assert.False(t, ok)
	got, ok := ix.Lookup("new")
	require.True(t, ok)
	assert.Equal(t, ptr(5, 0), got)
}

func TestConcurrentAccess(t *testing.T) {
	ix := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			ix.Insert(fmt.Sprintf("key%d", i%50), ptr(1, int64(i)))
			if i%100 == 0 {
				ix.Snapshot()
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				ix.Lookup(fmt.Sprintf("key%d", i%50))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, ix.Len())
}
