package storage

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentCountsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := Instrument(NewMemoryStore(), m)

	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	_, _, _ = e.Get("a")
	_, _, _ = e.Get("missing")
	require.NoError(t, e.Remove("a"))
	require.Error(t, e.Remove("a"))

	ops := e.Ops()
	assert.Equal(t, uint64(2), ops.Gets)
	assert.Equal(t, uint64(2), ops.Sets)
	assert.Equal(t, uint64(2), ops.Removes)
	assert.Equal(t, uint64(2), ops.Misses)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ops.WithLabelValues("set", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ops.WithLabelValues("get", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ops.WithLabelValues("remove", "ok")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ops.WithLabelValues("remove", "error")))
}

func TestInstrumentWithoutMetrics(t *testing.T) {
	e := Instrument(NewMemoryStore(), nil)
	require.NoError(t, e.Set("a", "1"))
	value, found, err := e.Get("a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", value)
	assert.Equal(t, uint64(1), e.Ops().Sets)
}

func TestCompactionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions()
	opts.Metrics = NewMetrics(reg)
	s := openLogStore(t, t.TempDir(), opts)
	RegisterStats(reg, s)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set("a", "value"))
	}
	require.NoError(t, s.Compact())

	assert.Equal(t, float64(1), testutil.ToFloat64(opts.Metrics.compactions))
	assert.Greater(t, testutil.ToFloat64(opts.Metrics.reclaimed), float64(0))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["kvs_engine_keys"])
	assert.True(t, names["kvs_engine_uncompacted_bytes"])
	assert.True(t, names["kvs_compaction_runs_total"])
}
