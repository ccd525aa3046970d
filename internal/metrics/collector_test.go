package metrics

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Path: "/metrics", Namespace: "test"})
	require.NoError(t, err)
	return c
}

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func value(f *dto.MetricFamily, labels map[string]string) float64 {
	if f == nil {
		return -1
	}
next:
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				continue next
			}
		}
		switch {
		case m.Counter != nil:
			return m.GetCounter().GetValue()
		case m.Gauge != nil:
			return m.GetGauge().GetValue()
		case m.Histogram != nil:
			return float64(m.GetHistogram().GetSampleCount())
		}
	}
	return -1
}

func TestNewCollector(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		assert.Equal(t, 9464, c.config.Port)
		assert.Equal(t, "drmcore", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector records nothing", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, c.Registry())
		assert.NotPanics(t, func() {
			c.RecordOperation("new_bo", time.Millisecond, 4096, true)
			c.RecordCacheHit("bo")
			c.DeviceOpened()
		})
		assert.Empty(t, c.GetMetrics())
	})

	t.Run("nil collector is usable", func(t *testing.T) {
		var c *Collector
		assert.NotPanics(t, func() {
			c.RecordOperation("new_bo", time.Millisecond, 4096, true)
			c.RecordCacheMiss("ring")
			c.UpdateHeap(types.HeapStats{})
			c.RecordSubmit(3, nil)
			c.RecordError("flush", stderrors.New("x"))
			c.DeviceClosed()
		})
		assert.NoError(t, c.Stop(context.Background()))
	})
}

func TestCollector_RecordOperation(t *testing.T) {
	c := newTestCollector(t)

	c.RecordOperation("new_bo", 2*time.Millisecond, 4096, true)
	c.RecordOperation("new_bo", 4*time.Millisecond, 8192, false)
	c.RecordOperation("from_name", time.Millisecond, 0, true)

	families := gather(t, c)
	assert.Equal(t, 1.0, value(families["test_operations_total"], map[string]string{"operation": "new_bo", "status": "success"}))
	assert.Equal(t, 1.0, value(families["test_operations_total"], map[string]string{"operation": "new_bo", "status": "error"}))
	assert.Equal(t, 2.0, value(families["test_buffer_size_bytes"], map[string]string{"operation": "new_bo"}))

	ops := c.GetMetrics()["operations"].(map[string]OperationMetrics)
	require.Contains(t, ops, "new_bo")
	assert.Equal(t, int64(2), ops["new_bo"].Count)
	assert.Equal(t, int64(1), ops["new_bo"].Errors)
	assert.Equal(t, 3*time.Millisecond, ops["new_bo"].AvgDuration)
	assert.Equal(t, 6144.0, ops["new_bo"].AvgSize)
}

func TestCollector_CachesAndHeaps(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCacheHit("bo")
	c.RecordCacheHit("bo")
	c.RecordCacheMiss("ring")
	c.UpdateCache(types.CacheStats{Name: "bo", Entries: 3, Bytes: 12288})
	c.UpdateHeap(types.HeapStats{Flags: types.RingFlags, Blocks: 1, UsedBytes: 256})
	c.UpdateHeap(types.HeapStats{Flags: 0, Blocks: 2, UsedBytes: 1024})

	families := gather(t, c)
	assert.Equal(t, 2.0, value(families["test_cache_requests_total"], map[string]string{"cache": "bo", "type": "hit"}))
	assert.Equal(t, 1.0, value(families["test_cache_requests_total"], map[string]string{"cache": "ring", "type": "miss"}))
	assert.Equal(t, 12288.0, value(families["test_cache_size_bytes"], map[string]string{"cache": "bo"}))
	assert.Equal(t, 3.0, value(families["test_cache_entries"], map[string]string{"cache": "bo"}))
	assert.Equal(t, 256.0, value(families["test_heap_used_bytes"], map[string]string{"heap": "ring"}))
	assert.Equal(t, 2.0, value(families["test_heap_blocks"], map[string]string{"heap": "default"}))
}

func TestCollector_SubmitsDevicesErrors(t *testing.T) {
	c := newTestCollector(t)

	c.RecordSubmit(4, nil)
	c.RecordSubmit(1, stderrors.New("EINVAL"))
	c.RecordSubmit(0, nil)
	c.DeviceOpened()
	c.DeviceOpened()
	c.DeviceClosed()
	c.RecordError("new_bo", errors.NewError(errors.ErrCodeHeapExhausted, "full"))
	c.RecordError("flush", stderrors.New("plain"))

	families := gather(t, c)
	assert.Equal(t, 4.0, value(families["test_submissions_total"], map[string]string{"status": "success"}))
	assert.Equal(t, 1.0, value(families["test_submissions_total"], map[string]string{"status": "error"}))
	assert.Equal(t, 1.0, value(families["test_active_devices"], nil))
	assert.Equal(t, 1.0, value(families["test_errors_total"], map[string]string{"operation": "new_bo", "category": "resource"}))
	assert.Equal(t, 1.0, value(families["test_errors_total"], map[string]string{"operation": "flush", "category": "other"}))
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordOperation("new_bo", time.Millisecond, 4096, true)
	h := c.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_operations_total")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/operations", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "new_bo"))
}

func TestCollector_HealthCheck(t *testing.T) {
	c := newTestCollector(t)
	h := c.Handler()

	healthy := false
	c.SetHealthCheck(func() (string, bool) {
		if healthy {
			return "healthy", true
		}
		return "no-submit", false
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"no-submit"`)

	healthy = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var nilCollector *Collector
	nilCollector.SetHealthCheck(func() (string, bool) { return "", false })
}
