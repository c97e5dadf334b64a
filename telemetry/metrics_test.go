package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/fetch?url=http://x/a", nil)
	r = InjectTags(r)
	SetKind(r, "data")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "response_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "data"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "response_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "response_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/fetch", nil)
	r = InjectTags(r)
	SetKind(r, "image")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "fetch")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "response_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "fetch"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "response_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordTrim(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordTrim(ctx, true, 0, 0, 0, 0, 0)
	RecordTrim(ctx, false, 2, 3, 500, 1000, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	runs := findCounter(rm, "response_cache_trim_runs_total")
	require.Len(t, runs, 2)

	deleted := findCounter(rm, "response_cache_trim_deleted_total")
	require.Len(t, deleted, 2)
	for _, dp := range deleted {
		switch {
		case hasAttr(dp.Attributes, "reason", "expired"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "reason", "evicted"):
			require.EqualValues(t, 3, dp.Value)
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}

	freed := findCounter(rm, "response_cache_trim_bytes_freed_total")
	require.Len(t, freed, 1)
	require.EqualValues(t, 500, freed[0].Value)
}

func TestRecordLookupAndWrite(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordLookup(ctx, "data", CacheHit)
	RecordLookup(ctx, "data", CacheHit)
	RecordEntryWrite(ctx, "png", 2048)

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "response_cache_lookups_total")
	require.Len(t, lookups, 1)
	require.EqualValues(t, 2, lookups[0].Value)
	require.True(t, hasAttr(lookups[0].Attributes, "result", "hit"))

	writes := findHistogram(rm, "response_cache_entry_write_size_bytes")
	require.Len(t, writes, 1)
	require.True(t, hasAttr(writes[0].Attributes, "kind", "png"))
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// Should not panic
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "fs", "read", "success", time.Millisecond, 10)
	RecordEntryWrite(ctx, "data", 10)
	RecordLookup(ctx, "data", CacheMiss)
	RecordUpstreamFetch(ctx, "data", time.Millisecond, 10, "success")
	RecordTrim(ctx, false, 1, 1, 1, 1, time.Millisecond)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "unknown", StatusClass(0))
}
