package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDispatchMetrics(t *testing.T) {
	t.Run("BatchDispatches", func(t *testing.T) {
		before := testutil.ToFloat64(BatchDispatches.WithLabelValues("trsm", "s", "fixed"))
		BatchDispatches.WithLabelValues("trsm", "s", "fixed").Inc()
		BatchDispatches.WithLabelValues("trsm", "s", "fixed").Inc()
		BatchDispatches.WithLabelValues("trsm", "d", "fallback").Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(BatchDispatches.WithLabelValues("trsm", "s", "fixed")))
	})

	t.Run("BatchSize", func(t *testing.T) {
		assert.NotPanics(t, func() {
			BatchSize.Observe(3)
			BatchSize.Observe(1024)
		})
	})

	t.Run("PointerArrayBytesStaged", func(t *testing.T) {
		before := testutil.ToFloat64(PointerArrayBytesStaged)
		PointerArrayBytesStaged.Add(48)
		assert.Equal(t, before+48, testutil.ToFloat64(PointerArrayBytesStaged))
	})

	t.Run("KernelLaunches", func(t *testing.T) {
		KernelLaunches.WithLabelValues("host", "strsm_batched").Inc()
		assert.GreaterOrEqual(t, testutil.ToFloat64(KernelLaunches.WithLabelValues("host", "strsm_batched")), float64(1))
	})
}

func TestDeviceMetrics(t *testing.T) {
	DeviceMemoryUsedBytes.WithLabelValues("host", "0").Set(1073741824) // 1GB
	assert.Equal(t, float64(1073741824), testutil.ToFloat64(DeviceMemoryUsedBytes.WithLabelValues("host", "0")))

	before := testutil.ToFloat64(DeviceOperations.WithLabelValues("none", "set_device", "unavailable"))
	DeviceOperations.WithLabelValues("none", "set_device", "unavailable").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DeviceOperations.WithLabelValues("none", "set_device", "unavailable")))
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/test")

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/test", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/test", "418")))
	// One latency series per endpoint label.
	assert.GreaterOrEqual(t, testutil.CollectAndCount(EndpointDuration, "endpoint_request_duration_seconds"), 1)
}

func TestMiddleware_DefaultStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), "/implicit")

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/implicit", "200"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/implicit", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/implicit", "200")))
}
