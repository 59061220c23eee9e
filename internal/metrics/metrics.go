package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_request_duration_seconds",
		Help:    "Time spent serving endpoint requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Device Session Metrics
	DeviceOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_operations_total",
		Help: "Device session calls by backend, operation and result",
	}, []string{"backend", "op", "result"})

	DeviceMemoryUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_used_bytes",
		Help: "Device memory currently allocated in bytes",
	}, []string{"backend", "device"})

	// Batch Dispatch Metrics
	BatchDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blas_batch_dispatches_total",
		Help: "Batched routine calls by routine, precision and execution path",
	}, []string{"routine", "precision", "path"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blas_batch_size",
		Help:    "Number of operations per batched call",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1 to 16384
	})

	PointerArrayBytesStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blas_pointer_array_bytes_staged_total",
		Help: "Bytes of pointer arrays copied into queue scratch buffers",
	})

	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blas_kernel_launches_total",
		Help: "Vendor kernel launches by vendor and symbol",
	}, []string{"vendor", "symbol"})

	SelftestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devblas_selftest_duration_ms",
		Help:    "Duration of a dispatch self-test in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~32s
	})

	SelftestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devblas_selftest_failures_total",
		Help: "Number of failed dispatch self-tests",
	})
)
