// Package metrics defines the Prometheus instruments exported by the engine.
// They register on the default registry at init; serve them with
// promhttp.Handler if wanted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KernelExecutions counts kernel invocations by kernel name.
	KernelExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotensor_kernel_executions_total",
		Help: "Number of kernel executions, by kernel name.",
	}, []string{"kernel"})

	// KernelDuration observes per-kernel execution time. Only populated in
	// debug or profiling mode, where kernels are timed.
	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gotensor_kernel_duration_seconds",
		Help:    "Kernel execution time in seconds, by kernel name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	// LiveTensors gauges the number of live tensors tracked by the engine.
	LiveTensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gotensor_live_tensors",
		Help: "Number of live tensors tracked by the engine.",
	})

	// LiveBytes gauges the bytes of backend buffer storage tracked by the
	// engine.
	LiveBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gotensor_live_bytes",
		Help: "Bytes of backend buffer storage tracked by the engine.",
	})

	// DataMoves counts cross-backend data moves.
	DataMoves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gotensor_data_moves_total",
		Help: "Number of cross-backend data moves.",
	})
)
