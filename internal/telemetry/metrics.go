package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks HTTP request latency for the gateway process.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dropzone",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// DeployOperationsTotal counts deployer operations by outcome.
var DeployOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dropzone",
		Subsystem: "deployer",
		Name:      "operations_total",
		Help:      "Total number of deployer operations by kind and outcome.",
	},
	[]string{"op", "task", "outcome"},
)

// PortsInUse tracks the current size of the port allocator's in-use set.
var PortsInUse = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dropzone",
		Subsystem: "ports",
		Name:      "in_use",
		Help:      "Number of host ports currently reserved.",
	},
)

// PortAllocationFailuresTotal counts OutOfPorts errors from the allocator.
var PortAllocationFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dropzone",
		Subsystem: "ports",
		Name:      "allocation_failures_total",
		Help:      "Total number of reserve() calls that failed with OutOfPorts.",
	},
)

// ReaperSweepsTotal counts reaper loop iterations.
var ReaperSweepsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dropzone",
		Subsystem: "reaper",
		Name:      "sweeps_total",
		Help:      "Total number of reaper sweep iterations.",
	},
)

// ReaperInstancesStoppedTotal counts instances the reaper has stopped.
var ReaperInstancesStoppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dropzone",
		Subsystem: "reaper",
		Name:      "instances_stopped_total",
		Help:      "Total number of expired instances stopped by the reaper, by outcome.",
	},
	[]string{"outcome"},
)

// OpsNotificationsTotal counts ops notifications sent by type.
var OpsNotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dropzone",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total number of operational notifications sent, by type.",
	},
	[]string{"type"},
)

// All returns the service-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DeployOperationsTotal,
		PortsInUse,
		PortAllocationFailuresTotal,
		ReaperSweepsTotal,
		ReaperInstancesStoppedTotal,
		OpsNotificationsTotal,
	}
}
