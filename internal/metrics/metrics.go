// Package metrics holds the Prometheus collectors shared by the chat server components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently connected clients",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total inbound lines processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	InFlightOps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_io_inflight_operations",
		Help: "Pending read/write operations owned by the event engine",
	})

	CompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_io_completions_total",
		Help: "Completed I/O operations by kind and result",
	}, []string{"op", "result"})

	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_worker_queue_depth",
		Help: "Tasks waiting in the worker pool queue",
	})

	WorkerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_worker_panics_total",
		Help: "Tasks that panicked inside the worker pool",
	})

	AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_admission_rejections_total",
		Help: "Rejected connections and messages by reason",
	}, []string{"reason"})

	LogRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_log_rotations_total",
		Help: "Number of message log file rotations",
	})

	LogBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_log_bytes_written_total",
		Help: "Bytes appended to the persisted message log",
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(InFlightOps)
	prometheus.MustRegister(CompletionsTotal)
	prometheus.MustRegister(WorkerQueueDepth)
	prometheus.MustRegister(WorkerPanics)
	prometheus.MustRegister(AdmissionRejections)
	prometheus.MustRegister(LogRotations)
	prometheus.MustRegister(LogBytesWritten)
}
