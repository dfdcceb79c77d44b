package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Reading ingress
	ReadingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_readings_received_total",
			Help: "Total number of sensor readings received",
		},
		[]string{"source", "status"}, // status: accepted, rejected
	)

	ReadingValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_reading_validation_errors_total",
			Help: "Total number of rejected readings by field",
		},
		[]string{"field"},
	)

	// Trigger engine
	ReadingsEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_readings_evaluated_total",
			Help: "Total number of readings evaluated against active conditions",
		},
	)

	TriggerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_trigger_fires_total",
			Help: "Total number of condition fires",
		},
		[]string{"parameter", "severity"},
	)

	TriggerSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_trigger_suppressed_total",
			Help: "Total number of fires suppressed by cool-down",
		},
		[]string{"reason"}, // active_alert, window, lease
	)

	// Alert lifecycle and dispatch
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_alert_transitions_total",
			Help: "Total number of alert lifecycle transitions",
		},
		[]string{"to"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dispatch_total",
			Help: "Total number of dispatch batches by aggregate status",
		},
		[]string{"status"}, // full, partial, failed
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_total",
			Help: "Total number of channel deliveries by outcome",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryReach = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_delivery_reach_total",
			Help: "Audience reached by sent deliveries",
		},
		[]string{"channel"},
	)

	ChannelSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_channel_send_duration_seconds",
			Help:    "Time taken by a channel adapter to resolve a send",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_worker_queue_size",
			Help: "Current size of the reading queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_worker_queue_capacity",
			Help: "Capacity of the reading queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_worker_processed_total",
			Help: "Total number of readings processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_worker_failed_total",
			Help: "Total number of readings that failed in workers",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_kafka_publish_total",
			Help: "Total number of audit records published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_audit_queue_depth",
			Help: "Audit records waiting to be published",
		},
	)

	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_audit_dropped_total",
			Help: "Total number of audit records dropped because the queue was full",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
