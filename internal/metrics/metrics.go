// Package metrics registers the process-wide Prometheus collectors
// consumed by external alerting (§A.4/§B): DLQ depth, debounce drops,
// circuit-breaker state, and egress request latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uns_metadata_sync_dlq_depth",
		Help: "Number of pending rows in the dead-letter store.",
	})

	DebounceDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uns_metadata_sync_debounce_drops_total",
		Help: "Total number of debounce entries evicted for capacity before flush.",
	})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uns_metadata_sync_circuit_breaker_state",
		Help: "Egress circuit breaker state: 0=closed, 1=half_open, 2=open.",
	})

	EgressRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "uns_metadata_sync_egress_request_duration_seconds",
		Help:    "Latency of historian storeData requests.",
		Buckets: prometheus.DefBuckets,
	})

	EgressRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uns_metadata_sync_egress_requests_total",
		Help: "Total historian storeData requests by outcome.",
	}, []string{"outcome"})

	ReplicationLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uns_metadata_sync_replication_lag_seconds",
		Help: "Seconds between the latest committed WAL LSN and the last checkpointed LSN.",
	})

	MQTTMessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uns_metadata_sync_mqtt_messages_received_total",
		Help: "Total MQTT messages delivered to the default publish handler.",
	})

	MQTTMessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uns_metadata_sync_mqtt_messages_dropped_total",
		Help: "Total MQTT messages dropped because the ingest queue was full.",
	})

	IngestFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uns_metadata_sync_ingest_frames_total",
		Help: "Total decoded Sparkplug frames by outcome.",
	}, []string{"message_type", "outcome"})

	RebirthRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uns_metadata_sync_rebirth_requests_total",
		Help: "Total rebirth requests issued for unresolved aliases.",
	})
)

// CircuitStateValue maps a breaker state name to the gauge encoding
// used by CircuitBreakerState.
func CircuitStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
