package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FeedEventsProcessed counts account/market updates consumed from the indexer
// stream, by kind (subaccount/market).
var FeedEventsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpwatch_feed_events_processed_total",
		Help: "Total number of indexer stream events processed",
	},
	[]string{"kind"},
)

// FeedConnected reports the state of the indexer websocket connection.
var FeedConnected = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "perpwatch_feed_connected",
		Help: "Whether the indexer websocket is connected (1) or not (0)",
	},
)

// RulesEvaluated counts rule evaluations by outcome (satisfied/not_satisfied/missing_data).
var RulesEvaluated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpwatch_rules_evaluated_total",
		Help: "Total number of alert rule evaluations by outcome",
	},
	[]string{"outcome"},
)

// AlertsFired counts persisted alerts by type and severity.
var AlertsFired = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpwatch_alerts_fired_total",
		Help: "Total number of alerts persisted",
	},
	[]string{"type", "severity"},
)

// EventProcessingLatency records per-event engine pipeline latency.
var EventProcessingLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "perpwatch_event_processing_latency_seconds",
		Help:    "Latency in seconds to run one account update through the engine",
		Buckets: prometheus.DefBuckets,
	},
)

// Notification delivery metrics
var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpwatch_dispatch_total",
			Help: "Notification delivery attempts by channel type and result",
		},
		[]string{"channel", "result"},
	)

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpwatch_dispatch_latency_seconds",
			Help:    "Latency in seconds for a single channel delivery",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
)

// WSClients reports the number of connected UI websocket clients.
var WSClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "perpwatch_ws_clients",
		Help: "Number of connected UI websocket clients",
	},
)

func init() {
	prometheus.MustRegister(FeedEventsProcessed, FeedConnected)
	prometheus.MustRegister(RulesEvaluated, AlertsFired, EventProcessingLatency)
	prometheus.MustRegister(DispatchTotal, DispatchLatency)
	prometheus.MustRegister(WSClients)
}
