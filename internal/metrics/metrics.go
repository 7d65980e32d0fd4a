package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liverelay_events_published_total",
		Help: "Total number of events published to the broker by tenant and kind.",
	}, []string{"tenant", "kind"})
	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liverelay_publish_errors_total",
		Help: "Total number of failed broker publishes.",
	})
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liverelay_events_consumed_total",
		Help: "Total number of events consumed from the broker by kind.",
	}, []string{"kind"})
	RulesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liverelay_rules_matched_total",
		Help: "Total number of rule matches.",
	})
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liverelay_actions_total",
		Help: "Total number of rule actions executed by type and outcome.",
	}, []string{"type", "outcome"})
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "liverelay_execution_duration_seconds",
		Help:    "Duration of rule action execution.",
		Buckets: prometheus.DefBuckets,
	})
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liverelay_commands_total",
		Help: "Total number of device commands by lifecycle status.",
	}, []string{"status"})
	AgentsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "liverelay_agents_connected",
		Help: "Currently connected channel peers by kind (device or client).",
	}, []string{"kind"})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liverelay_active_sessions",
		Help: "Number of livestream session workers currently running.",
	})
	GiftsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liverelay_gifts_forwarded_total",
		Help: "Total number of gift events forwarded as device commands over MQTT.",
	})
)
