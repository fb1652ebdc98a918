package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Outbox processor
	outboxPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_published_total",
			Help: "Total number of outbox messages published to the transport.",
		},
	)
	outboxPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbox_publish_failures_total",
			Help: "Total number of failed publish attempts.",
		},
		[]string{"kind"},
	)
	outboxDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_dead_lettered_total",
			Help: "Total number of outbox messages moved to the dead-letter store.",
		},
	)
	outboxReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_replayed_total",
			Help: "Total number of dead-letter messages replayed as fresh outbox messages.",
		},
	)
	outboxReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_reclaimed_total",
			Help: "Total number of expired claims taken over from a stalled or crashed instance.",
		},
	)
	cycleFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_cycle_failures_total",
			Help: "Total number of processor cycles aborted because the store was unavailable.",
		},
	)
	pendingBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_outbox_pending_backlog",
			Help: "Current number of pending and claimed outbox messages.",
		},
	)
	deadLetterBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_dead_letter_backlog",
			Help: "Current number of parked dead-letter messages.",
		},
	)
	publishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_publish_duration_seconds",
			Help:    "Duration of individual transport publish calls.",
			Buckets: prometheus.DefBuckets,
		},
	)
	deliveryLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_lag_seconds",
			Help:    "Time between outbox write and successful publish.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_cycle_duration_seconds",
			Help:    "Duration of one claim-and-publish processor cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Inbox dispatcher
	inboxProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_inbox_processed_total",
			Help: "Total number of inbound messages successfully dispatched.",
		},
	)
	inboxDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_inbox_duplicates_total",
			Help: "Total number of inbound messages dropped as already processed.",
		},
	)
	inboxFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_inbox_failures_total",
			Help: "Total number of inbound dispatches that rolled back.",
		},
	)
)

var registerOnce sync.Once

// Register installs all relay collectors into the default registry.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			outboxPublished,
			outboxPublishFailures,
			outboxDeadLettered,
			outboxReplayed,
			outboxReclaimed,
			cycleFailures,
			pendingBacklog,
			deadLetterBacklog,
			publishDuration,
			deliveryLag,
			cycleDuration,
			inboxProcessed,
			inboxDuplicates,
			inboxFailures,
		)
	})
}

func IncPublished()                  { outboxPublished.Inc() }
func IncPublishFailure(kind string)  { outboxPublishFailures.WithLabelValues(kind).Inc() }
func IncDeadLettered()               { outboxDeadLettered.Inc() }
func AddReplayed(n int)              { outboxReplayed.Add(float64(n)) }
func AddReclaimed(n int)             { outboxReclaimed.Add(float64(n)) }
func IncCycleFailure()               { cycleFailures.Inc() }
func SetPendingBacklog(n int64)      { pendingBacklog.Set(float64(n)) }
func SetDeadLetterBacklog(n int64)   { deadLetterBacklog.Set(float64(n)) }
func ObservePublish(d time.Duration) { publishDuration.Observe(d.Seconds()) }
func ObserveDeliveryLag(d time.Duration) {
	if d > 0 {
		deliveryLag.Observe(d.Seconds())
	}
}
func ObserveCycle(d time.Duration) { cycleDuration.Observe(d.Seconds()) }
func IncInboxProcessed()           { inboxProcessed.Inc() }
func IncInboxDuplicate()           { inboxDuplicates.Inc() }
func IncInboxFailure()             { inboxFailures.Inc() }
