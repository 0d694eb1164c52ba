package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics. Registered once at package load so multiple
// Pipeline instances share the same series.
var (
	metricMessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_processed_total",
		Help: "Messages fully persisted by the ingestion pipeline",
	})
	metricMessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_skipped_total",
		Help: "Messages skipped by the ingestion pipeline, by reason",
	}, []string{"reason"})
	metricMessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_failed_total",
		Help: "Messages that failed processing, by stage",
	}, []string{"stage"})
	metricTicketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_tickets_created_total",
		Help: "Tickets created from inbound mail",
	})
	metricMailboxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_mailbox_failures_total",
		Help: "Mailbox batches aborted by transport errors",
	})
	metricFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_fetch_duration_seconds",
		Help:    "Wall time of one pipeline run",
		Buckets: prometheus.DefBuckets,
	})
)
