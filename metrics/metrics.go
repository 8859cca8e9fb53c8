// Package metrics holds the Prometheus collectors shared by the ingestion
// components. They register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "newsfunnel"

var (
	// SessionState is 1 for the state an account's session is currently in.
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "Current lifecycle state per account session",
	}, []string{"account", "state"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Scheduled reconnection attempts",
	}, []string{"account"})

	Unmonitored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmonitored_accounts_total",
		Help:      "Sessions that gave up after exhausting reconnection attempts",
	})

	FetchedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetched_messages_total",
		Help:      "Messages fetched from mail servers",
	})

	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_errors_total",
		Help:      "Failed fetches; the notification is dropped",
	})

	// Ingested counts pipeline results: stored, duplicate, rejected, invalid,
	// not_newsletter, failed.
	Ingested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingested_messages_total",
		Help:      "Messages by ingestion outcome",
	}, []string{"outcome"})

	ExtractionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extraction_attempts_total",
		Help:      "Calls made to the analysis service for metadata",
	})

	Extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extractions_total",
		Help:      "Metadata extraction results",
	}, []string{"outcome"})

	AnalysisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_request_seconds",
		Help:      "Analysis service round trip time",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
	})
)

var states = []string{"connecting", "ready", "monitoring", "erroring", "closed"}

// SetSessionState marks state as current for account and clears the others.
func SetSessionState(account, state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(account, s).Set(v)
	}
}

// ForgetSession drops the series of a removed account.
func ForgetSession(account string) {
	for _, s := range states {
		SessionState.DeleteLabelValues(account, s)
	}
	Reconnects.DeleteLabelValues(account)
}
