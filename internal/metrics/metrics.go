// Package metrics exposes the ingestion core's prometheus counters. The core
// does not run an HTTP listener; consumers scrape through whatever registry
// the embedding process exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PartitionsCommitted counts successful hour-partition commits.
	PartitionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minutelake_partitions_committed_total",
		Help: "Hour partitions committed to the lake and ledger",
	})

	// HourFailures counts hour-level ingestion failures by kind.
	HourFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minutelake_hour_failures_total",
		Help: "Hour-level ingestion failures",
	}, []string{"kind"})

	// RESTRetries counts retried REST requests.
	RESTRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minutelake_rest_retries_total",
		Help: "REST requests retried on 429/5xx",
	})

	// VisionDownloads counts daily archives downloaded.
	VisionDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minutelake_vision_downloads_total",
		Help: "Daily ZIP archives downloaded from the object store",
	})

	// BackfillRepairs counts hours repaired by the consistency backfill.
	BackfillRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minutelake_backfill_repairs_total",
		Help: "Hours repaired by the consistency backfill",
	})
)
