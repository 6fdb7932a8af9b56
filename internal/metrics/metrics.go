// Package metrics provides Prometheus metrics for DuskDB
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a single DuskDB instance. Each
// instance owns its own registry so that opening more than one database
// in the same process (as the test suite does) never collides on a
// shared default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	// Commit/abort metrics
	CommitsTotal    *prometheus.CounterVec // by strategy
	AbortsTotal     prometheus.Counter
	CommitDuration  *prometheus.HistogramVec // by strategy
	ChecksumFailures prometheus.Counter

	// Page management metrics
	PageAllocationsTotal prometheus.Counter
	PageFreesTotal       prometheus.Counter
	PageReusesTotal      prometheus.Counter

	// Database gauges
	DbSizeBytes          prometheus.Gauge
	LiveReaders          prometheus.Gauge
	OldestReaderLag      prometheus.Gauge

	StartTime time.Time
}

// NewMetrics creates and registers all Prometheus metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	m := &Metrics{
		Registry:  reg,
		StartTime: time.Now(),
	}

	m.CommitsTotal = fac.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duskdb_commits_total",
			Help: "Total number of successful write-transaction commits, by commit strategy",
		},
		[]string{"strategy"},
	)

	m.AbortsTotal = fac.NewCounter(
		prometheus.CounterOpts{
			Name: "duskdb_aborts_total",
			Help: "Total number of write transactions dropped without commit",
		},
	)

	m.CommitDuration = fac.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duskdb_commit_duration_seconds",
			Help:    "Duration of write-transaction commits in seconds, by commit strategy",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"strategy"},
	)

	m.ChecksumFailures = fac.NewCounter(
		prometheus.CounterOpts{
			Name: "duskdb_checksum_failures_total",
			Help: "Total number of page checksum validation failures",
		},
	)

	m.PageAllocationsTotal = fac.NewCounter(
		prometheus.CounterOpts{
			Name: "duskdb_page_allocations_total",
			Help: "Total number of fresh page allocations",
		},
	)

	m.PageFreesTotal = fac.NewCounter(
		prometheus.CounterOpts{
			Name: "duskdb_page_frees_total",
			Help: "Total number of pages handed to the free-page tracker",
		},
	)

	m.PageReusesTotal = fac.NewCounter(
		prometheus.CounterOpts{
			Name: "duskdb_page_reuses_total",
			Help: "Total number of allocations satisfied by reusing a freed page",
		},
	)

	m.DbSizeBytes = fac.NewGauge(
		prometheus.GaugeOpts{
			Name: "duskdb_size_bytes",
			Help: "Current database file size in bytes",
		},
	)

	m.LiveReaders = fac.NewGauge(
		prometheus.GaugeOpts{
			Name: "duskdb_live_readers",
			Help: "Number of reader snapshots currently held open",
		},
	)

	m.OldestReaderLag = fac.NewGauge(
		prometheus.GaugeOpts{
			Name: "duskdb_oldest_reader_lag",
			Help: "Difference between the current transaction id and the oldest live reader's snapshot id",
		},
	)

	return m
}

// RecordCommit records a committed write transaction.
func (m *Metrics) RecordCommit(strategy string, dur time.Duration) {
	m.CommitsTotal.WithLabelValues(strategy).Inc()
	m.CommitDuration.WithLabelValues(strategy).Observe(dur.Seconds())
}

// RecordAbort records a write transaction dropped without commit.
func (m *Metrics) RecordAbort() {
	m.AbortsTotal.Inc()
}

// UpdateReaderStats refreshes the reader-snapshot gauges.
func (m *Metrics) UpdateReaderStats(liveReaders int, oldestLag uint64) {
	m.LiveReaders.Set(float64(liveReaders))
	m.OldestReaderLag.Set(float64(oldestLag))
}
