// Package metrics exposes Prometheus collectors for the blob-property cache.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "psgcache"

// Fetch outcomes.
const (
	OutcomeHit       = "hit"
	OutcomeMiss      = "miss"
	OutcomeUnopened  = "unopened"
	OutcomeScanError = "scan_error"
)

// Skip reasons for records dropped during a scan.
const (
	SkipKeyLength = "key_length"
	SkipValue     = "value"
)

// Metrics groups the cache collectors.
type Metrics struct {
	fetches    *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	satellites prometheus.Gauge
	records    *prometheus.GaugeVec
	frontCache *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Blob property fetches by mode and outcome.",
		}, []string{"mode", "outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_records_total",
			Help:      "Stored records skipped during a fetch because they failed to decode.",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent in a single fetch.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"mode"}),
		satellites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_satellites",
			Help:      "Number of satellites with an open handle.",
		}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "satellite_records",
			Help:      "Stored records per open satellite, as of the last stats pass.",
		}, []string{"sat"}),
		frontCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "front_cache_lookups_total",
			Help:      "Lookups against the in-memory result cache.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.skipped, m.latency, m.satellites, m.records, m.frontCache)
	}
	return m
}

// ObserveFetch records one completed fetch.
func (m *Metrics) ObserveFetch(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(mode, outcome).Inc()
	m.latency.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordSkip counts one skipped record.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// SetSatellites sets the open satellite gauge.
func (m *Metrics) SetSatellites(n int) {
	if m == nil {
		return
	}
	m.satellites.Set(float64(n))
}

// SetSatelliteRecords sets the record count gauge for one satellite.
func (m *Metrics) SetSatelliteRecords(sat, n int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(strconv.Itoa(sat)).Set(float64(n))
}

// RecordFrontCache counts a result-cache lookup.
func (m *Metrics) RecordFrontCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.frontCache.WithLabelValues(result).Inc()
}
