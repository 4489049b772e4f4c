// Package metrics provides Prometheus collectors for the audit log.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skylog/skylog/internal/audit"
)

// Metrics names as constants for consistency.
const (
	MetricRecordsTotal      = "skylog_records_total"
	MetricWriteErrorsTotal  = "skylog_write_errors_total"
	MetricLastAppendSeconds = "skylog_chain_last_append_timestamp_seconds"
	MetricIngestTotal       = "skylog_ingest_requests_total"
	MetricIngestDuration    = "skylog_ingest_duration_seconds"
)

// Ingest outcomes for labeling.
const (
	OutcomeAccepted = "accepted"
	OutcomeFiltered = "filtered"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics contains the Prometheus collectors of a running logger.
// All operations are thread-safe.
//
// Metrics implements audit.Observer; pass it to audit.Open to count
// every append.
type Metrics struct {
	recordsTotal   *prometheus.CounterVec
	writeErrors    *prometheus.CounterVec
	lastAppend     *prometheus.GaugeVec
	ingestTotal    *prometheus.CounterVec
	ingestDuration prometheus.Histogram
}

var _ audit.Observer = (*Metrics)(nil)

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRecordsTotal,
				Help: "Total number of signed records appended, by chain and level",
			},
			[]string{"chain", "level"},
		),
		writeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWriteErrorsTotal,
				Help: "Total number of failed sink appends, by chain",
			},
			[]string{"chain"},
		),
		lastAppend: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricLastAppendSeconds,
				Help: "Unix time of the last record appended to each chain",
			},
			[]string{"chain"},
		),
		ingestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIngestTotal,
				Help: "Total number of HTTP ingestion requests, by outcome",
			},
			[]string{"outcome"},
		),
		ingestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricIngestDuration,
				Help:    "Histogram of HTTP ingestion latency in seconds, signing and sink sync included",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.recordsTotal,
		m.writeErrors,
		m.lastAppend,
		m.ingestTotal,
		m.ingestDuration,
	}
}

// RecordAppended implements audit.Observer.
func (m *Metrics) RecordAppended(chain string, _ int, rec audit.Record) {
	m.recordsTotal.WithLabelValues(chain, rec.Level).Inc()
	if t, err := rec.Time(); err == nil {
		m.lastAppend.WithLabelValues(chain).Set(float64(t.UnixNano()) / 1e9)
	}
}

// AppendFailed implements audit.Observer.
func (m *Metrics) AppendFailed(chain string, _ error) {
	m.writeErrors.WithLabelValues(chain).Inc()
}

// ObserveIngest records one ingestion request.
func (m *Metrics) ObserveIngest(outcome string, d time.Duration) {
	m.ingestTotal.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(d.Seconds())
}
