package observability

import (
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quietfield/mtrec/internal/ports"
)

// Metric names used throughout the recorder. Per-source metrics carry a
// "source" label; process-wide ones use the empty label value.
const (
	MetricSamplesRecorded     = "mtrec_samples_recorded_total"
	MetricSequenceMissing     = "mtrec_sequence_missing_total"
	MetricSequenceResets      = "mtrec_sequence_resets_total"
	MetricFetchFailures       = "mtrec_fetch_failures_total"
	MetricDuplicatesSkipped   = "mtrec_duplicates_skipped_total"
	MetricStoreErrors         = "mtrec_store_errors_total"
	MetricArchiveDropped      = "mtrec_archive_dropped_total"
	MetricArchiveWritten      = "mtrec_archive_written_total"
	MetricLastSequence        = "mtrec_last_sequence"
	MetricConsecutiveFailures = "mtrec_consecutive_failures"
	MetricArchiveQueueLength  = "mtrec_archive_queue_length"
	MetricFetchLatency        = "mtrec_fetch_latency_seconds"
	MetricArchiveLatency      = "mtrec_archive_write_latency_seconds"
)

type PromObs struct {
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the recorder's metrics on the default registry.
func NewPromObs() *PromObs {
	return New(prometheus.DefaultRegisterer)
}

// New registers on an explicit registry, for embedding and tests.
func New(reg prometheus.Registerer) *PromObs {
	counter := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{"source"})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"source"})
		reg.MustRegister(g)
		return g
	}

	fetchLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricFetchLatency,
		Help:    "Duration of one endpoint fetch.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	archiveLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricArchiveLatency,
		Help:    "Duration of one archive batch insert.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	reg.MustRegister(fetchLatency, archiveLatency)

	return &PromObs{
		counters: map[string]*prometheus.CounterVec{
			MetricSamplesRecorded:   counter(MetricSamplesRecorded, "Samples persisted to the partition store."),
			MetricSequenceMissing:   counter(MetricSequenceMissing, "Sequence numbers lost to gaps."),
			MetricSequenceResets:    counter(MetricSequenceResets, "Non-monotonic sequence events (endpoint restarts or reordering)."),
			MetricFetchFailures:     counter(MetricFetchFailures, "Failed endpoint fetches (timeouts, refused connections, malformed payloads)."),
			MetricDuplicatesSkipped: counter(MetricDuplicatesSkipped, "Polls whose document carried an unchanged sequence."),
			MetricStoreErrors:       counter(MetricStoreErrors, "Failed partition appends."),
			MetricArchiveDropped:    counter(MetricArchiveDropped, "Samples shed by archive queue backpressure."),
			MetricArchiveWritten:    counter(MetricArchiveWritten, "Samples mirrored into the archive sink."),
		},
		gauges: map[string]*prometheus.GaugeVec{
			MetricLastSequence:        gauge(MetricLastSequence, "Most recent sequence number per source."),
			MetricConsecutiveFailures: gauge(MetricConsecutiveFailures, "Consecutive fetch failures per source."),
			MetricArchiveQueueLength:  gauge(MetricArchiveQueueLength, "Samples buffered for the archive sink."),
		},
		histos: map[string]prometheus.Observer{
			MetricFetchLatency:   fetchLatency,
			MetricArchiveLatency: archiveLatency,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	log.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("CRITICAL: %s: %v%s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) IncCounter(name, source string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.WithLabelValues(source).Add(v)
	}
}

func (p *PromObs) SetGauge(name, source string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.WithLabelValues(source).Set(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

var _ ports.Observability = (*PromObs)(nil)
