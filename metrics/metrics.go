package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ragchat"

// Metrics groups the collectors the pipeline reports to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	IngestTotal     *prometheus.CounterVec
	IngestDuration  prometheus.Histogram
	ChunksIndexed   prometheus.Counter
	RetrievalHits   prometheus.Histogram
	ChatTotal       *prometheus.CounterVec
	ChatDuration    prometheus.Histogram
	UpstreamRetries *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Documents that finished ingestion, by final status.",
		}, []string{"status"}),
		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time from upload to READY or ERROR.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ChunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks published to the vector index.",
		}),
		RetrievalHits: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_hits",
			Help:      "Chunks returned per retrieval above the score threshold.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		ChatTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		ChatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_duration_seconds",
			Help:      "End-to-end chat turn latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		UpstreamRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried calls to model services.",
		}, []string{"service"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IngestDone(status string, seconds float64, chunks int) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(status).Inc()
	m.IngestDuration.Observe(seconds)
	m.ChunksIndexed.Add(float64(chunks))
}

func (m *Metrics) Retrieved(hits int) {
	if m == nil {
		return
	}
	m.RetrievalHits.Observe(float64(hits))
}

func (m *Metrics) ChatDone(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ChatTotal.WithLabelValues(outcome).Inc()
	m.ChatDuration.Observe(seconds)
}

func (m *Metrics) Retry(service string) {
	if m == nil {
		return
	}
	m.UpstreamRetries.WithLabelValues(service).Inc()
}
