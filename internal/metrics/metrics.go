// Package metrics holds the Prometheus collectors for graph composition and
// data-clump detection. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	batches          *prometheus.CounterVec
	batchRetries     *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	entities         *prometheus.CounterVec
	relationships    *prometheus.CounterVec
	transactions     prometheus.Counter
	findings         prometheus.Counter
	itemsetsRejected prometheus.Counter
	itemsFailed      prometheus.Counter
	mineDuration     prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing a fresh prometheus.Registry
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cskg_compose_batches_total",
			Help: "Composer batches committed, by phase and kind",
		}, []string{"phase", "kind"}),
		batchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cskg_compose_batch_retries_total",
			Help: "Composer batch retries after a transient store error",
		}, []string{"phase"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cskg_compose_batch_duration_seconds",
			Help:    "Duration of a committed composer batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"phase"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cskg_compose_entities_total",
			Help: "Entities processed by the composer, by result",
		}, []string{"result"}),
		relationships: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cskg_compose_relationships_total",
			Help: "Relationships processed by the composer, by result",
		}, []string{"result"}),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cskg_detect_transactions_total",
			Help: "Function transactions inserted into the FP-tree",
		}),
		findings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cskg_detect_findings_total",
			Help: "Data clump findings emitted",
		}),
		itemsetsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cskg_detect_itemsets_rejected_total",
			Help: "Candidate itemsets rejected for insufficient support",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cskg_detect_items_failed_total",
			Help: "Items whose mining was aborted after retries",
		}),
		mineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cskg_detect_item_duration_seconds",
			Help:    "Duration of mining one conditioned item",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.batches, m.batchRetries, m.batchDuration, m.entities, m.relationships,
		m.transactions, m.findings, m.itemsetsRejected, m.itemsFailed, m.mineDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) BatchCommitted(phase, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(phase, kind).Inc()
	m.batchDuration.WithLabelValues(phase).Observe(seconds)
}

func (m *Metrics) BatchRetried(phase string) {
	if m == nil {
		return
	}
	m.batchRetries.WithLabelValues(phase).Inc()
}

// EntitiesWritten records created and merged entity counts.
func (m *Metrics) EntitiesWritten(created, merged int) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues("created").Add(float64(created))
	m.entities.WithLabelValues("merged").Add(float64(merged))
}

func (m *Metrics) RelationshipsWritten(created, merged, skipped int) {
	if m == nil {
		return
	}
	m.relationships.WithLabelValues("created").Add(float64(created))
	m.relationships.WithLabelValues("merged").Add(float64(merged))
	m.relationships.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) TransactionInserted() {
	if m == nil {
		return
	}
	m.transactions.Inc()
}

// ItemMined records the outcome of mining one conditioned item.
func (m *Metrics) ItemMined(findings, rejected int, seconds float64) {
	if m == nil {
		return
	}
	m.findings.Add(float64(findings))
	m.itemsetsRejected.Add(float64(rejected))
	m.mineDuration.Observe(seconds)
}

func (m *Metrics) ItemFailed() {
	if m == nil {
		return
	}
	m.itemsFailed.Inc()
}
