package loader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the loader. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	loadsTotal      *prometheus.CounterVec
	loadDuration    prometheus.Histogram
	activeEntities  prometheus.Gauge
	activeRels      prometheus.Gauge
	activeLoadedAt  prometheus.Gauge
	assetsPublished prometheus.Counter
	assetsMissing   prometheus.Counter
	assetsPruned    prometheus.Counter
	state           *prometheus.GaugeVec
}

// NewMetrics creates and registers the loader metrics. A nil registerer
// disables metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		loadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kgserve_bundle_loads_total",
				Help: "Bundle load attempts by outcome (loaded, skipped, failed) and error kind",
			},
			[]string{"outcome", "kind"},
		),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kgserve_bundle_load_duration_seconds",
			Help:    "Wall time of bundle load attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		activeEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kgserve_active_bundle_entities",
			Help: "Entities in the active bundle",
		}),
		activeRels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kgserve_active_bundle_relationships",
			Help: "Relationships in the active bundle",
		}),
		activeLoadedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kgserve_active_bundle_loaded_timestamp_seconds",
			Help: "Unix time the active bundle was materialized",
		}),
		assetsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kgserve_document_assets_published_total",
			Help: "Document assets copied into the docs directory",
		}),
		assetsMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kgserve_document_assets_missing_total",
			Help: "Listed document assets absent from the bundle",
		}),
		assetsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kgserve_document_assets_pruned_total",
			Help: "Stale document assets removed after a bundle replacement",
		}),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kgserve_loader_state",
				Help: "1 for the loader's current state, 0 otherwise",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		m.loadsTotal,
		m.loadDuration,
		m.activeEntities,
		m.activeRels,
		m.activeLoadedAt,
		m.assetsPublished,
		m.assetsMissing,
		m.assetsPruned,
		m.state,
	)
	return m
}

func (m *Metrics) observeLoad(outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.loadsTotal.WithLabelValues(outcome, kind).Inc()
	m.loadDuration.Observe(d.Seconds())
}

func (m *Metrics) setActive(entities, relationships int, loadedAt time.Time) {
	if m == nil {
		return
	}
	m.activeEntities.Set(float64(entities))
	m.activeRels.Set(float64(relationships))
	m.activeLoadedAt.Set(float64(loadedAt.Unix()))
}

func (m *Metrics) observeAssets(published, missing int) {
	if m == nil {
		return
	}
	m.assetsPublished.Add(float64(published))
	m.assetsMissing.Add(float64(missing))
}

func (m *Metrics) observePruned(n int) {
	if m == nil {
		return
	}
	m.assetsPruned.Add(float64(n))
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}
