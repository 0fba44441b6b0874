package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	PagesFetched     *prometheus.CounterVec
	RecordsPersisted *prometheus.CounterVec
	SyncRuns         *prometheus.CounterVec
	ProviderRequest  *prometheus.HistogramVec
	TokenRefresh     *prometheus.CounterVec
	AccountsUpserted *prometheus.CounterVec
	LinksUpserted    *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		PagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_pages_fetched_total",
			Help: "Provider pages fetched by sync runs.",
		}, []string{"provider", "object"}),
		RecordsPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_records_persisted_total",
			Help: "Raw records written to staging.",
		}, []string{"provider", "object"}),
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_runs_total",
			Help: "Sync invocations by outcome.",
		}, []string{"provider", "status"}),
		ProviderRequest: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmsync_provider_request_duration_seconds",
			Help:    "Latency of provider API calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		TokenRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_token_refresh_total",
			Help: "OAuth refresh grants by outcome.",
		}, []string{"provider", "status"}),
		AccountsUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_etl_accounts_upserted_total",
			Help: "Canonical accounts written by the ETL.",
		}, []string{"provider"}),
		LinksUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_etl_links_total",
			Help: "External links written by the ETL.",
		}, []string{"provider"}),
	}
}
