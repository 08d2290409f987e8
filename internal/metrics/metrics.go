// Package metrics holds the Prometheus instruments for the update pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Fetch outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
	OutcomeStore    = "store_error"
)

// Metrics bundles the collectors registered on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	FetchAttempts  *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	QuotaRemaining *prometheus.GaugeVec
	ReadyItems     *prometheus.GaugeVec
	DailyDelta     prometheus.Gauge
	DailyTotal     prometheus.Gauge
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ambdash",
			Name:      "fetch_attempts_total",
			Help:      "External metric fetch attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ambdash",
			Name:      "update_batches_total",
			Help:      "Update batches run, labelled by whether quota ran out before the ready list.",
		}, []string{"platform", "quota_exhausted"}),
		QuotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ambdash",
			Name:      "quota_remaining",
			Help:      "Remaining external API calls this month.",
		}, []string{"scope"}),
		ReadyItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ambdash",
			Name:      "ready_items",
			Help:      "Items waiting for their final metric refresh.",
		}, []string{"platform"}),
		DailyDelta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ambdash",
			Name:      "daily_impressions_delta",
			Help:      "Impressions gained today relative to the previous snapshot.",
		}),
		DailyTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ambdash",
			Name:      "impressions_total",
			Help:      "Cumulative impressions across tracked items at the last snapshot.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FetchAttempts,
		m.Batches,
		m.QuotaRemaining,
		m.ReadyItems,
		m.DailyDelta,
		m.DailyTotal,
	)
	return m
}
