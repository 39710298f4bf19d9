// Package metrics exposes the broker's operational state via
// prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every counter/gauge/histogram the dispatcher updates. A nil
// *Metrics is valid everywhere it's used (see the helper methods below) so
// wiring metrics is optional for callers that don't need them, e.g. tests.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	CostTotal       *prometheus.CounterVec
	AccountHealthy  *prometheus.GaugeVec
}

// New registers the broker's metrics with reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegate_broker_requests_total",
			Help: "Completed client requests by outcome.",
		}, []string{"outcome"}),

		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegate_broker_account_attempts_total",
			Help: "Upstream attempts per account, by result.",
		}, []string{"account", "provider", "result"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codegate_broker_request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegate_broker_tokens_total",
			Help: "Tokens processed by axis (input/output/cache_read/cache_write).",
		}, []string{"axis"}),

		CostTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegate_broker_cost_usd_total",
			Help: "Estimated upstream cost in USD.",
		}, []string{"model"}),

		AccountHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codegate_broker_account_healthy",
			Help: "1 if the account is currently eligible for selection, 0 otherwise.",
		}, []string{"account", "provider"}),
	}
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAttempt(accountName, provider, result string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(accountName, provider, result).Inc()
}

func (m *Metrics) ObserveDuration(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(provider).Observe(seconds)
}

func (m *Metrics) ObserveTokens(input, output, cacheRead, cacheWrite int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input").Add(float64(input))
	m.TokensTotal.WithLabelValues("output").Add(float64(output))
	m.TokensTotal.WithLabelValues("cache_read").Add(float64(cacheRead))
	m.TokensTotal.WithLabelValues("cache_write").Add(float64(cacheWrite))
}

func (m *Metrics) ObserveCost(model string, usd float64) {
	if m == nil {
		return
	}
	m.CostTotal.WithLabelValues(model).Add(usd)
}

func (m *Metrics) SetAccountHealthy(accountName, provider string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.AccountHealthy.WithLabelValues(accountName, provider).Set(v)
}
