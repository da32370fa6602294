package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klyr/bastion/internal/logging"
)

type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	blocksTotal        *prometheus.CounterVec
	ruleMatchesTotal   *prometheus.CounterVec
	ratelimitHitsTotal *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	ruleReloadsTotal   *prometheus.CounterVec
	rulesLoaded        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bastion_requests_total", Help: "Total requests"},
			[]string{"route", "mode", "action", "code"},
		),
		blocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bastion_blocks_total", Help: "Total blocked requests"},
			[]string{"route", "rule_id", "reason"},
		),
		ruleMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bastion_rule_matches_total", Help: "Total rule matches"},
			[]string{"rule_id", "type", "phase"},
		),
		ratelimitHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bastion_ratelimit_hits_total", Help: "Total rate limit hits"},
			[]string{"route"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bastion_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ruleReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bastion_rule_reloads_total", Help: "Rule set reload attempts"},
			[]string{"result"},
		),
		rulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "bastion_rules_loaded", Help: "Rules in the active rule set"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.requestsTotal,
		m.blocksTotal,
		m.ruleMatchesTotal,
		m.ratelimitHitsTotal,
		m.requestDuration,
		m.ruleReloadsTotal,
		m.rulesLoaded,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observe records one finished request.
func (m *Metrics) Observe(decision logging.Decision) {
	if m == nil {
		return
	}

	route := decision.RouteID
	m.requestsTotal.WithLabelValues(route, decision.Mode, decision.Action, strconv.Itoa(decision.StatusCode)).Inc()
	m.requestDuration.WithLabelValues(route).Observe((time.Duration(decision.DurationMS) * time.Millisecond).Seconds())

	switch {
	case decision.RateLimited:
		m.ratelimitHitsTotal.WithLabelValues(route).Inc()
		m.blocksTotal.WithLabelValues(route, "", "rate_limit").Inc()
	case decision.Action == "block":
		m.blocksTotal.WithLabelValues(route, decision.BlockedBy, "rule").Inc()
	}

	for _, match := range decision.MatchedRules {
		typ := match.Tags["type"]
		if typ == "" {
			typ = "none"
		}
		m.ruleMatchesTotal.WithLabelValues(match.ID, typ, match.Phase).Inc()
	}
}

// ObserveReload records a rule set reload attempt and, on success, the
// size of the new rule set.
func (m *Metrics) ObserveReload(rules int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ruleReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	m.ruleReloadsTotal.WithLabelValues("ok").Inc()
	m.rulesLoaded.Set(float64(rules))
}
