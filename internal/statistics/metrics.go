package statistics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	requests      *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	inspections   prometheus.Counter
	reloads       prometheus.Counter
	warnings      prometheus.Counter
	rules         prometheus.Gauge
	elevated      prometheus.Gauge
	probeFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqhdr_requests_total",
			Help: "Requests seen by the header engine, by outcome",
		}, []string{"result"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqhdr_match_cache_lookups_total",
			Help: "Domain match cache lookups, by result",
		}, []string{"result"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqhdr_header_mutations_total",
			Help: "Header mutations applied, by operation",
		}, []string{"op"}),
		inspections: f.NewCounter(prometheus.CounterOpts{
			Name: "reqhdr_inspections_total",
			Help: "Self-initiated requests routed to the inspector",
		}),
		reloads: f.NewCounter(prometheus.CounterOpts{
			Name: "reqhdr_rule_reloads_total",
			Help: "Rule set replacements",
		}),
		warnings: f.NewCounter(prometheus.CounterOpts{
			Name: "reqhdr_rule_compile_warnings_total",
			Help: "Rules dropped during compilation",
		}),
		rules: f.NewGauge(prometheus.GaugeOpts{
			Name: "reqhdr_rules",
			Help: "Rules in the active rule set",
		}),
		elevated: f.NewGauge(prometheus.GaugeOpts{
			Name: "reqhdr_elevated_capability",
			Help: "1 when the active rule set requires elevated header access",
		}),
		probeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "reqhdr_probe_failures_total",
			Help: "Self-inspection probes that failed to reach the network",
		}),
	}
}
