package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	Refusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_refusals_total",
			Help: "Total number of policy refusals by reason",
		},
		[]string{"reason"},
	)
	IssuanceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_issuance_outcomes_total",
			Help: "Total number of issuance outcomes (issued, requested, override, refused)",
		},
		[]string{"outcome"},
	)
	PartnerThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voucher_partner_throttled_total",
			Help: "Total number of partner requests rejected by the rate limiter",
		},
	)
	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voucher_audit_write_failures_total",
			Help: "Total number of audit events that could not be persisted",
		},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voucher_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

func InitMetrics() {
	collectors := map[string]prometheus.Collector{
		"Refusals":           Refusals,
		"IssuanceOutcomes":   IssuanceOutcomes,
		"PartnerThrottled":   PartnerThrottled,
		"AuditWriteFailures": AuditWriteFailures,
		"RequestDuration":    RequestDuration,
	}
	for name, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
}
