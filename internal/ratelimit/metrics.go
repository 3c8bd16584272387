package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAllowed  = "allowed"
	outcomeLimited  = "limited"
	outcomeRejected = "rejected"
)

var checkOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "civid_ratelimit_checks_total",
	Help: "Rate limit check outcomes (allowed, limited, rejected at burst ceiling)",
}, []string{"outcome"})

func recordOutcome(outcome string) {
	checkOutcomes.WithLabelValues(outcome).Inc()
}
