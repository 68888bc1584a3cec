package backend

import (
	"github.com/me/cromrunner/internal/unit"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cromrunner_units_total",
			Help: "Work units dispatched, by backend and final state.",
		},
		[]string{"backend", "state"},
	)

	unitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cromrunner_unit_duration_seconds",
			Help:    "Wall-clock duration of locally executed work units.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"state"},
	)

	unitsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cromrunner_units_in_flight",
			Help: "Work units currently executing in the local pool.",
		},
	)
)

func init() {
	prometheus.MustRegister(unitsTotal)
	prometheus.MustRegister(unitDuration)
	prometheus.MustRegister(unitsInFlight)
}

// observe records a finished unit.
func observe(kind Kind, res *unit.Result) {
	state := string(res.State())
	unitsTotal.WithLabelValues(string(kind), state).Inc()
	if kind == KindLocal && res.Duration > 0 {
		unitDuration.WithLabelValues(state).Observe(res.Duration.Seconds())
	}
}
