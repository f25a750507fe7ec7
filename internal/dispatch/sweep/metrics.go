package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_sweep_completed_total",
		Help: "Total rides force-completed by the sweeper.",
	})
	sweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_sweep_errors_total",
		Help: "Total driver/booking pairs skipped due to errors during a sweep cycle.",
	})
)
