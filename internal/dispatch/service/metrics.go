package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acceptAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_accept_attempts_total",
	Help: "Total booking accept attempts grouped by outcome.",
}, []string{"result"})
