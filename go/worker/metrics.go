package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var executedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sitq_worker_tasks_total",
	Help: "counter of tasks executed to a terminal outcome, by status",
}, []string{"status"})

var inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sitq_worker_in_flight_tasks",
	Help: "gauge of tasks currently executing",
})

var reserveCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sitq_worker_reserves_total",
	Help: "counter of reservation attempts, by outcome",
}, []string{"outcome"})

var durationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sitq_worker_task_duration_seconds",
	Help:    "histogram of task execution durations, from reservation to terminal write",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
})
