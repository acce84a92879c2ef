package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enqueuedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sitq_store_enqueued_total",
	Help: "counter of tasks inserted into the store",
})

var reservedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sitq_store_reserved_total",
	Help: "counter of tasks reserved for execution",
})

var transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sitq_store_transitions_total",
	Help: "counter of recorded task state transitions, by resulting status",
}, []string{"to"})
