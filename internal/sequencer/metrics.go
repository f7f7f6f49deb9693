package sequencer

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		operationsAccepted,
		operationsRejected,
		resyncsServed,
		participants,
		participantsDropped,
		assistantRequests,
	)
}

var (
	operationsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collabtext_operations_accepted_total",
			Help: "Total number of client operations sequenced and broadcast",
		},
	)
	operationsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_operations_rejected_total",
			Help: "Total number of client frames refused, by reason",
		},
		[]string{"reason"},
	)
	resyncsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collabtext_resyncs_served_total",
			Help: "Total number of snapshots sent to clients that fell out of step",
		},
	)
	participants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabtext_participants",
			Help: "Number of connections currently attached to a document on this instance",
		},
	)
	participantsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collabtext_participants_dropped_total",
			Help: "Total number of connections dropped for not draining their send buffer",
		},
	)
	assistantRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_assistant_requests_total",
			Help: "Total number of assistant invocations, by result",
		},
		[]string{"result"},
	)
)
