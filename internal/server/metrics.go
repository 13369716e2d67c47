package server

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "tonconnect"
	metricsSubsystem = "server"
)

func init() {
	prometheus.MustRegister(requests)
	prometheus.MustRegister(proofChecks)
}

var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	// proofChecks counts checkProof outcomes: ok, bad_payload or
	// bad_proof.
	proofChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "proof_checks_total",
			Help:      "TonProof checks by result.",
		},
		[]string{"result"},
	)
)
