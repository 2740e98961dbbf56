package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comfyflow_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comfyflow_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

// Instrument chains a metrics recording state change callback onto cb.
func Instrument(cb *CircuitBreaker, service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	name := cb.name
	previous := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from State, to State) {
		if previous != nil {
			previous(cbName, from, to)
		}
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		if to == StateOpen {
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		} else if from == StateOpen {
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	}
	breakerState.WithLabelValues(name, service).Set(float64(cb.state))
}

// RecordRequest counts one call through a breaker.
func RecordRequest(cb *CircuitBreaker, service string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(cb.Name(), service, cb.State().String(), result).Inc()
}
