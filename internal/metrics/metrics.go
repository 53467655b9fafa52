// Package metrics exposes the relayer's Prometheus instrumentation. It
// mirrors the counter/gauge naming style of the RPC layer, collapsed to
// the swap domain.
//
// The relayer updates SwapsObserved, SwapsFailed (on retry exhaustion
// only), JobsInFlight and NonTerminalSwaps. SwapsSettled, SwapsRefunded,
// StateTransitions, RetryAttempts and ListenerLagBlocks are registered and
// exported, but no component updates them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "htlc_relayer"

var (
	// SwapsObserved counts swaps entering the observed state, labeled by
	// direction.
	SwapsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swaps_observed_total",
		Help:      "Total number of swaps observed on the source chain.",
	}, []string{"direction"})

	// SwapsSettled counts swaps that reached the settled terminal state.
	SwapsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swaps_settled_total",
		Help:      "Total number of swaps that settled successfully.",
	}, []string{"direction"})

	// SwapsRefunded counts swaps that reached the refunded terminal state.
	SwapsRefunded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swaps_refunded_total",
		Help:      "Total number of swaps refunded after timelock expiry.",
	}, []string{"direction"})

	// SwapsFailed counts swaps that reached the failed terminal state.
	SwapsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swaps_failed_total",
		Help:      "Total number of swaps that failed without settling or refunding.",
	}, []string{"direction", "reason"})

	// StateTransitions counts every Status Store transition, labeled by
	// the from/to pair.
	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swap_state_transitions_total",
		Help:      "Total number of swap state machine transitions.",
	}, []string{"from", "to"})

	// RetryAttempts counts retry.Do attempts, labeled by the named
	// operation and outcome.
	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_attempts_total",
		Help:      "Total number of retry attempts performed by the work executor.",
	}, []string{"operation", "outcome"})

	// JobsInFlight reports the current number of in-flight executor jobs.
	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executor_jobs_in_flight",
		Help:      "Current number of in-flight work executor jobs.",
	})

	// ListenerLagBlocks reports how many blocks behind chain head each
	// listener currently is.
	ListenerLagBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "listener_lag_blocks",
		Help:      "Difference between chain head and last processed block, per chain.",
	}, []string{"chain"})

	// NonTerminalSwaps reports the current number of swaps still in a
	// non-terminal state, for readiness/health reporting.
	NonTerminalSwaps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "swaps_non_terminal",
		Help:      "Current number of swaps not yet in a terminal state.",
	})
)

// Registry bundles all relayer collectors for registration against a
// prometheus.Registerer at startup.
var Registry = []prometheus.Collector{
	SwapsObserved,
	SwapsSettled,
	SwapsRefunded,
	SwapsFailed,
	StateTransitions,
	RetryAttempts,
	JobsInFlight,
	ListenerLagBlocks,
	NonTerminalSwaps,
}

// MustRegister registers every relayer collector against reg. Panics on
// duplicate registration, matching prometheus.MustRegister's contract.
func MustRegister(reg prometheus.Registerer) {
	for _, c := range Registry {
		reg.MustRegister(c)
	}
}
