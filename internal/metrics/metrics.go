package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "psy"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful spawns.",
		}, []string{"id"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic respawns after a crash.",
		}, []string{"id"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of user-requested stops.",
		}, []string{"id"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits and failed spawns.",
		}, []string{"id"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between monitor states.",
		}, []string{"id", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of monitors (1 = active state, 0 = inactive).",
		}, []string{"id", "state"},
	)
	monitors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "monitors",
			Help:      "Number of registered monitors.",
		},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "connections",
			Help:      "Number of open control connections.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "subscribers",
			Help:      "Number of live log subscribers.",
		},
	)
	droppedSubscribers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "dropped_subscribers_total",
			Help:      "Log subscribers dropped for exceeding the backlog limit.",
		},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Control channel requests by method and result code.",
		}, []string{"method", "code"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processRestarts, processStops, processCrashes,
		stateTransitions, currentStates,
		monitors, connections, subscribers, droppedSubscribers, requests,
		resourceCPU, resourceRSS, resourceThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(id string) {
	if regOK.Load() {
		processStarts.WithLabelValues(id).Inc()
	}
}

func IncRestart(id string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(id).Inc()
	}
}

func IncStop(id string) {
	if regOK.Load() {
		processStops.WithLabelValues(id).Inc()
	}
}

func IncCrash(id string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(id).Inc()
	}
}

func RecordStateTransition(id, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(id, from, to).Inc()
	}
}

func SetCurrentState(id, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(id, state).Set(value)
	}
}

// Forget drops every per-id series for a removed monitor.
func Forget(id string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"id": id}
	processStarts.DeletePartialMatch(l)
	processRestarts.DeletePartialMatch(l)
	processStops.DeletePartialMatch(l)
	processCrashes.DeletePartialMatch(l)
	stateTransitions.DeletePartialMatch(l)
	currentStates.DeletePartialMatch(l)
	forgetResources(id)
}

func SetMonitors(n int) {
	if regOK.Load() {
		monitors.Set(float64(n))
	}
}

func AddConnections(delta int) {
	if regOK.Load() {
		connections.Add(float64(delta))
	}
}

func AddSubscribers(delta int) {
	if regOK.Load() {
		subscribers.Add(float64(delta))
	}
}

func IncDroppedSubscriber() {
	if regOK.Load() {
		droppedSubscribers.Inc()
	}
}

func IncRequest(method, code string) {
	if regOK.Load() {
		if code == "" {
			code = "ok"
		}
		requests.WithLabelValues(method, code).Inc()
	}
}
