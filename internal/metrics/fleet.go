// Package metrics holds the Prometheus collectors of the master node. They
// live in their own package so the engine and the HTTP layer can share them
// without importing each other.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SlavesIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfleet",
		Name:      "slaves_idle",
		Help:      "Slaves waiting for a command",
	})

	SlavesDispatched = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfleet",
		Name:      "slaves_dispatched",
		Help:      "Slaves with a command in flight",
	})

	PendingCommands = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfleet",
		Name:      "pending_commands",
		Help:      "Commands waiting for a capable idle slave",
	})

	CommandsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfleet",
		Name:      "commands_submitted_total",
		Help:      "Commands accepted for scheduling",
	})

	CommandsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfleet",
		Name:      "commands_dispatched_total",
		Help:      "COMMAND responses sent to slaves, including re-dispatches",
	})

	CommandsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfleet",
		Name:      "commands_finished_total",
		Help:      "Commands that reached a terminal state, by state",
	}, []string{"state"})

	MessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfleet",
		Name:      "messages_rejected_total",
		Help:      "Messages dropped by the secure channel, by channel",
	}, []string{"channel"})

	ProtocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfleet",
		Name:      "protocol_violations_total",
		Help:      "Authenticated messages that broke the IDLE/COMMAND protocol",
	})

	SlavesLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfleet",
		Name:      "slaves_removed_total",
		Help:      "Slaves removed from the registry, by reason",
	}, []string{"reason"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfleet",
		Name:      "notifications_total",
		Help:      "Command events handed to notifiers, by result",
	}, []string{"result"})

	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buildfleet",
		Name:      "dispatch_latency_seconds",
		Help:      "Time a command waited in the queue before dispatch",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})
)

// Register registers the fleet metrics on reg (or the default registerer if
// nil). Collectors that are already registered are skipped.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		SlavesIdle, SlavesDispatched, PendingCommands,
		CommandsSubmitted, CommandsDispatched, CommandsFinished,
		MessagesRejected, ProtocolViolations, SlavesLost, Notifications, DispatchLatency,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
