// Package metrics exposes the hub's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeartbeatsTotal counts ingested heartbeats by outcome
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "heartbeats_total",
		Help:      "Heartbeats received, labelled by outcome.",
	}, []string{"outcome"})

	// AlertEventsTotal counts alert transitions by kind and severity
	AlertEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "alert_events_total",
		Help:      "Alert state transitions, labelled by kind and severity.",
	}, []string{"kind", "severity"})

	// SSHCommandsTotal counts remote command executions by outcome
	SSHCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "ssh_commands_total",
		Help:      "Remote SSH command executions, labelled by outcome.",
	}, []string{"outcome"})

	// SSHCommandDuration observes remote command wall time
	SSHCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hub",
		Name:      "ssh_command_duration_seconds",
		Help:      "Wall time of remote SSH commands.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// ActionsTotal counts remediation actions by type and final status
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "actions_total",
		Help:      "Remediation actions, labelled by type and final status.",
	}, []string{"action_type", "status"})

	// NotificationsTotal counts Slack deliveries by outcome
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "notifications_total",
		Help:      "Slack notification attempts, labelled by outcome.",
	}, []string{"outcome"})

	// ServersOnline tracks how many servers are currently online
	ServersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "servers_online",
		Help:      "Servers currently marked online.",
	})
)
