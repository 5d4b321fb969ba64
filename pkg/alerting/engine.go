package alerting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
)

// Alert types beyond the plain metric names
const (
	AlertTypeOffline     = "server_offline"
	AlertTypeConfigDrift = "config_drift"

	servicePrefix = "service:"
)

// ErrAlreadyResolved means a lifecycle operation hit a resolved alert
var ErrAlreadyResolved = errors.New("alert already resolved")

// EventKind says what just happened to an alert
type EventKind string

const (
	EventRaised    EventKind = "raised"
	EventEscalated EventKind = "escalated"
	EventReminder  EventKind = "reminder"
	EventResolved  EventKind = "resolved"
)

// Event is one notification-worthy alert transition produced by an
// evaluation pass. The engine only reports; dispatching is the
// notifier's job.
type Event struct {
	Kind            EventKind
	Server          *types.Server
	Alert           *types.Alert
	DurationMinutes int
}

// Engine runs the severity/duration threshold state machine over
// heartbeat metrics and service reports.
type Engine struct {
	store storage.Store
	cfg   Config

	// now is swappable for tests
	now func() time.Time
}

// NewEngine creates an alert engine with the given thresholds
func NewEngine(store storage.Store, cfg Config) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateHeartbeat runs one evaluation pass for a server that just
// reported in. It handles the numeric metrics, the monitored services,
// and offline recovery, and returns the transitions that happened.
func (e *Engine) EvaluateHeartbeat(server *types.Server, metrics *types.HeartbeatMetrics, services []types.ServiceReport) ([]Event, error) {
	var events []Event

	if metrics != nil {
		checks := []struct {
			metric string
			value  *float64
			cfg    ThresholdConfig
		}{
			{"cpu", metrics.CPUPercent, e.cfg.Thresholds.CPU},
			{"memory", metrics.MemoryPercent, e.cfg.Thresholds.Memory},
			{"disk", metrics.DiskPercent, e.cfg.Thresholds.Disk},
		}
		for _, c := range checks {
			if c.value == nil {
				continue
			}
			evs, err := e.evaluateMetric(server, c.metric, *c.value, c.cfg)
			if err != nil {
				return events, err
			}
			events = append(events, evs...)
		}
	}

	svcEvents, err := e.evaluateServices(server, services)
	if err != nil {
		return events, err
	}
	events = append(events, svcEvents...)

	// A heartbeat is proof of life, so any offline alert resolves now
	backEvents, err := e.resolveIfActive(server, AlertTypeOffline)
	if err != nil {
		return events, err
	}
	events = append(events, backEvents...)

	return events, nil
}

// MarkOffline raises (or re-notifies) the offline alert for a server
// that has missed its heartbeat window. Offline is critical from the
// first evaluation; there is no sustained period.
func (e *Engine) MarkOffline(server *types.Server, silentFor time.Duration) ([]Event, error) {
	state, err := e.getState(server.ID, AlertTypeOffline)
	if err != nil {
		return nil, err
	}

	now := e.now()
	state.CurrentValue = silentFor.Seconds()

	if state.CurrentSeverity == "" {
		alert := &types.Alert{
			ID:             uuid.New().String(),
			ServerID:       server.ID,
			AlertType:      AlertTypeOffline,
			Severity:       types.SeverityCritical,
			Status:         types.AlertStatusOpen,
			Title:          fmt.Sprintf("Server %s is offline", server.Display()),
			Message:        fmt.Sprintf("No heartbeat received for %s", silentFor.Round(time.Second)),
			ThresholdValue: float64(e.cfg.Thresholds.ServerOfflineSeconds),
			ActualValue:    silentFor.Seconds(),
			CreatedAt:      now,
		}
		if err := e.openAlert(alert); err != nil {
			return nil, err
		}

		state.CurrentSeverity = types.SeverityCritical
		state.FirstBreachAt = &now
		state.LastNotifiedAt = &now
		state.ResolvedAt = nil
		if err := e.store.PutAlertState(state); err != nil {
			return nil, err
		}
		return []Event{{Kind: EventRaised, Server: server, Alert: alert}}, nil
	}

	return e.maybeRemind(server, state, AlertTypeOffline)
}

// Acknowledge marks an open alert as seen by a human. Acknowledging an
// already-acknowledged alert is a no-op; a resolved alert cannot be
// acknowledged.
func (e *Engine) Acknowledge(alertID, by string) (*types.Alert, error) {
	alert, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	switch alert.Status {
	case types.AlertStatusAcknowledged:
		return alert, nil
	case types.AlertStatusResolved:
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrAlreadyResolved)
	}

	now := e.now()
	alert.Status = types.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by
	if err := e.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve closes an alert by hand. The underlying alert state is left
// untouched: if the condition still holds, the next evaluation opens a
// fresh alert.
func (e *Engine) Resolve(alertID string) (*types.Alert, error) {
	alert, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == types.AlertStatusResolved {
		return alert, nil
	}

	now := e.now()
	alert.Status = types.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.AutoResolved = false
	if err := e.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// RaiseConfigDrift opens (or keeps open) the drift alert for a server
func (e *Engine) RaiseConfigDrift(server *types.Server, detail string) ([]Event, error) {
	state, err := e.getState(server.ID, AlertTypeConfigDrift)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if state.CurrentSeverity != "" {
		// Already drifting; refresh the open record in place
		if alert, ferr := e.store.FindOpenAlert(server.ID, AlertTypeConfigDrift); ferr == nil {
			alert.Message = detail
			if err := e.store.UpdateAlert(alert); err != nil {
				return nil, err
			}
		}
		return e.maybeRemind(server, state, AlertTypeConfigDrift)
	}

	alert := &types.Alert{
		ID:        uuid.New().String(),
		ServerID:  server.ID,
		AlertType: AlertTypeConfigDrift,
		Severity:  types.SeverityWarning,
		Status:    types.AlertStatusOpen,
		Title:     fmt.Sprintf("Configuration drift on %s", server.Display()),
		Message:   detail,
		CreatedAt: now,
	}
	if err := e.openAlert(alert); err != nil {
		return nil, err
	}

	state.CurrentSeverity = types.SeverityWarning
	state.FirstBreachAt = &now
	state.LastNotifiedAt = &now
	state.ResolvedAt = nil
	if err := e.store.PutAlertState(state); err != nil {
		return nil, err
	}
	return []Event{{Kind: EventRaised, Server: server, Alert: alert}}, nil
}

// ResolveConfigDrift closes the drift alert once the pack matches again
func (e *Engine) ResolveConfigDrift(server *types.Server) ([]Event, error) {
	return e.resolveIfActive(server, AlertTypeConfigDrift)
}

// evaluateMetric advances the state machine for one numeric metric
func (e *Engine) evaluateMetric(server *types.Server, metric string, value float64, cfg ThresholdConfig) ([]Event, error) {
	state, err := e.getState(server.ID, metric)
	if err != nil {
		return nil, err
	}
	state.CurrentValue = value
	now := e.now()

	if value < cfg.HighPercent {
		if state.CurrentSeverity != "" {
			return e.resolveState(server, state, metric)
		}
		if state.ConsecutiveBreaches > 0 || state.FirstBreachAt != nil {
			state.ConsecutiveBreaches = 0
			state.FirstBreachAt = nil
		}
		return nil, e.store.PutAlertState(state)
	}

	severity := types.SeverityHigh
	threshold := cfg.HighPercent
	if value >= cfg.CriticalPercent {
		severity = types.SeverityCritical
		threshold = cfg.CriticalPercent
	}

	if state.CurrentSeverity == "" {
		state.ConsecutiveBreaches++
		if state.FirstBreachAt == nil {
			state.FirstBreachAt = &now
		}
		sustained := time.Duration(cfg.SustainedSeconds) * time.Second
		if now.Sub(*state.FirstBreachAt) < sustained {
			return nil, e.store.PutAlertState(state)
		}

		alert := &types.Alert{
			ID:             uuid.New().String(),
			ServerID:       server.ID,
			AlertType:      metric,
			Severity:       severity,
			Status:         types.AlertStatusOpen,
			Title:          fmt.Sprintf("%s usage %s on %s", metricLabel(metric), severity, server.Display()),
			Message:        fmt.Sprintf("%s usage at %.1f%% (%s threshold %.0f%%)", metricLabel(metric), value, severity, threshold),
			ThresholdValue: threshold,
			ActualValue:    value,
			CreatedAt:      now,
		}
		if err := e.openAlert(alert); err != nil {
			return nil, err
		}

		state.CurrentSeverity = severity
		state.LastNotifiedAt = &now
		state.ResolvedAt = nil
		if err := e.store.PutAlertState(state); err != nil {
			return nil, err
		}
		return []Event{{Kind: EventRaised, Server: server, Alert: alert}}, nil
	}

	// Active alert. Escalation mutates the open record in place rather
	// than opening a second alert for the same condition.
	alert, err := e.store.FindOpenAlert(server.ID, metric)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if alert == nil {
		// Manually resolved while still breaching. Open a fresh record.
		state.CurrentSeverity = ""
		state.ConsecutiveBreaches = 0
		state.FirstBreachAt = nil
		if err := e.store.PutAlertState(state); err != nil {
			return nil, err
		}
		return e.evaluateMetric(server, metric, value, cfg)
	}

	if state.CurrentSeverity == types.SeverityHigh && severity == types.SeverityCritical {
		alert.Severity = types.SeverityCritical
		alert.ThresholdValue = cfg.CriticalPercent
		alert.ActualValue = value
		alert.Title = fmt.Sprintf("%s usage critical on %s", metricLabel(metric), server.Display())
		alert.Message = fmt.Sprintf("%s usage at %.1f%% (critical threshold %.0f%%)", metricLabel(metric), value, cfg.CriticalPercent)
		if err := e.store.UpdateAlert(alert); err != nil {
			return nil, err
		}

		state.CurrentSeverity = types.SeverityCritical
		state.LastNotifiedAt = &now
		if err := e.store.PutAlertState(state); err != nil {
			return nil, err
		}
		log.WithComponent("alerting").Warn().
			Str("server_id", server.ID).
			Str("metric", metric).
			Float64("value", value).
			Msg("alert escalated to critical")
		return []Event{{Kind: EventEscalated, Server: server, Alert: alert}}, nil
	}

	alert.ActualValue = value
	if err := e.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	return e.maybeRemind(server, state, metric)
}

// evaluateServices compares reported service states against the
// expected set and raises or resolves per-service alerts.
func (e *Engine) evaluateServices(server *types.Server, reports []types.ServiceReport) ([]Event, error) {
	expected, err := e.store.ListExpectedServices(server.ID)
	if err != nil {
		return nil, err
	}
	if len(expected) == 0 {
		return nil, nil
	}

	reported := make(map[string]types.ServiceState, len(reports))
	for _, r := range reports {
		reported[r.Name] = r.Status
	}

	var events []Event
	now := e.now()
	for _, svc := range expected {
		alertType := servicePrefix + svc.Name
		st, ok := reported[svc.Name]
		if ok && st == types.ServiceRunning {
			evs, err := e.resolveIfActive(server, alertType)
			if err != nil {
				return events, err
			}
			events = append(events, evs...)
			continue
		}
		if !ok {
			// Not in this heartbeat; absence of data is not an outage
			continue
		}

		state, err := e.getState(server.ID, alertType)
		if err != nil {
			return events, err
		}
		if state.CurrentSeverity != "" {
			evs, err := e.maybeRemind(server, state, alertType)
			if err != nil {
				return events, err
			}
			events = append(events, evs...)
			continue
		}

		severity := types.SeverityMedium
		if svc.Critical {
			severity = types.SeverityHigh
		}
		alert := &types.Alert{
			ID:        uuid.New().String(),
			ServerID:  server.ID,
			AlertType: alertType,
			Severity:  severity,
			Status:    types.AlertStatusOpen,
			Title:     fmt.Sprintf("Service %s not running on %s", svc.Name, server.Display()),
			Message:   fmt.Sprintf("Service %s reported %s", svc.Name, st),
			CreatedAt: now,
		}
		if err := e.openAlert(alert); err != nil {
			return events, err
		}

		state.CurrentSeverity = severity
		state.FirstBreachAt = &now
		state.LastNotifiedAt = &now
		state.ResolvedAt = nil
		if err := e.store.PutAlertState(state); err != nil {
			return events, err
		}
		events = append(events, Event{Kind: EventRaised, Server: server, Alert: alert})
	}
	return events, nil
}

// resolveIfActive closes the alert for a type if its state is active
func (e *Engine) resolveIfActive(server *types.Server, alertType string) ([]Event, error) {
	state, err := e.getState(server.ID, alertType)
	if err != nil {
		return nil, err
	}
	if state.CurrentSeverity == "" {
		return nil, nil
	}
	return e.resolveState(server, state, alertType)
}

// resolveState auto-resolves the open alert behind an active state
func (e *Engine) resolveState(server *types.Server, state *types.AlertState, alertType string) ([]Event, error) {
	now := e.now()
	duration := 0
	if state.FirstBreachAt != nil {
		duration = int(now.Sub(*state.FirstBreachAt) / time.Minute)
	}

	var events []Event
	alert, err := e.store.FindOpenAlert(server.ID, alertType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if alert != nil {
		alert.Status = types.AlertStatusResolved
		alert.ResolvedAt = &now
		alert.AutoResolved = true
		if err := e.store.UpdateAlert(alert); err != nil {
			return nil, err
		}
		events = append(events, Event{
			Kind:            EventResolved,
			Server:          server,
			Alert:           alert,
			DurationMinutes: duration,
		})
	}

	state.CurrentSeverity = ""
	state.ConsecutiveBreaches = 0
	state.FirstBreachAt = nil
	state.LastNotifiedAt = nil
	state.ResolvedAt = &now
	if err := e.store.PutAlertState(state); err != nil {
		return nil, err
	}

	log.WithComponent("alerting").Info().
		Str("server_id", server.ID).
		Str("alert_type", alertType).
		Int("duration_minutes", duration).
		Msg("alert resolved")
	return events, nil
}

// maybeRemind re-notifies an active alert once its cooldown has lapsed
func (e *Engine) maybeRemind(server *types.Server, state *types.AlertState, alertType string) ([]Event, error) {
	cooldown := time.Duration(e.cfg.Cooldowns.HighMinutes) * time.Minute
	if state.CurrentSeverity == types.SeverityCritical {
		cooldown = time.Duration(e.cfg.Cooldowns.CriticalMinutes) * time.Minute
	}

	now := e.now()
	if state.LastNotifiedAt != nil && now.Sub(*state.LastNotifiedAt) < cooldown {
		return nil, e.store.PutAlertState(state)
	}

	alert, err := e.store.FindOpenAlert(server.ID, alertType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, e.store.PutAlertState(state)
		}
		return nil, err
	}

	state.LastNotifiedAt = &now
	if err := e.store.PutAlertState(state); err != nil {
		return nil, err
	}
	return []Event{{Kind: EventReminder, Server: server, Alert: alert}}, nil
}

func (e *Engine) getState(serverID, metricType string) (*types.AlertState, error) {
	state, err := e.store.GetAlertState(serverID, metricType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &types.AlertState{ServerID: serverID, MetricType: metricType}, nil
		}
		return nil, err
	}
	return state, nil
}

func (e *Engine) openAlert(alert *types.Alert) error {
	existing, err := e.store.FindOpenAlert(alert.ServerID, alert.AlertType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if existing != nil {
		// One open alert per (server, type); keep the original record
		return nil
	}
	if err := e.store.CreateAlert(alert); err != nil {
		return err
	}
	log.WithComponent("alerting").Warn().
		Str("server_id", alert.ServerID).
		Str("alert_type", alert.AlertType).
		Str("severity", string(alert.Severity)).
		Msg("alert raised")
	return nil
}

func metricLabel(metric string) string {
	switch metric {
	case "cpu":
		return "CPU"
	case "memory":
		return "Memory"
	case "disk":
		return "Disk"
	}
	if strings.HasPrefix(metric, servicePrefix) {
		return strings.TrimPrefix(metric, servicePrefix)
	}
	return metric
}
