// Package heartbeat ingests agent heartbeats: authentication, validation,
// server state reconciliation, and fan-out to the alert engine.
package heartbeat

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/metrics"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/tokens"
	"github.com/homelabcmd/hub/pkg/types"
)

var (
	// ErrUnauthorized means the presented token matched no credential
	ErrUnauthorized = errors.New("heartbeat not authorized")

	// ErrServerInactive means the server is soft-deleted and must re-register
	ErrServerInactive = errors.New("server is inactive")
)

// ValidationError wraps a request that failed field validation
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid heartbeat: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Processor handles one heartbeat end to end
type Processor struct {
	store     storage.Store
	authority *tokens.Authority
	engine    *alerting.Engine
	broker    *events.Broker
	validate  *validator.Validate

	// legacyKey, when set, accepts pre-token agents that still send the
	// shared API key. Empty disables the fallback.
	legacyKey string

	now func() time.Time
}

// NewProcessor creates a heartbeat processor
func NewProcessor(store storage.Store, authority *tokens.Authority, engine *alerting.Engine, broker *events.Broker, legacyKey string) *Processor {
	return &Processor{
		store:     store,
		authority: authority,
		engine:    engine,
		broker:    broker,
		validate:  NewValidator(),
		legacyKey: legacyKey,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes one heartbeat. Errors are typed so the HTTP layer can
// map them: ValidationError, ErrUnauthorized, ErrServerInactive.
func (p *Processor) Ingest(req *types.HeartbeatRequest, presentedToken string) (*types.HeartbeatResponse, error) {
	if err := p.validate.Struct(req); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Err: err}
	}

	if !p.authenticated(presentedToken, req.ServerGUID) {
		metrics.HeartbeatsTotal.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	server, registered, err := p.resolveServer(req)
	if err != nil {
		return nil, err
	}
	if server.IsInactive {
		metrics.HeartbeatsTotal.WithLabelValues("inactive").Inc()
		return nil, fmt.Errorf("%s: %w", server.ID, ErrServerInactive)
	}

	wasOffline := server.Status == types.ServerStatusOffline
	p.applyReport(server, req)
	if err := p.store.UpdateServer(server); err != nil {
		return nil, err
	}

	if wasOffline {
		p.publish(&events.Event{
			Type:    events.EventServerOnline,
			Message: fmt.Sprintf("server %s is back online", server.Display()),
			Metadata: map[string]string{
				"server_id": server.ID,
			},
		})
	}

	if err := p.recordMetrics(server.ID, req); err != nil {
		return nil, err
	}
	if err := p.reconcileServices(server.ID, req.Services); err != nil {
		return nil, err
	}
	if err := p.replacePackages(server.ID, req.Packages); err != nil {
		return nil, err
	}

	alertEvents, err := p.engine.EvaluateHeartbeat(server, &req.Metrics, req.Services)
	if err != nil {
		log.WithComponent("heartbeat").Error().
			Str("server_id", server.ID).
			Err(err).Msg("alert evaluation failed")
	}
	for _, ev := range alertEvents {
		p.publishAlertEvent(ev)
	}

	metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	log.WithComponent("heartbeat").Debug().
		Str("server_id", server.ID).
		Bool("registered", registered).
		Int("services", len(req.Services)).
		Int("packages", len(req.Packages)).
		Msg("heartbeat accepted")

	return &types.HeartbeatResponse{
		Status:           "ok",
		ServerRegistered: registered,
		PendingCommands:  []string{},
	}, nil
}

// authenticated checks the agent token, falling back to the legacy shared
// key when one is configured
func (p *Processor) authenticated(token, guid string) bool {
	if ok, _ := p.authority.ValidateAgent(token, guid); ok {
		return true
	}
	if p.legacyKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.legacyKey)) == 1
}

// resolveServer finds the server by GUID, auto-registering unknown machines.
// The returned bool says whether this heartbeat auto-registered the server.
func (p *Processor) resolveServer(req *types.HeartbeatRequest) (*types.Server, bool, error) {
	server, err := p.store.GetServerByGUID(req.ServerGUID)
	if err == nil {
		return server, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	now := p.now()
	server = &types.Server{
		ID:        req.ServerID,
		GUID:      req.ServerGUID,
		Hostname:  req.Hostname,
		Status:    types.ServerStatusUnknown,
		AgentMode: req.AgentMode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if server.AgentMode == "" {
		server.AgentMode = types.AgentModeReadonly
	}
	if err := p.store.CreateServer(server); err != nil {
		return nil, false, fmt.Errorf("failed to auto-register server: %w", err)
	}

	log.WithComponent("heartbeat").Info().
		Str("server_id", server.ID).
		Str("server_guid", server.GUID).
		Msg("auto-registered unknown server")
	return server, true, nil
}

// applyReport copies the heartbeat's descriptive fields onto the server row
func (p *Processor) applyReport(server *types.Server, req *types.HeartbeatRequest) {
	now := p.now()

	server.Hostname = req.Hostname
	if req.AgentVersion != "" {
		server.AgentVersion = req.AgentVersion
	}
	if req.AgentMode != "" {
		server.AgentMode = req.AgentMode
	}

	if req.OSInfo.Name != "" {
		server.OSName = req.OSInfo.Name
	}
	if req.OSInfo.Version != "" {
		server.OSVersion = req.OSInfo.Version
	}
	if req.OSInfo.Kernel != "" {
		server.Kernel = req.OSInfo.Kernel
	}
	if req.OSInfo.Architecture != "" {
		server.Architecture = req.OSInfo.Architecture
	}
	if req.CPUInfo != nil {
		if req.CPUInfo.Model != "" {
			server.CPUModel = req.CPUInfo.Model
		}
		if req.CPUInfo.Cores > 0 {
			server.CPUCores = req.CPUInfo.Cores
		}
	}
	if req.RebootRequired != nil {
		server.RebootRequired = *req.RebootRequired
	}
	server.UpdatesAvailable = req.UpdatesAvailable
	server.SecurityUpdates = req.SecurityUpdates

	detectCategory(server)

	server.LastSeen = &now
	server.Status = types.ServerStatusOnline
	server.UpdatedAt = now
}

func (p *Processor) recordMetrics(serverID string, req *types.HeartbeatRequest) error {
	sample := &types.MetricsSample{
		ServerID:      serverID,
		Timestamp:     p.now(),
		CPUPercent:    req.Metrics.CPUPercent,
		MemoryPercent: req.Metrics.MemoryPercent,
		DiskPercent:   req.Metrics.DiskPercent,
		Load1:         req.Metrics.Load1,
		Load5:         req.Metrics.Load5,
		Load15:        req.Metrics.Load15,
		UptimeSeconds: req.Metrics.UptimeSeconds,
		NetworkRx:     req.Metrics.NetworkRx,
		NetworkTx:     req.Metrics.NetworkTx,
		Filesystems:   req.Filesystems,
	}
	return p.store.AppendMetrics(sample)
}

func (p *Processor) reconcileServices(serverID string, reports []types.ServiceReport) error {
	now := p.now()
	for _, r := range reports {
		status := &types.ServiceStatus{
			ServerID:   serverID,
			Name:       r.Name,
			State:      r.Status,
			PID:        r.PID,
			MemoryMB:   r.MemoryMB,
			CPUPercent: r.CPUPercent,
			UpdatedAt:  now,
		}
		if err := p.store.UpsertServiceStatus(status); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) replacePackages(serverID string, reports []types.PackageReport) error {
	set := &types.PendingPackageSet{
		ServerID:  serverID,
		Packages:  make([]types.PendingPackage, 0, len(reports)),
		UpdatedAt: p.now(),
	}
	for _, r := range reports {
		set.Packages = append(set.Packages, types.PendingPackage{
			Name:           r.Name,
			CurrentVersion: r.CurrentVersion,
			NewVersion:     r.NewVersion,
			Repository:     r.Repository,
			IsSecurity:     r.IsSecurity,
		})
	}
	return p.store.ReplacePendingPackages(set)
}

func (p *Processor) publish(ev *events.Event) {
	if p.broker != nil {
		p.broker.Publish(ev)
	}
}

// publishAlertEvent translates an engine transition into a broker event
func (p *Processor) publishAlertEvent(ev alerting.Event) {
	metrics.AlertEventsTotal.WithLabelValues(string(ev.Kind), string(ev.Alert.Severity)).Inc()
	p.publish(&events.Event{
		Type:    eventTypeFor(ev.Kind),
		Message: ev.Alert.Title,
		Metadata: map[string]string{
			"server_id":  ev.Alert.ServerID,
			"alert_type": ev.Alert.AlertType,
		},
		Alert: &ev,
	})
}

func eventTypeFor(kind alerting.EventKind) events.EventType {
	switch kind {
	case alerting.EventEscalated:
		return events.EventAlertEscalated
	case alerting.EventReminder:
		return events.EventAlertReminder
	case alerting.EventResolved:
		return events.EventAlertResolved
	default:
		return events.EventAlertRaised
	}
}
