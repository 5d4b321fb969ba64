// Package actions implements the whitelisted remediation action queue:
// admission, the approval gate, and background execution over SSH.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/metrics"
	"github.com/homelabcmd/hub/pkg/sshexec"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
)

// ExecTimeout bounds one remote action command
const ExecTimeout = 5 * time.Minute

var (
	// ErrReadonlyServer means the target runs a readonly agent
	ErrReadonlyServer = errors.New("server agent is readonly")

	// ErrInactiveServer means the target is soft-deleted
	ErrInactiveServer = errors.New("server is inactive")

	// ErrActionConflict means an equivalent action is already in flight
	ErrActionConflict = errors.New("action already in flight")

	// ErrNotPending means the action is past the approval gate
	ErrNotPending = errors.New("action is not pending")
)

// Executor is the remote command runner the queue dispatches through
type Executor interface {
	Execute(ctx context.Context, server *types.Server, command string, timeout time.Duration) (*sshexec.CommandResult, error)
}

// Queue owns the remediation action lifecycle
type Queue struct {
	store  storage.Store
	exec   Executor
	broker *events.Broker

	now func() time.Time
}

// NewQueue creates an action queue
func NewQueue(store storage.Store, exec Executor, broker *events.Broker) *Queue {
	return &Queue{
		store:  store,
		exec:   exec,
		broker: broker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit admits a new action. Paused servers hold the action at pending for
// manual approval; everyone else is auto-approved and dispatched immediately.
func (q *Queue) Submit(serverID string, actionType types.ActionType, serviceName, alertID, createdBy string) (*types.RemediationAction, error) {
	server, err := q.store.GetServer(serverID)
	if err != nil {
		return nil, err
	}
	if server.IsInactive {
		return nil, fmt.Errorf("server %s: %w", serverID, ErrInactiveServer)
	}
	if server.AgentMode != types.AgentModeReadwrite {
		return nil, fmt.Errorf("server %s: %w", serverID, ErrReadonlyServer)
	}

	pending, err := q.store.GetPendingPackages(serverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	command, err := buildCommand(actionType, serviceName, pending)
	if err != nil {
		return nil, err
	}

	existing, err := q.store.ListActionsByServer(serverID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.Status.Terminal() {
			continue
		}
		if a.Type == actionType && a.ServiceName == serviceName {
			return nil, fmt.Errorf("%s on %s: %w", actionType, serverID, ErrActionConflict)
		}
		// One apt action at a time per server, regardless of which one
		if aptAction(a.Type) && aptAction(actionType) {
			return nil, fmt.Errorf("%s on %s while %s in flight: %w", actionType, serverID, a.Type, ErrActionConflict)
		}
	}

	now := q.now()
	action := &types.RemediationAction{
		ID:          uuid.New().String(),
		ServerID:    serverID,
		Type:        actionType,
		ServiceName: serviceName,
		Command:     command,
		AlertID:     alertID,
		Status:      types.ActionStatusPending,
		CreatedBy:   createdBy,
		CreatedAt:   now,
	}

	if !server.IsPaused {
		action.Status = types.ActionStatusApproved
		action.ApprovedAt = &now
		action.ApprovedBy = "auto"
	}

	if err := q.store.CreateAction(action); err != nil {
		return nil, err
	}

	log.WithComponent("actions").Info().
		Str("server_id", serverID).
		Str("action_id", action.ID).
		Str("action_type", string(actionType)).
		Str("status", string(action.Status)).
		Msg("action submitted")

	if action.Status == types.ActionStatusApproved {
		go q.run(action, server)
	}
	return action, nil
}

// Approve releases a pending action for execution
func (q *Queue) Approve(actionID, by string) (*types.RemediationAction, error) {
	action, err := q.store.GetAction(actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != types.ActionStatusPending {
		return nil, fmt.Errorf("action %s is %s: %w", actionID, action.Status, ErrNotPending)
	}

	server, err := q.store.GetServer(action.ServerID)
	if err != nil {
		return nil, err
	}

	now := q.now()
	action.Status = types.ActionStatusApproved
	action.ApprovedAt = &now
	action.ApprovedBy = by
	if err := q.store.UpdateAction(action); err != nil {
		return nil, err
	}

	go q.run(action, server)
	return action, nil
}

// Reject declines a pending action
func (q *Queue) Reject(actionID, by, reason string) (*types.RemediationAction, error) {
	action, err := q.store.GetAction(actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != types.ActionStatusPending {
		return nil, fmt.Errorf("action %s is %s: %w", actionID, action.Status, ErrNotPending)
	}

	now := q.now()
	action.Status = types.ActionStatusRejected
	action.RejectedAt = &now
	action.RejectedBy = by
	action.RejectionReason = reason
	if err := q.store.UpdateAction(action); err != nil {
		return nil, err
	}
	return action, nil
}

// Cancel withdraws an action that has not started executing. Cancelled
// actions land in failed with a fixed stderr marker.
func (q *Queue) Cancel(actionID, by string) (*types.RemediationAction, error) {
	action, err := q.store.GetAction(actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != types.ActionStatusPending && action.Status != types.ActionStatusApproved {
		return nil, fmt.Errorf("action %s is %s: %w", actionID, action.Status, ErrNotPending)
	}

	now := q.now()
	action.Status = types.ActionStatusFailed
	action.Stderr = "Action cancelled by user"
	action.CompletedAt = &now
	if err := q.store.UpdateAction(action); err != nil {
		return nil, err
	}

	log.WithComponent("actions").Info().
		Str("action_id", action.ID).
		Str("by", by).
		Msg("action cancelled")
	return action, nil
}

// run executes an approved action and records the outcome
func (q *Queue) run(action *types.RemediationAction, server *types.Server) {
	logger := log.WithComponent("actions").With().
		Str("server_id", server.ID).
		Str("action_id", action.ID).
		Logger()

	// A cancel may land between approval and dispatch
	current, err := q.store.GetAction(action.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load action for dispatch")
		return
	}
	if current.Status != types.ActionStatusApproved {
		logger.Debug().Str("status", string(current.Status)).Msg("skipping dispatch")
		return
	}
	action = current

	now := q.now()
	action.Status = types.ActionStatusExecuting
	action.ExecutedAt = &now
	if err := q.store.UpdateAction(action); err != nil {
		logger.Error().Err(err).Msg("failed to mark action executing")
		return
	}

	command := action.Command
	if aptAction(action.Type) && strings.HasPrefix(command, "DEBIAN_FRONTEND=") {
		command = "sudo " + command
	}

	start := time.Now()
	result, err := q.exec.Execute(context.Background(), server, command, ExecTimeout)
	metrics.SSHCommandDuration.Observe(time.Since(start).Seconds())

	done := q.now()
	action.CompletedAt = &done
	if err != nil {
		action.Status = types.ActionStatusFailed
		action.Stderr = err.Error()
		metrics.SSHCommandsTotal.WithLabelValues("error").Inc()
	} else {
		action.ExitCode = &result.ExitCode
		action.Stdout = result.Stdout
		action.Stderr = result.Stderr
		if result.ExitCode == 0 {
			action.Status = types.ActionStatusCompleted
			metrics.SSHCommandsTotal.WithLabelValues("ok").Inc()
		} else {
			action.Status = types.ActionStatusFailed
			metrics.SSHCommandsTotal.WithLabelValues("nonzero").Inc()
		}
	}

	if err := q.store.UpdateAction(action); err != nil {
		logger.Error().Err(err).Msg("failed to record action result")
	}
	metrics.ActionsTotal.WithLabelValues(string(action.Type), string(action.Status)).Inc()

	eventType := events.EventActionCompleted
	if action.Status == types.ActionStatusFailed {
		eventType = events.EventActionFailed
		logger.Warn().Str("command", action.Command).Msg("action failed")
	} else {
		logger.Info().Str("command", action.Command).Msg("action completed")
	}

	if q.broker != nil {
		q.broker.Publish(&events.Event{
			Type:    eventType,
			Message: fmt.Sprintf("%s on %s %s", action.Type, server.Display(), action.Status),
			Metadata: map[string]string{
				"server_id": server.ID,
				"action_id": action.ID,
			},
			Action: &events.ActionPayload{Action: action, Server: server},
		})
	}
}
