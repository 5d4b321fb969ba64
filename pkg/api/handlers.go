package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/homelabcmd/hub/pkg/heartbeat"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
)

// Agent auth headers; X-API-Key is the legacy shared token
const (
	headerAgentToken = "X-Agent-Token"
	headerServerGUID = "X-Server-GUID"
	headerLegacyKey  = "X-API-Key"
)

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &heartbeat.ValidationError{Err: err})
		return
	}

	token := r.Header.Get(headerAgentToken)
	if token == "" {
		token = r.Header.Get(headerLegacyKey)
	}
	if guid := r.Header.Get(headerServerGUID); guid != "" && guid != req.ServerGUID {
		writeError(w, heartbeat.ErrUnauthorized)
		return
	}

	resp, err := s.processor.Ingest(&req, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	Token    string `json:"token"`
	ServerID string `json:"server_id"`
	Hostname string `json:"hostname"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &heartbeat.ValidationError{Err: err})
		return
	}

	result, err := s.authority.ClaimRegistration(req.Token, req.ServerID, req.Hostname, s.hubURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"server_id":   result.ServerID,
		"server_guid": result.ServerGUID,
		"api_token":   result.APIToken,
		"config_yaml": result.ConfigYAML,
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.store.GetServer(chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	if _, err := s.store.GetServer(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteServer(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// mutateServer loads, mutates, and saves one server row
func (s *Server) mutateServer(w http.ResponseWriter, r *http.Request, mutate func(*types.Server)) {
	server, err := s.store.GetServer(chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	mutate(server)
	server.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateServer(server); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handlePauseServer(w http.ResponseWriter, r *http.Request) {
	s.mutateServer(w, r, func(server *types.Server) {
		now := time.Now().UTC()
		server.IsPaused = true
		server.PausedAt = &now
	})
}

func (s *Server) handleUnpauseServer(w http.ResponseWriter, r *http.Request) {
	s.mutateServer(w, r, func(server *types.Server) {
		server.IsPaused = false
		server.PausedAt = nil
	})
}

func (s *Server) handleDeactivateServer(w http.ResponseWriter, r *http.Request) {
	s.mutateServer(w, r, func(server *types.Server) {
		now := time.Now().UTC()
		server.IsInactive = true
		server.InactiveSince = &now
		server.Status = types.ServerStatusUnknown
	})
}

func (s *Server) handleTestSSH(w http.ResponseWriter, r *http.Request) {
	server, err := s.store.GetServer(chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	result, err := s.exec.Test(ctx, server)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type createActionRequest struct {
	ServerID    string           `json:"server_id"`
	ActionType  types.ActionType `json:"action_type"`
	ServiceName string           `json:"service_name,omitempty"`
	AlertID     string           `json:"alert_id,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &heartbeat.ValidationError{Err: err})
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "dashboard"
	}

	action, err := s.queue.Submit(req.ServerID, req.ActionType, req.ServiceName, req.AlertID, req.CreatedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	if serverID := r.URL.Query().Get("server_id"); serverID != "" {
		list, err := s.store.ListActionsByServer(serverID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}
	list, err := s.store.ListActions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := s.store.GetAction(chi.URLParam(r, "actionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

type approvalRequest struct {
	By     string `json:"by,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = "dashboard"
	}

	action, err := s.queue.Approve(chi.URLParam(r, "actionID"), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = "dashboard"
	}

	action, err := s.queue.Reject(chi.URLParam(r, "actionID"), req.By, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = "dashboard"
	}

	action, err := s.queue.Cancel(chi.URLParam(r, "actionID"), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if serverID := r.URL.Query().Get("server_id"); serverID != "" {
		list, err := s.store.ListAlertsByServer(serverID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}
	list, err := s.store.ListAlerts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = "dashboard"
	}

	alert, err := s.engine.Acknowledge(chi.URLParam(r, "alertID"), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Resolve(chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type createTokenRequest struct {
	Mode              types.AgentMode `json:"mode"`
	DisplayName       string          `json:"display_name,omitempty"`
	MonitoredServices []string        `json:"monitored_services,omitempty"`
	ExpiryMinutes     int             `json:"expiry_minutes,omitempty"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &heartbeat.ValidationError{Err: err})
		return
	}

	token, plaintext, err := s.authority.MintRegistration(req.Mode, req.DisplayName, req.MonitoredServices, req.ExpiryMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext appears exactly once, in this response
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"plaintext":  plaintext,
		"expires_at": token.ExpiresAt,
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRegistrationTokens()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRegistrationToken(chi.URLParam(r, "tokenID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	names, err := s.loader.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handlePreviewPack(w http.ResponseWriter, r *http.Request) {
	pack, groups, err := s.applier.Preview(chi.URLParam(r, "packName"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pack":    pack,
		"summary": groups,
	})
}

func (s *Server) handleApplyPack(w http.ResponseWriter, r *http.Request) {
	apply, err := s.applier.Apply(chi.URLParam(r, "serverID"), chi.URLParam(r, "packName"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, apply)
}

func (s *Server) handleRemovePack(w http.ResponseWriter, r *http.Request) {
	apply, err := s.applier.Remove(chi.URLParam(r, "serverID"), chi.URLParam(r, "packName"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, apply)
}

func (s *Server) handleGetApply(w http.ResponseWriter, r *http.Request) {
	apply, err := s.store.GetConfigApply(chi.URLParam(r, "applyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apply)
}

type putCredentialRequest struct {
	Type     types.CredentialType `json:"type"`
	Value    string               `json:"value"`
	ServerID string               `json:"server_id,omitempty"`
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var req putCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &heartbeat.ValidationError{Err: err})
		return
	}

	id, err := s.vault.Store(req.Type, req.Value, req.ServerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	credType := types.CredentialType(chi.URLParam(r, "credType"))
	serverID := r.URL.Query().Get("server_id")

	deleted, err := s.vault.Delete(credType, serverID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, fmt.Errorf("credential %s: %w", credType, storage.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
