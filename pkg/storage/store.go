package storage

import (
	"errors"

	"github.com/homelabcmd/hub/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// Store defines the interface for hub state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Servers
	CreateServer(server *types.Server) error
	GetServer(id string) (*types.Server, error)
	GetServerByGUID(guid string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	UpdateServer(server *types.Server) error
	// DeleteServer cascades to every record owned by the server.
	DeleteServer(id string) error

	// Credentials (encrypted at rest by the vault; empty serverID means global)
	PutCredential(cred *types.Credential) error
	GetCredential(credType types.CredentialType, serverID string) (*types.Credential, error)
	DeleteCredential(credType types.CredentialType, serverID string) error
	ListCredentials() ([]*types.Credential, error)

	// Host keys (one per machine)
	PutHostKey(key *types.HostKey) error
	GetHostKey(machineID string) (*types.HostKey, error)
	DeleteHostKey(machineID string) error

	// Registration tokens
	CreateRegistrationToken(token *types.RegistrationToken) error
	GetRegistrationTokenByHash(hash string) (*types.RegistrationToken, error)
	ListRegistrationTokens() ([]*types.RegistrationToken, error)
	UpdateRegistrationToken(token *types.RegistrationToken) error
	DeleteRegistrationToken(id string) error

	// Agent credentials
	PutAgentCredential(cred *types.AgentCredential) error
	GetActiveAgentCredential(serverGUID string) (*types.AgentCredential, error)
	ListAgentCredentials(serverGUID string) ([]*types.AgentCredential, error)

	// Alert states (one per (server, metric))
	GetAlertState(serverID, metricType string) (*types.AlertState, error)
	PutAlertState(state *types.AlertState) error
	ListAlertStates(serverID string) ([]*types.AlertState, error)

	// Alerts
	CreateAlert(alert *types.Alert) error
	GetAlert(id string) (*types.Alert, error)
	UpdateAlert(alert *types.Alert) error
	ListAlerts() ([]*types.Alert, error)
	ListAlertsByServer(serverID string) ([]*types.Alert, error)
	FindOpenAlert(serverID, alertType string) (*types.Alert, error)

	// Remediation actions
	CreateAction(action *types.RemediationAction) error
	GetAction(id string) (*types.RemediationAction, error)
	UpdateAction(action *types.RemediationAction) error
	ListActions() ([]*types.RemediationAction, error)
	ListActionsByServer(serverID string) ([]*types.RemediationAction, error)

	// Metrics history (append-only)
	AppendMetrics(sample *types.MetricsSample) error
	LatestMetrics(serverID string) (*types.MetricsSample, error)

	// Service statuses
	UpsertServiceStatus(status *types.ServiceStatus) error
	ListServiceStatuses(serverID string) ([]*types.ServiceStatus, error)

	// Expected services
	PutExpectedService(svc *types.ExpectedService) error
	ListExpectedServices(serverID string) ([]*types.ExpectedService, error)
	DeleteExpectedService(serverID, name string) error

	// Pending packages (wholesale replacement per server)
	ReplacePendingPackages(set *types.PendingPackageSet) error
	GetPendingPackages(serverID string) (*types.PendingPackageSet, error)

	// Config applies
	CreateConfigApply(apply *types.ConfigApply) error
	GetConfigApply(id string) (*types.ConfigApply, error)
	UpdateConfigApply(apply *types.ConfigApply) error
	ListConfigAppliesByServer(serverID string) ([]*types.ConfigApply, error)
	ActiveConfigApply(serverID string) (*types.ConfigApply, error)

	// Config checks (append-only history)
	AppendConfigCheck(check *types.ConfigCheck) error
	RecentConfigChecks(serverID, packName string, n int) ([]*types.ConfigCheck, error)

	// Utility
	Close() error
}
