package types

import (
	"time"
)

// ServerStatus represents the derived availability of a managed machine
type ServerStatus string

const (
	ServerStatusUnknown ServerStatus = "unknown"
	ServerStatusOnline  ServerStatus = "online"
	ServerStatusOffline ServerStatus = "offline"
)

// AgentMode defines what the agent on a machine is allowed to do
type AgentMode string

const (
	AgentModeReadonly  AgentMode = "readonly"
	AgentModeReadwrite AgentMode = "readwrite"
)

// CategorySource records whether the machine category was detected or set by hand
type CategorySource string

const (
	CategorySourceAuto   CategorySource = "auto"
	CategorySourceManual CategorySource = "manual"
)

// Server is the aggregate root for all per-machine state.
// The GUID is the permanent identity; it survives IP and hostname changes.
type Server struct {
	ID                string `json:"id"`
	GUID              string `json:"guid"`
	Hostname          string `json:"hostname,omitempty"`
	DisplayName       string `json:"display_name,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
	TailscaleHostname string `json:"tailscale_hostname,omitempty"`

	Status   ServerStatus `json:"status"`
	LastSeen *time.Time   `json:"last_seen,omitempty"`

	IsPaused      bool       `json:"is_paused"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
	IsInactive    bool       `json:"is_inactive"`
	InactiveSince *time.Time `json:"inactive_since,omitempty"`

	AgentMode    AgentMode `json:"agent_mode"`
	AgentVersion string    `json:"agent_version,omitempty"`

	MachineCategory       string         `json:"machine_category,omitempty"`
	MachineCategorySource CategorySource `json:"machine_category_source,omitempty"`
	IdleWatts             float64        `json:"idle_watts,omitempty"`
	TDPWatts              float64        `json:"tdp_watts,omitempty"`

	CPUModel     string `json:"cpu_model,omitempty"`
	CPUCores     int    `json:"cpu_cores,omitempty"`
	OSName       string `json:"os_name,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	Kernel       string `json:"kernel,omitempty"`
	Architecture string `json:"architecture,omitempty"`

	RebootRequired   bool `json:"reboot_required"`
	UpdatesAvailable int  `json:"updates_available"`
	SecurityUpdates  int  `json:"security_updates"`

	DriftDetectionEnabled bool     `json:"drift_detection_enabled"`
	AssignedPacks         []string `json:"assigned_packs,omitempty"`
	SSHUsername           string   `json:"ssh_username,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Target returns the address the SSH layer should connect to: the first
// non-empty of tailscale hostname, IP address, hostname.
func (s *Server) Target() string {
	if s.TailscaleHostname != "" {
		return s.TailscaleHostname
	}
	if s.IPAddress != "" {
		return s.IPAddress
	}
	return s.Hostname
}

// Display returns the human-facing name for the machine
func (s *Server) Display() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// CredentialType enumerates the secrets the vault accepts
type CredentialType string

const (
	CredentialTailscaleToken CredentialType = "tailscale_token"
	CredentialSSHPrivateKey  CredentialType = "ssh_private_key"
	CredentialSudoPassword   CredentialType = "sudo_password"
	CredentialSSHPassword    CredentialType = "ssh_password"
	// CredentialSSHUsername is the global SSH username override
	CredentialSSHUsername CredentialType = "ssh_username"
)

// Credential is an encrypted secret, global (empty ServerID) or per-server.
// At most one credential exists per (Type, ServerID) pair.
type Credential struct {
	ID        string         `json:"id"`
	Type      CredentialType `json:"credential_type"`
	ServerID  string         `json:"server_id,omitempty"`
	Encrypted []byte         `json:"encrypted_value"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HostKey is the SSH host key trusted for a machine (TOFU).
// Exactly one row exists per MachineID.
type HostKey struct {
	MachineID   string    `json:"machine_id"`
	Hostname    string    `json:"hostname"`
	KeyType     string    `json:"key_type"`
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// RegistrationToken is a single-use credential minted for a new agent.
// The plaintext is never persisted; only the SHA-256 hash is stored.
type RegistrationToken struct {
	ID                string     `json:"id"`
	TokenHash         string     `json:"token_hash"`
	Prefix            string     `json:"prefix"`
	Mode              AgentMode  `json:"mode"`
	DisplayName       string     `json:"display_name,omitempty"`
	MonitoredServices []string   `json:"monitored_services,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	ClaimedByServerID string     `json:"claimed_by_server_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Claimed reports whether the token has been used
func (t *RegistrationToken) Claimed() bool {
	return t.ClaimedAt != nil
}

// Expired reports whether the token has passed its expiry
func (t *RegistrationToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AgentCredential is the long-lived per-agent API token.
// At most one non-revoked credential exists per server GUID.
type AgentCredential struct {
	ServerGUID     string     `json:"server_guid"`
	APITokenHash   string     `json:"api_token_hash"`
	APITokenPrefix string     `json:"api_token_prefix"`
	IsLegacy       bool       `json:"is_legacy"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Severity grades an alert
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityMedium   Severity = "medium"
)

// AlertState is the per-(server, metric) working memory for the threshold
// state machine. CurrentSeverity empty means no active alert.
type AlertState struct {
	ServerID            string     `json:"server_id"`
	MetricType          string     `json:"metric_type"`
	CurrentSeverity     Severity   `json:"current_severity,omitempty"`
	ConsecutiveBreaches int        `json:"consecutive_breaches"`
	FirstBreachAt       *time.Time `json:"first_breach_at,omitempty"`
	LastNotifiedAt      *time.Time `json:"last_notified_at,omitempty"`
	CurrentValue        float64    `json:"current_value"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// AlertStatus tracks the lifecycle of a persistent alert
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Alert is a persistent, user-visible alert record
type Alert struct {
	ID             string      `json:"id"`
	ServerID       string      `json:"server_id"`
	AlertType      string      `json:"alert_type"`
	Severity       Severity    `json:"severity"`
	Status         AlertStatus `json:"status"`
	Title          string      `json:"title"`
	Message        string      `json:"message"`
	ThresholdValue float64     `json:"threshold_value"`
	ActualValue    float64     `json:"actual_value"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	AutoResolved   bool        `json:"auto_resolved"`
}

// ActionType enumerates the whitelisted remediation operations
type ActionType string

const (
	ActionRestartService     ActionType = "restart_service"
	ActionClearLogs          ActionType = "clear_logs"
	ActionAptUpdate          ActionType = "apt_update"
	ActionAptUpgradeAll      ActionType = "apt_upgrade_all"
	ActionAptUpgradeSecurity ActionType = "apt_upgrade_security"
)

// ActionStatus tracks the lifecycle of a remediation action
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusApproved  ActionStatus = "approved"
	ActionStatusRejected  ActionStatus = "rejected"
	ActionStatusExecuting ActionStatus = "executing"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s ActionStatus) Terminal() bool {
	return s == ActionStatusRejected || s == ActionStatusCompleted || s == ActionStatusFailed
}

// RemediationAction is a single remote command request. Command is always
// constructed by the hub's whitelist, never supplied by a client.
type RemediationAction struct {
	ID              string       `json:"id"`
	ServerID        string       `json:"server_id"`
	Type            ActionType   `json:"action_type"`
	ServiceName     string       `json:"service_name,omitempty"`
	Command         string       `json:"command"`
	AlertID         string       `json:"alert_id,omitempty"`
	Status          ActionStatus `json:"status"`
	CreatedBy       string       `json:"created_by"`
	CreatedAt       time.Time    `json:"created_at"`
	ApprovedAt      *time.Time   `json:"approved_at,omitempty"`
	ApprovedBy      string       `json:"approved_by,omitempty"`
	RejectedAt      *time.Time   `json:"rejected_at,omitempty"`
	RejectedBy      string       `json:"rejected_by,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	ExecutedAt      *time.Time   `json:"executed_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	ExitCode        *int         `json:"exit_code,omitempty"`
	Stdout          string       `json:"stdout,omitempty"`
	Stderr          string       `json:"stderr,omitempty"`
}

// ServiceState is the reported status of a monitored systemd unit
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
	ServiceFailed  ServiceState = "failed"
	ServiceUnknown ServiceState = "unknown"
)

// ServiceStatus is the last reported state of one service on one server
type ServiceStatus struct {
	ServerID   string       `json:"server_id"`
	Name       string       `json:"name"`
	State      ServiceState `json:"status"`
	PID        int          `json:"pid"`
	MemoryMB   float64      `json:"memory_mb"`
	CPUPercent float64      `json:"cpu_percent"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ExpectedService declares that a service should be running on a server
type ExpectedService struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
}

// PendingPackage is one upgradable package reported by the agent
type PendingPackage struct {
	Name           string `json:"name"`
	CurrentVersion string `json:"current_version,omitempty"`
	NewVersion     string `json:"new_version,omitempty"`
	Repository     string `json:"repository,omitempty"`
	IsSecurity     bool   `json:"is_security"`
}

// PendingPackageSet is the wholesale-replaced list of pending packages for a server
type PendingPackageSet struct {
	ServerID  string           `json:"server_id"`
	Packages  []PendingPackage `json:"packages"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// FilesystemUsage is per-filesystem detail from a heartbeat
type FilesystemUsage struct {
	Mountpoint  string  `json:"mountpoint"`
	Device      string  `json:"device,omitempty"`
	UsedPercent float64 `json:"used_percent"`
	TotalBytes  int64   `json:"total_bytes,omitempty"`
	UsedBytes   int64   `json:"used_bytes,omitempty"`
}

// MetricsSample is one appended metrics row for a server
type MetricsSample struct {
	ServerID      string            `json:"server_id"`
	Timestamp     time.Time         `json:"timestamp"`
	CPUPercent    *float64          `json:"cpu_percent,omitempty"`
	MemoryPercent *float64          `json:"memory_percent,omitempty"`
	DiskPercent   *float64          `json:"disk_percent,omitempty"`
	Load1         float64           `json:"load_1,omitempty"`
	Load5         float64           `json:"load_5,omitempty"`
	Load15        float64           `json:"load_15,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds,omitempty"`
	NetworkRx     int64             `json:"network_rx_bytes,omitempty"`
	NetworkTx     int64             `json:"network_tx_bytes,omitempty"`
	Filesystems   []FilesystemUsage `json:"filesystems,omitempty"`
}

// ConfigApplyStatus tracks a pack apply run
type ConfigApplyStatus string

const (
	ApplyPending   ConfigApplyStatus = "pending"
	ApplyRunning   ConfigApplyStatus = "running"
	ApplyCompleted ConfigApplyStatus = "completed"
	ApplyFailed    ConfigApplyStatus = "failed"
)

// ItemResult is the outcome of one pack item during apply or remove
type ItemResult struct {
	Item       string `json:"item"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
}

// ConfigApply is the progress record for one apply or remove run
type ConfigApply struct {
	ID             string            `json:"id"`
	ServerID       string            `json:"server_id"`
	PackName       string            `json:"pack_name"`
	Operation      string            `json:"operation"` // "apply" or "remove"
	Status         ConfigApplyStatus `json:"status"`
	Progress       int               `json:"progress"`
	ItemsTotal     int               `json:"items_total"`
	ItemsCompleted int               `json:"items_completed"`
	ItemsFailed    int               `json:"items_failed"`
	CurrentItem    string            `json:"current_item,omitempty"`
	Results        []ItemResult      `json:"results,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Active reports whether the apply is still in a non-terminal state
func (a *ConfigApply) Active() bool {
	return a.Status == ApplyPending || a.Status == ApplyRunning
}

// ConfigCheck is one compliance check result for a (server, pack) pair
type ConfigCheck struct {
	ID            string    `json:"id"`
	ServerID      string    `json:"server_id"`
	PackName      string    `json:"pack_name"`
	Compliant     bool      `json:"compliant"`
	MismatchCount int       `json:"mismatch_count"`
	Mismatches    []string  `json:"mismatches,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}
