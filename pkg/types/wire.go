package types

import "time"

// Wire types for the agent ⇄ hub heartbeat protocol. Field names and the
// response shape are compatibility-critical; validate tags are enforced at
// the ingest boundary.

// OSInfo is the operating system block of a heartbeat
type OSInfo struct {
	Name         string `json:"name,omitempty"`
	Version      string `json:"version,omitempty"`
	Kernel       string `json:"kernel,omitempty"`
	Architecture string `json:"architecture,omitempty"`
}

// CPUInfo is the optional CPU block of a heartbeat
type CPUInfo struct {
	Model string `json:"model,omitempty"`
	Cores int    `json:"cores,omitempty" validate:"gte=0"`
}

// HeartbeatMetrics carries the numeric health readings of one heartbeat
type HeartbeatMetrics struct {
	CPUPercent    *float64 `json:"cpu_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	MemoryPercent *float64 `json:"memory_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	DiskPercent   *float64 `json:"disk_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	Load1         float64  `json:"load_1,omitempty"`
	Load5         float64  `json:"load_5,omitempty"`
	Load15        float64  `json:"load_15,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds,omitempty" validate:"gte=0"`
	NetworkRx     int64    `json:"network_rx_bytes,omitempty"`
	NetworkTx     int64    `json:"network_tx_bytes,omitempty"`
}

// ServiceReport is one monitored service entry in a heartbeat
type ServiceReport struct {
	Name       string       `json:"name" validate:"required"`
	Status     ServiceState `json:"status" validate:"oneof=running stopped failed unknown"`
	PID        int          `json:"pid" validate:"gte=0"`
	MemoryMB   float64      `json:"memory_mb" validate:"gte=0"`
	CPUPercent float64      `json:"cpu_percent" validate:"gte=0,lte=100"`
}

// PackageReport is one pending package entry in a heartbeat
type PackageReport struct {
	Name           string `json:"name" validate:"required"`
	CurrentVersion string `json:"current_version,omitempty"`
	NewVersion     string `json:"new_version,omitempty"`
	Repository     string `json:"repository,omitempty"`
	IsSecurity     bool   `json:"is_security"`
}

// NetworkInterfaceReport is one interface entry in a heartbeat
type NetworkInterfaceReport struct {
	Name    string `json:"name" validate:"required"`
	RxBytes int64  `json:"rx_bytes"`
	TxBytes int64  `json:"tx_bytes"`
}

// HeartbeatRequest is the body of POST /agents/heartbeat
type HeartbeatRequest struct {
	ServerGUID   string    `json:"server_guid" validate:"required,uuid4_lower"`
	ServerID     string    `json:"server_id" validate:"required,server_slug"`
	Hostname     string    `json:"hostname" validate:"required"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
	AgentVersion string    `json:"agent_version,omitempty"`
	AgentMode    AgentMode `json:"agent_mode" validate:"omitempty,oneof=readonly readwrite"`

	OSInfo         OSInfo   `json:"os_info"`
	CPUInfo        *CPUInfo `json:"cpu_info,omitempty"`
	RebootRequired *bool    `json:"reboot_required,omitempty"`

	Metrics HeartbeatMetrics `json:"metrics"`

	Services          []ServiceReport          `json:"services,omitempty" validate:"dive"`
	Packages          []PackageReport          `json:"packages,omitempty" validate:"dive"`
	Filesystems       []FilesystemUsage        `json:"filesystems,omitempty"`
	NetworkInterfaces []NetworkInterfaceReport `json:"network_interfaces,omitempty" validate:"dive"`

	UpdatesAvailable int `json:"updates_available" validate:"gte=0"`
	SecurityUpdates  int `json:"security_updates" validate:"gte=0"`
}

// HeartbeatResponse is the body returned for every accepted heartbeat.
// PendingCommands is always empty today; the field is kept in the shape for
// forward compatibility.
type HeartbeatResponse struct {
	Status           string   `json:"status"`
	ServerRegistered bool     `json:"server_registered"`
	PendingCommands  []string `json:"pending_commands"`
}
