package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	registrationPrefix = "hlh_rt_"
	agentPrefix        = "hlh_ag_"
	displayPrefixLen   = 16

	// DefaultExpiryMinutes is how long a registration token stays usable
	DefaultExpiryMinutes = 1440
)

// ErrorKind classifies a failed registration-token validation
type ErrorKind string

const (
	ErrKindInvalid        ErrorKind = "invalid"
	ErrKindExpired        ErrorKind = "expired"
	ErrKindAlreadyClaimed ErrorKind = "already_claimed"
)

// ErrAlreadyClaimed is the deterministic error for a second claim attempt
var ErrAlreadyClaimed = errors.New("registration token already claimed")

// Authority owns the entire token lifecycle: registration tokens, per-agent
// API tokens, and permanent machine GUIDs.
type Authority struct {
	store storage.Store
}

// NewAuthority creates a token authority backed by the given store
func NewAuthority(store storage.Store) *Authority {
	return &Authority{store: store}
}

// hashToken is the stored form of any token: SHA-256 hex of the plaintext
func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomHex64() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MintRegistration creates a single-use registration token. The plaintext is
// returned exactly once and never persisted.
func (a *Authority) MintRegistration(mode types.AgentMode, displayName string, monitoredServices []string, expiryMinutes int) (*types.RegistrationToken, string, error) {
	if expiryMinutes <= 0 {
		expiryMinutes = DefaultExpiryMinutes
	}
	if mode == "" {
		mode = types.AgentModeReadonly
	}

	random, err := randomHex64()
	if err != nil {
		return nil, "", err
	}
	plaintext := registrationPrefix + random

	now := time.Now().UTC()
	token := &types.RegistrationToken{
		ID:                uuid.New().String(),
		TokenHash:         hashToken(plaintext),
		Prefix:            plaintext[:displayPrefixLen],
		Mode:              mode,
		DisplayName:       displayName,
		MonitoredServices: monitoredServices,
		ExpiresAt:         now.Add(time.Duration(expiryMinutes) * time.Minute),
		CreatedAt:         now,
	}

	if err := a.store.CreateRegistrationToken(token); err != nil {
		return nil, "", fmt.Errorf("failed to persist registration token: %w", err)
	}
	return token, plaintext, nil
}

// ValidateRegistration checks a presented registration token plaintext
func (a *Authority) ValidateRegistration(plaintext string) (bool, *types.RegistrationToken, ErrorKind) {
	if !strings.HasPrefix(plaintext, registrationPrefix) {
		return false, nil, ErrKindInvalid
	}

	token, err := a.store.GetRegistrationTokenByHash(hashToken(plaintext))
	if err != nil {
		return false, nil, ErrKindInvalid
	}
	if token.Claimed() {
		return false, token, ErrKindAlreadyClaimed
	}
	if token.Expired(time.Now().UTC()) {
		return false, token, ErrKindExpired
	}
	return true, token, ""
}

// ClaimResult is what a successful registration claim hands back to the agent
type ClaimResult struct {
	ServerID   string
	ServerGUID string
	APIToken   string
	ConfigYAML string
}

// ClaimRegistration consumes a registration token: it mints the permanent
// GUID, creates or reuses the Server, issues the agent credential, and marks
// the token claimed. The writes happen in order and the token is marked
// claimed last so a failure never strands a usable token.
func (a *Authority) ClaimRegistration(plaintext, serverID, hostname, hubURL string) (*ClaimResult, error) {
	valid, token, kind := a.ValidateRegistration(plaintext)
	if !valid {
		if kind == ErrKindAlreadyClaimed {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("registration token %s", kind)
	}

	guid := uuid.New().String()
	now := time.Now().UTC()

	server, err := a.store.GetServer(serverID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		server = &types.Server{
			ID:          serverID,
			GUID:        guid,
			Hostname:    hostname,
			DisplayName: token.DisplayName,
			Status:      types.ServerStatusUnknown,
			AgentMode:   token.Mode,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := a.store.CreateServer(server); err != nil {
			return nil, fmt.Errorf("failed to create server: %w", err)
		}
	} else {
		guid = server.GUID
		server.AgentMode = token.Mode
		server.UpdatedAt = now
		if err := a.store.UpdateServer(server); err != nil {
			return nil, err
		}
	}

	apiToken, err := a.issueAgentToken(guid)
	if err != nil {
		return nil, err
	}

	token.ClaimedAt = &now
	token.ClaimedByServerID = serverID
	if err := a.store.UpdateRegistrationToken(token); err != nil {
		return nil, fmt.Errorf("failed to mark token claimed: %w", err)
	}

	for _, svc := range token.MonitoredServices {
		if err := a.store.PutExpectedService(&types.ExpectedService{
			ServerID: serverID,
			Name:     svc,
		}); err != nil {
			return nil, err
		}
	}

	configYAML, err := renderAgentConfig(hubURL, serverID, guid, apiToken, token.Mode, token.MonitoredServices)
	if err != nil {
		return nil, err
	}

	log.WithComponent("tokens").Info().
		Str("server_id", serverID).
		Str("server_guid", guid).
		Msg("registration token claimed")

	return &ClaimResult{
		ServerID:   serverID,
		ServerGUID: guid,
		APIToken:   apiToken,
		ConfigYAML: configYAML,
	}, nil
}

// issueAgentToken mints and persists a fresh agent credential for a GUID
func (a *Authority) issueAgentToken(guid string) (string, error) {
	random, err := randomHex64()
	if err != nil {
		return "", err
	}
	plaintext := agentPrefix + guid[:8] + "_" + random

	cred := &types.AgentCredential{
		ServerGUID:     guid,
		APITokenHash:   hashToken(plaintext),
		APITokenPrefix: plaintext[:displayPrefixLen],
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.PutAgentCredential(cred); err != nil {
		return "", fmt.Errorf("failed to persist agent credential: %w", err)
	}
	return plaintext, nil
}

// ValidateAgent checks a presented agent token against the credential bound
// to the GUID. The hash comparison is constant time. Updates last_used_at on
// success.
func (a *Authority) ValidateAgent(plaintext, serverGUID string) (bool, *types.AgentCredential) {
	if !strings.HasPrefix(plaintext, agentPrefix) || serverGUID == "" {
		return false, nil
	}

	cred, err := a.store.GetActiveAgentCredential(serverGUID)
	if err != nil {
		return false, nil
	}

	presented := hashToken(plaintext)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(cred.APITokenHash)) != 1 {
		log.WithComponent("tokens").Warn().
			Str("server_guid", serverGUID).
			Msg("agent token mismatch")
		return false, nil
	}

	now := time.Now().UTC()
	cred.LastUsedAt = &now
	if err := a.store.PutAgentCredential(cred); err != nil {
		log.WithComponent("tokens").Error().Err(err).Msg("failed to update last_used_at")
	}
	return true, cred
}

// RotateAgent issues a new token and revokes the old one in one step.
// The old token is invalid as soon as this returns.
func (a *Authority) RotateAgent(serverGUID string) (string, error) {
	old, err := a.store.GetActiveAgentCredential(serverGUID)
	if err != nil {
		return "", fmt.Errorf("no active credential for %s: %w", serverGUID, err)
	}

	// Issue before revoking; a failed issue must not strand the GUID
	// without a usable credential
	plaintext, err := a.issueAgentToken(serverGUID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	old.RevokedAt = &now
	if err := a.store.PutAgentCredential(old); err != nil {
		return "", err
	}

	log.WithComponent("tokens").Info().
		Str("server_guid", serverGUID).
		Msg("agent token rotated")
	return plaintext, nil
}

// RevokeAgent invalidates the active credential for a GUID
func (a *Authority) RevokeAgent(serverGUID string) error {
	cred, err := a.store.GetActiveAgentCredential(serverGUID)
	if err != nil {
		return fmt.Errorf("no active credential for %s: %w", serverGUID, err)
	}
	now := time.Now().UTC()
	cred.RevokedAt = &now
	return a.store.PutAgentCredential(cred)
}

// agentConfig is the YAML document handed to a freshly registered agent
type agentConfig struct {
	HubURL            string   `yaml:"hub_url"`
	ServerID          string   `yaml:"server_id"`
	ServerGUID        string   `yaml:"server_guid"`
	APIToken          string   `yaml:"api_token"`
	HeartbeatInterval int      `yaml:"heartbeat_interval"`
	Mode              string   `yaml:"mode"`
	MonitoredServices []string `yaml:"monitored_services,omitempty"`

	CommandExecution *commandExecution `yaml:"command_execution,omitempty"`
}

type commandExecution struct {
	Enabled bool `yaml:"enabled"`
}

func renderAgentConfig(hubURL, serverID, guid, apiToken string, mode types.AgentMode, services []string) (string, error) {
	cfg := agentConfig{
		HubURL:            strings.TrimRight(hubURL, "/"),
		ServerID:          serverID,
		ServerGUID:        guid,
		APIToken:          apiToken,
		HeartbeatInterval: 60,
		Mode:              string(mode),
		MonitoredServices: services,
	}
	if mode == types.AgentModeReadwrite {
		cfg.CommandExecution = &commandExecution{Enabled: true}
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("failed to render agent config: %w", err)
	}
	return string(out), nil
}
