package tokens

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
	"gopkg.in/yaml.v3"
)

func newTestAuthority(t *testing.T) (*Authority, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewAuthority(store), store
}

func TestMintRegistrationFormat(t *testing.T) {
	a, _ := newTestAuthority(t)

	token, plaintext, err := a.MintRegistration(types.AgentModeReadwrite, "NAS", []string{"nginx"}, 60)
	if err != nil {
		t.Fatalf("MintRegistration failed: %v", err)
	}

	if !strings.HasPrefix(plaintext, "hlh_rt_") {
		t.Errorf("plaintext %q lacks hlh_rt_ prefix", plaintext)
	}
	if len(plaintext) != len("hlh_rt_")+64 {
		t.Errorf("plaintext length = %d, want prefix+64 hex", len(plaintext))
	}
	if token.Prefix != plaintext[:16] {
		t.Errorf("display prefix = %q, want first 16 chars", token.Prefix)
	}
	if token.TokenHash == plaintext || strings.Contains(token.TokenHash, plaintext) {
		t.Error("plaintext leaked into stored hash")
	}
	if got := time.Until(token.ExpiresAt); got < 59*time.Minute || got > 61*time.Minute {
		t.Errorf("expiry %v not ~60 minutes out", got)
	}
}

func TestValidateRegistration(t *testing.T) {
	a, store := newTestAuthority(t)

	_, plaintext, err := a.MintRegistration(types.AgentModeReadonly, "", nil, 60)
	if err != nil {
		t.Fatalf("MintRegistration failed: %v", err)
	}

	if ok, _, kind := a.ValidateRegistration(plaintext); !ok || kind != "" {
		t.Errorf("fresh token invalid: kind=%s", kind)
	}
	if ok, _, kind := a.ValidateRegistration("hlh_rt_" + strings.Repeat("0", 64)); ok || kind != ErrKindInvalid {
		t.Errorf("unknown token: ok=%v kind=%s, want invalid", ok, kind)
	}
	if ok, _, kind := a.ValidateRegistration("garbage"); ok || kind != ErrKindInvalid {
		t.Errorf("malformed token: ok=%v kind=%s, want invalid", ok, kind)
	}

	// Force expiry
	expired, expiredPlain, err := a.MintRegistration(types.AgentModeReadonly, "", nil, 60)
	if err != nil {
		t.Fatalf("MintRegistration failed: %v", err)
	}
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.UpdateRegistrationToken(expired); err != nil {
		t.Fatalf("UpdateRegistrationToken failed: %v", err)
	}
	if ok, _, kind := a.ValidateRegistration(expiredPlain); ok || kind != ErrKindExpired {
		t.Errorf("expired token: ok=%v kind=%s, want expired", ok, kind)
	}
}

func TestClaimRegistration(t *testing.T) {
	a, store := newTestAuthority(t)

	_, plaintext, err := a.MintRegistration(types.AgentModeReadwrite, "Living room Pi", []string{"nginx", "sshd"}, 60)
	if err != nil {
		t.Fatalf("MintRegistration failed: %v", err)
	}

	result, err := a.ClaimRegistration(plaintext, "pi-01", "raspberrypi", "https://hub.local:8420/")
	if err != nil {
		t.Fatalf("ClaimRegistration failed: %v", err)
	}

	server, err := store.GetServer("pi-01")
	if err != nil {
		t.Fatalf("server not created: %v", err)
	}
	if server.GUID != result.ServerGUID {
		t.Errorf("server GUID %s != claim GUID %s", server.GUID, result.ServerGUID)
	}
	if server.AgentMode != types.AgentModeReadwrite {
		t.Errorf("agent mode = %s, want readwrite", server.AgentMode)
	}
	if server.DisplayName != "Living room Pi" {
		t.Errorf("display name = %q", server.DisplayName)
	}

	if !strings.HasPrefix(result.APIToken, "hlh_ag_") {
		t.Errorf("agent token %q lacks hlh_ag_ prefix", result.APIToken)
	}
	if ok, _ := a.ValidateAgent(result.APIToken, result.ServerGUID); !ok {
		t.Error("freshly issued agent token does not validate")
	}

	expected, err := store.ListExpectedServices("pi-01")
	if err != nil || len(expected) != 2 {
		t.Errorf("expected services = %d (%v), want 2", len(expected), err)
	}

	var cfg map[string]any
	if err := yaml.Unmarshal([]byte(result.ConfigYAML), &cfg); err != nil {
		t.Fatalf("config YAML does not parse: %v", err)
	}
	if cfg["hub_url"] != "https://hub.local:8420" {
		t.Errorf("hub_url = %v, want trailing slash stripped", cfg["hub_url"])
	}
	if cfg["heartbeat_interval"] != 60 {
		t.Errorf("heartbeat_interval = %v, want 60", cfg["heartbeat_interval"])
	}
	if _, ok := cfg["command_execution"]; !ok {
		t.Error("readwrite config missing command_execution block")
	}

	// Second claim must fail deterministically
	if _, err := a.ClaimRegistration(plaintext, "pi-02", "other", "http://hub"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim error = %v, want ErrAlreadyClaimed", err)
	}
}

func TestValidateAgent(t *testing.T) {
	a, _ := newTestAuthority(t)

	_, plaintext, _ := a.MintRegistration(types.AgentModeReadonly, "", nil, 60)
	result, err := a.ClaimRegistration(plaintext, "nas-01", "nas", "http://hub")
	if err != nil {
		t.Fatalf("ClaimRegistration failed: %v", err)
	}

	tests := []struct {
		name  string
		token string
		guid  string
		want  bool
	}{
		{"valid", result.APIToken, result.ServerGUID, true},
		{"wrong guid", result.APIToken, "00000000-0000-4000-8000-000000000000", false},
		{"wrong token", "hlh_ag_deadbeef_" + strings.Repeat("0", 64), result.ServerGUID, false},
		{"no prefix", strings.TrimPrefix(result.APIToken, "hlh_ag_"), result.ServerGUID, false},
		{"empty guid", result.APIToken, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ok, _ := a.ValidateAgent(tt.token, tt.guid); ok != tt.want {
				t.Errorf("ValidateAgent = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestRotateAgent(t *testing.T) {
	a, _ := newTestAuthority(t)

	_, plaintext, _ := a.MintRegistration(types.AgentModeReadonly, "", nil, 60)
	result, err := a.ClaimRegistration(plaintext, "nas-01", "nas", "http://hub")
	if err != nil {
		t.Fatalf("ClaimRegistration failed: %v", err)
	}

	fresh, err := a.RotateAgent(result.ServerGUID)
	if err != nil {
		t.Fatalf("RotateAgent failed: %v", err)
	}

	if ok, _ := a.ValidateAgent(result.APIToken, result.ServerGUID); ok {
		t.Error("old token still validates after rotation")
	}
	if ok, _ := a.ValidateAgent(fresh, result.ServerGUID); !ok {
		t.Error("fresh token does not validate")
	}
}

// rotateFailStore rejects writes of fresh credentials so a rotation fails
// at the issue step
type rotateFailStore struct {
	storage.Store
}

func (s *rotateFailStore) PutAgentCredential(cred *types.AgentCredential) error {
	if cred.RevokedAt == nil {
		return errors.New("disk full")
	}
	return s.Store.PutAgentCredential(cred)
}

func TestRotateAgentKeepsOldCredentialOnFailedIssue(t *testing.T) {
	a, store := newTestAuthority(t)

	_, plaintext, _ := a.MintRegistration(types.AgentModeReadonly, "", nil, 60)
	result, err := a.ClaimRegistration(plaintext, "nas-01", "nas", "http://hub")
	if err != nil {
		t.Fatalf("ClaimRegistration failed: %v", err)
	}

	broken := NewAuthority(&rotateFailStore{Store: store})
	if _, err := broken.RotateAgent(result.ServerGUID); err == nil {
		t.Fatal("RotateAgent succeeded with a store that cannot persist new credentials")
	}

	// The GUID must still hold a usable credential
	if ok, _ := a.ValidateAgent(result.APIToken, result.ServerGUID); !ok {
		t.Error("old token stopped validating after a failed rotation")
	}
}

func TestRevokeAgent(t *testing.T) {
	a, _ := newTestAuthority(t)

	_, plaintext, _ := a.MintRegistration(types.AgentModeReadonly, "", nil, 60)
	result, err := a.ClaimRegistration(plaintext, "nas-01", "nas", "http://hub")
	if err != nil {
		t.Fatalf("ClaimRegistration failed: %v", err)
	}

	if err := a.RevokeAgent(result.ServerGUID); err != nil {
		t.Fatalf("RevokeAgent failed: %v", err)
	}
	if ok, _ := a.ValidateAgent(result.APIToken, result.ServerGUID); ok {
		t.Error("revoked token still validates")
	}
}
