package sshexec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/homelabcmd/hub/pkg/hostkeys"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
	"github.com/homelabcmd/hub/pkg/vault"
	"golang.org/x/crypto/ssh"
)

func newTestExecutor(t *testing.T) (*Executor, *vault.Vault) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	v, err := vault.New(key, store)
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	e := NewExecutor(v, hostkeys.NewStore(store))
	e.fallbackKeyDir = t.TempDir()
	return e, v
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	e, _ := newTestExecutor(t)
	server := &types.Server{ID: "nas-01", Hostname: "nas.local"}

	for _, cmd := range []string{"", "   ", "\n\t"} {
		if _, err := e.Execute(context.Background(), server, cmd, time.Second); !errors.Is(err, ErrEmptyCommand) {
			t.Errorf("Execute(%q) err = %v, want ErrEmptyCommand", cmd, err)
		}
	}
}

func TestExecuteRejectsServerWithoutTarget(t *testing.T) {
	e, _ := newTestExecutor(t)

	_, err := e.Execute(context.Background(), &types.Server{ID: "nas-01"}, "uptime", time.Second)
	if !errors.Is(err, ErrNoTarget) {
		t.Errorf("err = %v, want ErrNoTarget", err)
	}
}

func TestUsernameResolutionOrder(t *testing.T) {
	e, v := newTestExecutor(t)
	server := &types.Server{ID: "nas-01", Hostname: "nas.local"}

	if got := e.Username(server); got != defaultUsername {
		t.Errorf("username = %q, want default %q", got, defaultUsername)
	}

	if _, err := v.Store(types.CredentialSSHUsername, "deploy", ""); err != nil {
		t.Fatalf("vault store failed: %v", err)
	}
	if got := e.Username(server); got != "deploy" {
		t.Errorf("username = %q, want vault value deploy", got)
	}

	server.SSHUsername = "admin"
	if got := e.Username(server); got != "admin" {
		t.Errorf("username = %q, want per-server override admin", got)
	}
}

func TestAuthMethodsWithoutAnyCredential(t *testing.T) {
	e, _ := newTestExecutor(t)

	_, err := e.authMethods(&types.Server{ID: "nas-01"})
	if !errors.Is(err, ErrKeyNotConfigured) {
		t.Errorf("err = %v, want ErrKeyNotConfigured", err)
	}
}

func TestAuthMethodsPasswordOnly(t *testing.T) {
	e, v := newTestExecutor(t)
	if _, err := v.Store(types.CredentialSSHPassword, "hunter2", ""); err != nil {
		t.Fatalf("vault store failed: %v", err)
	}

	methods, err := e.authMethods(&types.Server{ID: "nas-01"})
	if err != nil {
		t.Fatalf("authMethods failed: %v", err)
	}
	if len(methods) != 1 {
		t.Errorf("methods = %d, want 1", len(methods))
	}
}

func marshalTestKey(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return pem.EncodeToMemory(block)
}

func TestLoadSignerPrefersVaultKey(t *testing.T) {
	e, v := newTestExecutor(t)
	if _, err := v.Store(types.CredentialSSHPrivateKey, string(marshalTestKey(t)), ""); err != nil {
		t.Fatalf("vault store failed: %v", err)
	}

	signer, err := e.loadSigner()
	if err != nil {
		t.Fatalf("loadSigner failed: %v", err)
	}
	if signer.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Errorf("key type = %s", signer.PublicKey().Type())
	}
}

func TestLoadSignerFallsBackToDisk(t *testing.T) {
	e, _ := newTestExecutor(t)
	path := filepath.Join(e.fallbackKeyDir, "id_ed25519")
	if err := os.WriteFile(path, marshalTestKey(t), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	if _, err := e.loadSigner(); err != nil {
		t.Errorf("loadSigner failed: %v", err)
	}
}

func TestLoadSignerRejectsGarbageVaultKey(t *testing.T) {
	e, v := newTestExecutor(t)
	if _, err := v.Store(types.CredentialSSHPrivateKey, "not a pem block", ""); err != nil {
		t.Fatalf("vault store failed: %v", err)
	}

	if _, err := e.loadSigner(); err == nil {
		t.Error("loadSigner accepted a garbage key")
	}
}

func TestCommandTimeoutErrorTruncatesCommand(t *testing.T) {
	err := &CommandTimeoutError{
		Hostname: "nas.local",
		Command:  strings.Repeat("x", 200),
		Timeout:  30 * time.Second,
	}
	msg := err.Error()
	if strings.Contains(msg, strings.Repeat("x", 81)) {
		t.Errorf("command not truncated: %q", msg)
	}
	if !strings.Contains(msg, "...") {
		t.Errorf("truncation marker missing: %q", msg)
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ssh: unable to authenticate, attempted methods [publickey]"), true},
		{errors.New("ssh: handshake failed: no supported methods remain"), true},
		{errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		if got := isAuthError(tt.err); got != tt.want {
			t.Errorf("isAuthError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate(strings.Repeat("a", 20), 10); len(got) != 10 {
		t.Errorf("truncate length = %d, want 10", len(got))
	}
}
