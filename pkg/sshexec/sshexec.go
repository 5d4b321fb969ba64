package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/homelabcmd/hub/pkg/hostkeys"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/types"
	"github.com/homelabcmd/hub/pkg/vault"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultTimeout bounds a single remote command
	DefaultTimeout = 30 * time.Second

	// OutputCap truncates captured stdout and stderr
	OutputCap = 10 * 1024

	poolTTL           = 5 * time.Minute
	connectAttempts   = 3
	connectRetryDelay = 2 * time.Second
	dialTimeout       = 10 * time.Second
	sshPort           = 22

	defaultUsername = "homelabcmd"
)

var (
	// ErrKeyNotConfigured means no SSH private key could be loaded from the
	// vault or from the well-known on-disk locations
	ErrKeyNotConfigured = errors.New("no SSH private key configured")

	// ErrEmptyCommand rejects blank command strings before they reach a host
	ErrEmptyCommand = errors.New("command cannot be empty")

	// ErrNoTarget means the server has no usable hostname or address
	ErrNoTarget = errors.New("server has no usable hostname")
)

// ConnectionError is a transient transport failure; the connect layer
// retries these.
type ConnectionError struct {
	Hostname string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %v", e.Hostname, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is never retried
type AuthenticationError struct {
	Hostname string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("ssh authentication to %s failed: %v", e.Hostname, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// CommandTimeoutError means the remote command exceeded its deadline.
// The pooled connection is treated as suspect and evicted.
type CommandTimeoutError struct {
	Hostname string
	Command  string
	Timeout  time.Duration
}

func (e *CommandTimeoutError) Error() string {
	cmd := e.Command
	if len(cmd) > 80 {
		cmd = cmd[:80] + "..."
	}
	return fmt.Sprintf("command on %s timed out after %s: %s", e.Hostname, e.Timeout, cmd)
}

// CommandResult is the outcome of one remote command
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMS int64
}

// TestResult is the outcome of a connectivity probe
type TestResult struct {
	LatencyMS   int64
	Fingerprint string
}

type pooledConn struct {
	client    *ssh.Client
	expiresAt time.Time
}

// Executor is the only sanctioned way to reach remote hosts. Connections are
// pooled per hostname with a TTL; host keys are verified TOFU-style on every
// connect.
type Executor struct {
	vault    *vault.Vault
	hostKeys *hostkeys.Store

	mu   sync.Mutex
	pool map[string]*pooledConn

	// fallbackKeyDir overrides ~/.ssh in tests
	fallbackKeyDir string
}

// NewExecutor creates an executor reading key material from the vault and
// verifying host keys against the TOFU store.
func NewExecutor(v *vault.Vault, hk *hostkeys.Store) *Executor {
	return &Executor{
		vault:    v,
		hostKeys: hk,
		pool:     make(map[string]*pooledConn),
	}
}

// Execute runs a command on the server with the given timeout. Stdout and
// stderr are capped at 10 KiB each. A mid-command transport failure evicts
// the pooled connection and retries once with a fresh one.
func (e *Executor) Execute(ctx context.Context, server *types.Server, command string, timeout time.Duration) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	target := server.Target()
	if target == "" {
		return nil, ErrNoTarget
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	result, err := e.runOnce(ctx, server, target, command, timeout)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			// transport died mid-command; one retry on a fresh connection
			e.evict(target)
			result, err = e.runOnce(ctx, server, target, command, timeout)
		}
	}
	return result, err
}

func (e *Executor) runOnce(ctx context.Context, server *types.Server, target, command string, timeout time.Duration) (*CommandResult, error) {
	client, err := e.connection(ctx, server, target)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Hostname: target, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		e.evict(target)
		return nil, &CommandTimeoutError{Hostname: target, Command: command, Timeout: timeout}
	case <-ctx.Done():
		e.evict(target)
		return nil, ctx.Err()
	}

	duration := time.Since(start).Milliseconds()

	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitStatus()
		} else {
			return nil, &ConnectionError{Hostname: target, Err: err}
		}
	}

	return &CommandResult{
		Stdout:     truncate(stdout.String(), OutputCap),
		Stderr:     truncate(stderr.String(), OutputCap),
		ExitCode:   exitCode,
		DurationMS: duration,
	}, nil
}

// Test runs the connect pipeline without executing a command and reports
// latency and the verified host key fingerprint.
func (e *Executor) Test(ctx context.Context, server *types.Server) (*TestResult, error) {
	target := server.Target()
	if target == "" {
		return nil, ErrNoTarget
	}

	start := time.Now()
	if _, err := e.connection(ctx, server, target); err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()

	key, err := e.hostKeys.Get(server.ID)
	if err != nil {
		return nil, err
	}
	fingerprint := ""
	if key != nil {
		fingerprint = key.Fingerprint
	}
	return &TestResult{LatencyMS: latency, Fingerprint: fingerprint}, nil
}

// ClearPool closes all pooled connections. Must be called when the SSH key
// changes.
func (e *Executor) ClearPool() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for host, pc := range e.pool {
		pc.client.Close()
		delete(e.pool, host)
	}
}

func (e *Executor) evict(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pc, ok := e.pool[target]; ok {
		pc.client.Close()
		delete(e.pool, target)
	}
}

// connection returns a live pooled connection, dialing a fresh one when the
// entry is absent, expired, or dead.
func (e *Executor) connection(ctx context.Context, server *types.Server, target string) (*ssh.Client, error) {
	e.mu.Lock()
	pc, ok := e.pool[target]
	if ok {
		if time.Now().Before(pc.expiresAt) && alive(pc.client) {
			e.mu.Unlock()
			return pc.client, nil
		}
		pc.client.Close()
		delete(e.pool, target)
	}
	e.mu.Unlock()

	client, err := e.connect(ctx, server, target)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.pool[target] = &pooledConn{client: client, expiresAt: time.Now().Add(poolTTL)}
	e.mu.Unlock()
	return client, nil
}

// alive sends a keepalive request to check transport liveness
func alive(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// connect dials with bounded retries for transient errors. Authentication
// failures and host key mismatches are not retried.
func (e *Executor) connect(ctx context.Context, server *types.Server, target string) (*ssh.Client, error) {
	username := e.username(server)
	auth, err := e.authMethods(server)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		Timeout:         dialTimeout,
		HostKeyCallback: e.hostKeyCallback(server),
	}

	addr := net.JoinHostPort(target, fmt.Sprint(sshPort))

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			return client, nil
		}

		var changed *hostkeys.ChangedError
		if errors.As(err, &changed) {
			return nil, changed
		}
		if isAuthError(err) {
			return nil, &AuthenticationError{Hostname: target, Err: err}
		}

		lastErr = err
		if attempt < connectAttempts {
			log.WithComponent("sshexec").Debug().
				Str("host", target).
				Int("attempt", attempt).
				Err(err).
				Msg("ssh connect failed, retrying")
			select {
			case <-time.After(connectRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &ConnectionError{Hostname: target, Err: lastErr}
}

func (e *Executor) hostKeyCallback(server *types.Server) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return e.hostKeys.Verify(server.ID, hostname, key)
	}
}

// Username reports which SSH user Execute would log in as. Callers that
// render user-relative paths need this before running anything.
func (e *Executor) Username(server *types.Server) string {
	return e.username(server)
}

// username resolves the SSH user: per-server override, then the global
// ssh_username credential, then the default.
func (e *Executor) username(server *types.Server) string {
	if server.SSHUsername != "" {
		return server.SSHUsername
	}
	if e.vault != nil {
		if name, ok, err := e.vault.Effective(types.CredentialSSHUsername, server.ID); err == nil && ok {
			return name
		}
	}
	return defaultUsername
}

// authMethods builds the auth chain: vault key, on-disk key fallback, and an
// optional password.
func (e *Executor) authMethods(server *types.Server) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	signer, err := e.loadSigner()
	if err != nil && !errors.Is(err, ErrKeyNotConfigured) {
		return nil, err
	}
	if signer != nil {
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if e.vault != nil {
		if password, ok, perr := e.vault.Effective(types.CredentialSSHPassword, server.ID); perr == nil && ok {
			methods = append(methods, ssh.Password(password))
		}
	}

	if len(methods) == 0 {
		return nil, ErrKeyNotConfigured
	}
	return methods, nil
}

// loadSigner fetches the private key from the vault, falling back to the
// well-known on-disk locations in ed25519, ecdsa, rsa order.
func (e *Executor) loadSigner() (ssh.Signer, error) {
	if e.vault != nil {
		content, ok, err := e.vault.Get(types.CredentialSSHPrivateKey, "")
		if err != nil {
			return nil, err
		}
		if ok {
			signer, err := ssh.ParsePrivateKey([]byte(content))
			if err != nil {
				return nil, fmt.Errorf("failed to parse vault SSH key: %w", err)
			}
			return signer, nil
		}
	}

	dir := e.fallbackKeyDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, ErrKeyNotConfigured
		}
		dir = filepath.Join(home, ".ssh")
	}

	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(content)
		if err != nil {
			continue
		}
		return signer, nil
	}
	return nil, ErrKeyNotConfigured
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unable to authenticate") ||
		strings.Contains(s, "no supported methods remain")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
