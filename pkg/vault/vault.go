package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
)

// Scope describes where an effective credential lookup resolved
type Scope string

const (
	ScopePerServer Scope = "per_server"
	ScopeGlobal    Scope = "global"
	ScopeNone      Scope = "none"
)

var (
	// ErrInvalidKey means the encryption key is malformed; startup-fatal.
	ErrInvalidKey = errors.New("encryption key must be URL-safe base64 of 32 bytes")

	// ErrUnknownType means the credential type is not in the allowed set
	ErrUnknownType = errors.New("unknown credential type")

	// ErrEmptyValue means the caller tried to store an empty secret
	ErrEmptyValue = errors.New("credential value cannot be empty")
)

// DecryptionError means a ciphertext could not be decrypted with the
// configured key. The credential must be re-entered by the operator.
type DecryptionError struct {
	Type types.CredentialType
	Err  error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("cannot decrypt credential %s: %v", e.Type, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

var allowedTypes = map[types.CredentialType]bool{
	types.CredentialTailscaleToken: true,
	types.CredentialSSHPrivateKey:  true,
	types.CredentialSudoPassword:   true,
	types.CredentialSSHPassword:    true,
	types.CredentialSSHUsername:    true,
}

// Vault encrypts secrets at rest with a single hub-wide AES-256-GCM key.
// The key is supplied out of band and never stored.
type Vault struct {
	key   []byte
	store storage.Store
}

// New creates a vault from a URL-safe base64 encoded 32-byte key
func New(encodedKey string, store storage.Store) (*Vault, error) {
	key, err := base64.URLEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	return &Vault{key: key, store: store}, nil
}

// GenerateKey returns a fresh URL-safe base64 encoded 32-byte key.
// Used by the `hub genkey` CLI command.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// Store encrypts and upserts a credential. Empty serverID means global.
func (v *Vault) Store(credType types.CredentialType, value, serverID string) (string, error) {
	if !allowedTypes[credType] {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, credType)
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrEmptyValue
	}

	ciphertext, err := v.encrypt([]byte(value))
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	cred := &types.Credential{
		ID:        uuid.New().String(),
		Type:      credType,
		ServerID:  serverID,
		Encrypted: ciphertext,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := v.store.GetCredential(credType, serverID); err == nil {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	}

	if err := v.store.PutCredential(cred); err != nil {
		return "", fmt.Errorf("failed to persist credential: %w", err)
	}
	return cred.ID, nil
}

// Get decrypts the credential stored for exactly (type, serverID).
// Returns ("", nil, false) when absent. Does not fall back to global.
func (v *Vault) Get(credType types.CredentialType, serverID string) (string, bool, error) {
	cred, err := v.store.GetCredential(credType, serverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}

	plaintext, err := v.decrypt(cred.Encrypted)
	if err != nil {
		return "", false, &DecryptionError{Type: credType, Err: err}
	}
	return string(plaintext), true, nil
}

// Effective returns the per-server value if present, else the global one.
// The two scopes are never mixed.
func (v *Vault) Effective(credType types.CredentialType, serverID string) (string, bool, error) {
	if serverID != "" {
		value, ok, err := v.Get(credType, serverID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return value, true, nil
		}
	}
	return v.Get(credType, "")
}

// Scope reports where Effective would resolve for (type, serverID)
func (v *Vault) Scope(credType types.CredentialType, serverID string) (Scope, error) {
	if serverID != "" {
		if ok, err := v.Exists(credType, serverID); err != nil {
			return ScopeNone, err
		} else if ok {
			return ScopePerServer, nil
		}
	}
	if ok, err := v.Exists(credType, ""); err != nil {
		return ScopeNone, err
	} else if ok {
		return ScopeGlobal, nil
	}
	return ScopeNone, nil
}

// Exists reports whether a credential is stored for exactly (type, serverID)
func (v *Vault) Exists(credType types.CredentialType, serverID string) (bool, error) {
	_, err := v.store.GetCredential(credType, serverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes the credential; returns false if none existed
func (v *Vault) Delete(credType types.CredentialType, serverID string) (bool, error) {
	ok, err := v.Exists(credType, serverID)
	if err != nil || !ok {
		return false, err
	}
	if err := v.store.DeleteCredential(credType, serverID); err != nil {
		return false, err
	}
	return true, nil
}

// encrypt seals plaintext with AES-256-GCM, nonce prepended
func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens data sealed by encrypt
func (v *Vault) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
