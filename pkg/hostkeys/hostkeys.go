package hostkeys

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
	"golang.org/x/crypto/ssh"
)

// ChangedError means the host presented a key different from the trusted one.
// The connection must not be used for further work; a human has to decide.
type ChangedError struct {
	MachineID string
	Stored    string
	Presented string
}

func (e *ChangedError) Error() string {
	return fmt.Sprintf("host key for %s changed: trusted %s, presented %s",
		e.MachineID, e.Stored, e.Presented)
}

// Store implements trust-on-first-use for SSH host keys, one key per machine.
type Store struct {
	store storage.Store
}

// NewStore creates a host key store backed by the given storage
func NewStore(store storage.Store) *Store {
	return &Store{store: store}
}

// Fingerprint computes the "SHA256:" + base64(sha256(key)) form with
// padding stripped, matching the OpenSSH presentation.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// Get returns the trusted key for a machine, or nil if none is stored yet
func (s *Store) Get(machineID string) (*types.HostKey, error) {
	key, err := s.store.GetHostKey(machineID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// Verify applies the TOFU protocol for a freshly retrieved peer key:
// store on first contact, update last_seen when unchanged, and fail with
// ChangedError on mismatch.
func (s *Store) Verify(machineID, hostname string, key ssh.PublicKey) error {
	fingerprint := Fingerprint(key)

	stored, err := s.Get(machineID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if stored == nil {
		logger := log.WithComponent("hostkeys")
		logger.Info().
			Str("machine_id", machineID).
			Str("fingerprint", fingerprint).
			Msg("trusting host key on first use")
		return s.store.PutHostKey(&types.HostKey{
			MachineID:   machineID,
			Hostname:    hostname,
			KeyType:     key.Type(),
			PublicKey:   base64.StdEncoding.EncodeToString(key.Marshal()),
			Fingerprint: fingerprint,
			FirstSeen:   now,
			LastSeen:    now,
		})
	}

	if stored.Fingerprint != fingerprint {
		logger := log.WithComponent("hostkeys")
		logger.Warn().
			Str("machine_id", machineID).
			Str("stored", stored.Fingerprint).
			Str("presented", fingerprint).
			Msg("host key changed, refusing connection")
		return &ChangedError{
			MachineID: machineID,
			Stored:    stored.Fingerprint,
			Presented: fingerprint,
		}
	}

	stored.LastSeen = now
	return s.store.PutHostKey(stored)
}

// UpdateLastSeen touches the stored key's last_seen timestamp
func (s *Store) UpdateLastSeen(machineID string) error {
	stored, err := s.Get(machineID)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("host key for %s: %w", machineID, storage.ErrNotFound)
	}
	stored.LastSeen = time.Now().UTC()
	return s.store.PutHostKey(stored)
}
