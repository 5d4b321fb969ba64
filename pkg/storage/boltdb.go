package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/homelabcmd/hub/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServers          = []byte("servers")
	bucketCredentials      = []byte("credentials")
	bucketHostKeys         = []byte("host_keys")
	bucketRegTokens        = []byte("registration_tokens")
	bucketAgentCredentials = []byte("agent_credentials")
	bucketAlertStates      = []byte("alert_states")
	bucketAlerts           = []byte("alerts")
	bucketActions          = []byte("actions")
	bucketMetrics          = []byte("metrics")
	bucketServiceStatuses  = []byte("service_statuses")
	bucketExpectedServices = []byte("expected_services")
	bucketPendingPackages  = []byte("pending_packages")
	bucketConfigApplies    = []byte("config_applies")
	bucketConfigChecks     = []byte("config_checks")
)

// compositeKey joins key parts with a separator that cannot occur in slugs,
// GUIDs, or service names.
func compositeKey(parts ...string) []byte {
	return []byte(joinParts(parts))
}

func joinParts(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hub.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServers,
			bucketCredentials,
			bucketHostKeys,
			bucketRegTokens,
			bucketAgentCredentials,
			bucketAlertStates,
			bucketAlerts,
			bucketActions,
			bucketMetrics,
			bucketServiceStatuses,
			bucketExpectedServices,
			bucketPendingPackages,
			bucketConfigApplies,
			bucketConfigChecks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Server operations

func (s *BoltStore) CreateServer(server *types.Server) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data, err := json.Marshal(server)
		if err != nil {
			return err
		}
		return b.Put([]byte(server.ID), data)
	})
}

func (s *BoltStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) GetServerByGUID(guid string) (*types.Server, error) {
	var found *types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			if server.GUID == guid {
				found = &server
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("server guid %s: %w", guid, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) UpdateServer(server *types.Server) error {
	return s.CreateServer(server) // Same as create (upsert)
}

// DeleteServer removes the server and everything it owns in one transaction.
func (s *BoltStore) DeleteServer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Resolve the GUID before the server row is gone; agent credentials
		// are keyed by it.
		var guid string
		if data := tx.Bucket(bucketServers).Get([]byte(id)); data != nil {
			var server types.Server
			if err := json.Unmarshal(data, &server); err == nil {
				guid = server.GUID
			}
		}

		if err := tx.Bucket(bucketServers).Delete([]byte(id)); err != nil {
			return err
		}

		if guid != "" {
			if err := deleteByPrefix(tx.Bucket(bucketAgentCredentials), guid+"|"); err != nil {
				return err
			}
		}

		// Per-server credentials
		if err := deleteBySuffix(tx.Bucket(bucketCredentials), id); err != nil {
			return err
		}

		// Records keyed serverID|...
		prefixed := [][]byte{
			bucketAlertStates,
			bucketMetrics,
			bucketServiceStatuses,
			bucketExpectedServices,
			bucketConfigChecks,
		}
		for _, name := range prefixed {
			if err := deleteByPrefix(tx.Bucket(name), id+"|"); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketPendingPackages).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHostKeys).Delete([]byte(id)); err != nil {
			return err
		}

		// Alerts, actions and applies are keyed by their own ID; scan for owner
		scanned := [][]byte{bucketAlerts, bucketActions, bucketConfigApplies}
		for _, name := range scanned {
			if err := deleteByOwner(tx.Bucket(name), id); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteByPrefix(b *bolt.Bucket, prefix string) error {
	c := b.Cursor()
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func deleteBySuffix(b *bolt.Bucket, serverID string) error {
	c := b.Cursor()
	suffix := []byte("|" + serverID)
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if bytes.HasSuffix(k, suffix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
	}
	return nil
}

func deleteByOwner(b *bolt.Bucket, serverID string) error {
	type owned struct {
		ServerID string `json:"server_id"`
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var o owned
		if err := json.Unmarshal(v, &o); err != nil {
			continue
		}
		if o.ServerID == serverID {
			if err := c.Delete(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Credential operations. Key is type|serverID; the global row uses an empty
// server part so it sorts alongside per-server rows of the same type.

func credentialKey(credType types.CredentialType, serverID string) []byte {
	return compositeKey(string(credType), serverID)
}

func (s *BoltStore) PutCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return b.Put(credentialKey(cred.Type, cred.ServerID), data)
	})
}

func (s *BoltStore) GetCredential(credType types.CredentialType, serverID string) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data := b.Get(credentialKey(credType, serverID))
		if data == nil {
			return fmt.Errorf("credential %s: %w", credType, ErrNotFound)
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) DeleteCredential(credType types.CredentialType, serverID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete(credentialKey(credType, serverID))
	})
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}

// Host key operations

func (s *BoltStore) PutHostKey(key *types.HostKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHostKeys)
		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		return b.Put([]byte(key.MachineID), data)
	})
}

func (s *BoltStore) GetHostKey(machineID string) (*types.HostKey, error) {
	var key types.HostKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHostKeys)
		data := b.Get([]byte(machineID))
		if data == nil {
			return fmt.Errorf("host key for %s: %w", machineID, ErrNotFound)
		}
		return json.Unmarshal(data, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) DeleteHostKey(machineID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHostKeys).Delete([]byte(machineID))
	})
}

// Registration token operations

func (s *BoltStore) CreateRegistrationToken(token *types.RegistrationToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegTokens)
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return b.Put([]byte(token.ID), data)
	})
}

func (s *BoltStore) GetRegistrationTokenByHash(hash string) (*types.RegistrationToken, error) {
	var found *types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.RegistrationToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if token.TokenHash == hash {
				found = &token
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("registration token: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListRegistrationTokens() ([]*types.RegistrationToken, error) {
	var tokens []*types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.RegistrationToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			tokens = append(tokens, &token)
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) UpdateRegistrationToken(token *types.RegistrationToken) error {
	return s.CreateRegistrationToken(token)
}

func (s *BoltStore) DeleteRegistrationToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegTokens).Delete([]byte(id))
	})
}

// Agent credential operations. Keyed guid|tokenHash so rotation history for a
// GUID stays grouped; only the row with RevokedAt == nil is authoritative.

func (s *BoltStore) PutAgentCredential(cred *types.AgentCredential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentCredentials)
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return b.Put(compositeKey(cred.ServerGUID, cred.APITokenHash), data)
	})
}

func (s *BoltStore) GetActiveAgentCredential(serverGUID string) (*types.AgentCredential, error) {
	creds, err := s.ListAgentCredentials(serverGUID)
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		if cred.RevokedAt == nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("agent credential for %s: %w", serverGUID, ErrNotFound)
}

func (s *BoltStore) ListAgentCredentials(serverGUID string) ([]*types.AgentCredential, error) {
	var creds []*types.AgentCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentCredentials)
		c := b.Cursor()
		prefix := []byte(serverGUID + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cred types.AgentCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
		}
		return nil
	})
	return creds, err
}
