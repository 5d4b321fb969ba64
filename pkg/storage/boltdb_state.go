package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/homelabcmd/hub/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Alert state operations

func (s *BoltStore) GetAlertState(serverID, metricType string) (*types.AlertState, error) {
	var state types.AlertState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlertStates)
		data := b.Get(compositeKey(serverID, metricType))
		if data == nil {
			return fmt.Errorf("alert state %s/%s: %w", serverID, metricType, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) PutAlertState(state *types.AlertState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlertStates)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(compositeKey(state.ServerID, state.MetricType), data)
	})
}

func (s *BoltStore) ListAlertStates(serverID string) ([]*types.AlertState, error) {
	var states []*types.AlertState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlertStates)
		c := b.Cursor()
		prefix := []byte(serverID + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var state types.AlertState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
		}
		return nil
	})
	return states, err
}

// Alert operations

func (s *BoltStore) CreateAlert(alert *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		return b.Put([]byte(alert.ID), data)
	})
}

func (s *BoltStore) GetAlert(id string) (*types.Alert, error) {
	var alert types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &alert)
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) UpdateAlert(alert *types.Alert) error {
	return s.CreateAlert(alert)
}

func (s *BoltStore) ListAlerts() ([]*types.Alert, error) {
	var alerts []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		return b.ForEach(func(k, v []byte) error {
			var alert types.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			alerts = append(alerts, &alert)
			return nil
		})
	})
	return alerts, err
}

func (s *BoltStore) ListAlertsByServer(serverID string) ([]*types.Alert, error) {
	alerts, err := s.ListAlerts()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Alert
	for _, alert := range alerts {
		if alert.ServerID == serverID {
			filtered = append(filtered, alert)
		}
	}
	return filtered, nil
}

// FindOpenAlert returns the non-resolved alert for (server, type), if any.
// At most one exists at a time.
func (s *BoltStore) FindOpenAlert(serverID, alertType string) (*types.Alert, error) {
	alerts, err := s.ListAlertsByServer(serverID)
	if err != nil {
		return nil, err
	}
	for _, alert := range alerts {
		if alert.AlertType == alertType && alert.Status != types.AlertStatusResolved {
			return alert, nil
		}
	}
	return nil, fmt.Errorf("open alert %s/%s: %w", serverID, alertType, ErrNotFound)
}

// Action operations

func (s *BoltStore) CreateAction(action *types.RemediationAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		data, err := json.Marshal(action)
		if err != nil {
			return err
		}
		return b.Put([]byte(action.ID), data)
	})
}

func (s *BoltStore) GetAction(id string) (*types.RemediationAction, error) {
	var action types.RemediationAction
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("action %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &action)
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *BoltStore) UpdateAction(action *types.RemediationAction) error {
	return s.CreateAction(action)
}

func (s *BoltStore) ListActions() ([]*types.RemediationAction, error) {
	var actions []*types.RemediationAction
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		return b.ForEach(func(k, v []byte) error {
			var action types.RemediationAction
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			actions = append(actions, &action)
			return nil
		})
	})
	return actions, err
}

func (s *BoltStore) ListActionsByServer(serverID string) ([]*types.RemediationAction, error) {
	actions, err := s.ListActions()
	if err != nil {
		return nil, err
	}
	var filtered []*types.RemediationAction
	for _, action := range actions {
		if action.ServerID == serverID {
			filtered = append(filtered, action)
		}
	}
	return filtered, nil
}

// Metrics operations. Keys are serverID|RFC3339Nano so a prefix cursor walks
// samples in time order.

func (s *BoltStore) AppendMetrics(sample *types.MetricsSample) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		key := compositeKey(sample.ServerID, sample.Timestamp.UTC().Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

func (s *BoltStore) LatestMetrics(serverID string) (*types.MetricsSample, error) {
	var latest *types.MetricsSample
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		c := b.Cursor()
		prefix := []byte(serverID + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sample types.MetricsSample
			if err := json.Unmarshal(v, &sample); err != nil {
				return err
			}
			latest = &sample
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("metrics for %s: %w", serverID, ErrNotFound)
	}
	return latest, nil
}

// Service status operations

func (s *BoltStore) UpsertServiceStatus(status *types.ServiceStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceStatuses)
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put(compositeKey(status.ServerID, status.Name), data)
	})
}

func (s *BoltStore) ListServiceStatuses(serverID string) ([]*types.ServiceStatus, error) {
	var statuses []*types.ServiceStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceStatuses)
		c := b.Cursor()
		prefix := []byte(serverID + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var status types.ServiceStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return err
			}
			statuses = append(statuses, &status)
		}
		return nil
	})
	return statuses, err
}

// Expected service operations

func (s *BoltStore) PutExpectedService(svc *types.ExpectedService) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExpectedServices)
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return b.Put(compositeKey(svc.ServerID, svc.Name), data)
	})
}

func (s *BoltStore) ListExpectedServices(serverID string) ([]*types.ExpectedService, error) {
	var services []*types.ExpectedService
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExpectedServices)
		c := b.Cursor()
		prefix := []byte(serverID + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var svc types.ExpectedService
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			services = append(services, &svc)
		}
		return nil
	})
	return services, err
}

func (s *BoltStore) DeleteExpectedService(serverID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExpectedServices).Delete(compositeKey(serverID, name))
	})
}

// Pending package operations

func (s *BoltStore) ReplacePendingPackages(set *types.PendingPackageSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingPackages)
		data, err := json.Marshal(set)
		if err != nil {
			return err
		}
		return b.Put([]byte(set.ServerID), data)
	})
}

func (s *BoltStore) GetPendingPackages(serverID string) (*types.PendingPackageSet, error) {
	var set types.PendingPackageSet
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingPackages)
		data := b.Get([]byte(serverID))
		if data == nil {
			return fmt.Errorf("pending packages for %s: %w", serverID, ErrNotFound)
		}
		return json.Unmarshal(data, &set)
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// Config apply operations

func (s *BoltStore) CreateConfigApply(apply *types.ConfigApply) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigApplies)
		data, err := json.Marshal(apply)
		if err != nil {
			return err
		}
		return b.Put([]byte(apply.ID), data)
	})
}

func (s *BoltStore) GetConfigApply(id string) (*types.ConfigApply, error) {
	var apply types.ConfigApply
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigApplies)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("config apply %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &apply)
	})
	if err != nil {
		return nil, err
	}
	return &apply, nil
}

func (s *BoltStore) UpdateConfigApply(apply *types.ConfigApply) error {
	return s.CreateConfigApply(apply)
}

func (s *BoltStore) ListConfigAppliesByServer(serverID string) ([]*types.ConfigApply, error) {
	var applies []*types.ConfigApply
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigApplies)
		return b.ForEach(func(k, v []byte) error {
			var apply types.ConfigApply
			if err := json.Unmarshal(v, &apply); err != nil {
				return err
			}
			if apply.ServerID == serverID {
				applies = append(applies, &apply)
			}
			return nil
		})
	})
	return applies, err
}

// ActiveConfigApply returns the non-terminal apply for a server, if any
func (s *BoltStore) ActiveConfigApply(serverID string) (*types.ConfigApply, error) {
	applies, err := s.ListConfigAppliesByServer(serverID)
	if err != nil {
		return nil, err
	}
	for _, apply := range applies {
		if apply.Active() {
			return apply, nil
		}
	}
	return nil, fmt.Errorf("active apply for %s: %w", serverID, ErrNotFound)
}

// Config check operations. Keys are serverID|pack|RFC3339Nano.

func (s *BoltStore) AppendConfigCheck(check *types.ConfigCheck) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigChecks)
		data, err := json.Marshal(check)
		if err != nil {
			return err
		}
		key := compositeKey(check.ServerID, check.PackName, check.CheckedAt.UTC().Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// RecentConfigChecks returns up to n most recent checks, newest first.
func (s *BoltStore) RecentConfigChecks(serverID, packName string, n int) ([]*types.ConfigCheck, error) {
	var checks []*types.ConfigCheck
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigChecks)
		c := b.Cursor()
		prefix := []byte(serverID + "|" + packName + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var check types.ConfigCheck
			if err := json.Unmarshal(v, &check); err != nil {
				return err
			}
			checks = append(checks, &check)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// reverse to newest first, then trim
	for i, j := 0, len(checks)-1; i < j; i, j = i+1, j-1 {
		checks[i], checks[j] = checks[j], checks[i]
	}
	if len(checks) > n {
		checks = checks[:n]
	}
	return checks, nil
}
