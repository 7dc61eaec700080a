package serverstore

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/vaultsync/vaultsync/pkg/types"
)

// AccountCount implements metrics.StatsSource.
func (s *Store) AccountCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketUsers).Stats().KeyN
		return nil
	})
	return count, err
}

// DeviceCountsByRotationState implements metrics.StatsSource: a device
// counts against "pending" if it has an outstanding key_changes row,
// "none" otherwise.
func (s *Store) DeviceCountsByRotationState() (map[string]int, error) {
	out := map[string]int{
		string(types.KeyRotationNone):    0,
		string(types.KeyRotationPending): 0,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		kc := tx.Bucket(bucketKeyChanges)
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			if kc.Get(k) != nil {
				out[string(types.KeyRotationPending)]++
			} else {
				out[string(types.KeyRotationNone)]++
			}
			return nil
		})
	})
	return out, err
}

// PendingChangesCount implements metrics.StatsSource.
func (s *Store) PendingChangesCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketDataChanges).Stats().KeyN
		return nil
	})
	return count, err
}

// PendingDeviceChangesByDevice implements metrics.StatsSource.
func (s *Store) PendingDeviceChangesByDevice() (map[string]int, error) {
	out := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceChanges).ForEach(func(k, v []byte) error {
			deviceID, _ := splitDeviceChangeKey(k)
			out[deviceID]++
			return nil
		})
	})
	return out, err
}

// QuotaUsageByAccount implements metrics.StatsSource.
func (s *Store) QuotaUsageByAccount() (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var acc types.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return err
			}
			out[string(k)] = acc.QuotaUsed
			return nil
		})
	})
	return out, err
}
