package serverstore

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/vaultsync/vaultsync/pkg/events"
	"github.com/vaultsync/vaultsync/pkg/metrics"
	"github.com/vaultsync/vaultsync/pkg/types"
)

// ReconfigureQuota implements spec.md §6's quota_limit reconfiguration:
// every account whose current usage already fits the new limit gets
// the new limit; accounts that don't fit are left untouched unless
// force is set, in which case they and all their devices and data are
// deleted outright (original_source accountmanager_p.h has no direct
// analogue for this administrative operation — it is specified, not
// borrowed).
func (s *Store) ReconfigureQuota(newLimit int64, force bool) (updated, deleted int, err error) {
	var removedUsers []string
	err = s.db.Update(func(tx *bolt.Tx) error {
		usersB := tx.Bucket(bucketUsers)
		type row struct {
			id  string
			acc types.Account
		}
		var rows []row
		if err := usersB.ForEach(func(k, v []byte) error {
			var acc types.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return err
			}
			rows = append(rows, row{id: string(k), acc: acc})
			return nil
		}); err != nil {
			return err
		}

		for _, r := range rows {
			if r.acc.QuotaUsed <= newLimit {
				r.acc.QuotaLimit = newLimit
				if err := putJSON(usersB, []byte(r.id), &r.acc); err != nil {
					return err
				}
				updated++
				continue
			}
			if !force {
				continue
			}
			if err := deleteAccountCascade(tx, r.id); err != nil {
				return err
			}
			removedUsers = append(removedUsers, r.id)
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if s.broker != nil {
		for _, uid := range removedUsers {
			s.broker.Publish(&events.Event{Type: events.EventQuotaExceeded, Metadata: map[string]string{"user_id": uid}})
		}
	}
	for i := 0; i < deleted; i++ {
		metrics.AccountsTotal.Dec()
	}
	return updated, deleted, nil
}

func deleteAccountCascade(tx *bolt.Tx, userID string) error {
	devB := tx.Bucket(bucketDevices)
	var deviceIDs []string
	if err := devB.ForEach(func(k, v []byte) error {
		var d types.Device
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		if d.UserID == userID {
			deviceIDs = append(deviceIDs, d.ID)
		}
		return nil
	}); err != nil {
		return err
	}

	dataB := tx.Bucket(bucketDataChanges)
	var blobIDs []string
	if err := dataB.ForEach(func(k, v []byte) error {
		var b types.ChangeBlob
		if err := json.Unmarshal(v, &b); err != nil {
			return err
		}
		for _, did := range deviceIDs {
			if b.DeviceID == did {
				blobIDs = append(blobIDs, b.ID)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for _, id := range blobIDs {
		if err := dataB.Delete([]byte(id)); err != nil {
			return err
		}
	}

	fb := tx.Bucket(bucketDeviceChanges)
	var staleFanout [][]byte
	if err := fb.ForEach(func(k, v []byte) error {
		did, bid := splitDeviceChangeKey(k)
		for _, d := range deviceIDs {
			if did == d {
				staleFanout = append(staleFanout, append([]byte{}, k...))
				break
			}
		}
		for _, b := range blobIDs {
			if bid == b {
				staleFanout = append(staleFanout, append([]byte{}, k...))
				break
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range staleFanout {
		_ = fb.Delete(k) // duplicates from the two match arms above are harmless
	}

	kc := tx.Bucket(bucketKeyChanges)
	for _, did := range deviceIDs {
		if err := kc.Delete([]byte(did)); err != nil {
			return err
		}
	}

	for _, did := range deviceIDs {
		if err := devB.Delete([]byte(did)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketUsers).Delete([]byte(userID))
}
