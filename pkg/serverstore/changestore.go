package serverstore

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/vaultsync/vaultsync/pkg/events"
	"github.com/vaultsync/vaultsync/pkg/metrics"
	"github.com/vaultsync/vaultsync/pkg/types"
)

// errNoFanoutRollback is an internal sentinel: returning it from a
// db.Update closure rolls back every write the closure made (the
// delete of any prior blob, the insert of the new one), which is
// exactly "no orphan blob remains" from spec.md §4.4. AddChange turns
// it back into a successful, no-op return to its caller.
var errNoFanoutRollback = errors.New("serverstore: no fan-out targets, rolled back")

// PendingChange is one queued-for-delivery change, as returned by
// LoadNextChanges.
type PendingChange struct {
	BlobID   string
	KeyIndex uint32
	Salt     []byte
	Data     []byte
}

func findBlobByDataID(tx *bolt.Tx, deviceID string, dataIDHash []byte) (*types.ChangeBlob, error) {
	b := tx.Bucket(bucketDataChanges)
	var found *types.ChangeBlob
	err := b.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		var blob types.ChangeBlob
		if err := json.Unmarshal(v, &blob); err != nil {
			return errors.Wrap(err, "serverstore: unmarshal change blob")
		}
		if blob.DeviceID == deviceID && bytes.Equal(blob.DataIDHash, dataIDHash) {
			cp := blob
			found = &cp
		}
		return nil
	})
	return found, err
}

func applyQuotaDelta(tx *bolt.Tx, userID string, delta int64) error {
	b := tx.Bucket(bucketUsers)
	var acc types.Account
	ok, err := getJSON(b, []byte(userID), &acc)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	acc.QuotaUsed += delta
	if acc.QuotaUsed < 0 {
		acc.QuotaUsed = 0
	}
	if delta > 0 && acc.QuotaUsed >= acc.QuotaLimit {
		return ErrQuotaExceeded
	}
	return putJSON(b, []byte(userID), &acc)
}

func deleteBlobAndFanout(tx *bolt.Tx, blob *types.ChangeBlob, userID string) error {
	db := tx.Bucket(bucketDataChanges)
	if err := db.Delete([]byte(blob.ID)); err != nil {
		return err
	}
	fb := tx.Bucket(bucketDeviceChanges)
	var keys [][]byte
	if err := fb.ForEach(func(k, v []byte) error {
		_, blobID := splitDeviceChangeKey(k)
		if blobID == blob.ID {
			keys = append(keys, append([]byte{}, k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := fb.Delete(k); err != nil {
			return err
		}
	}
	return applyQuotaDelta(tx, userID, -int64(len(blob.Data)))
}

// AddChange implements spec.md §4.4 add_change: it deletes any prior
// blob for (device, dataID), inserts the new one, fans it out to
// every other device of the account, and rolls back the whole
// operation (delete included) if there were no siblings to fan out
// to — but still reports success to the caller either way.
func (s *Store) AddChange(deviceID string, dataIDHash []byte, keyIndex uint32, salt, cipher []byte) (blobID string, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err := getJSON(devB, []byte(deviceID), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}

		if prior, err := findBlobByDataID(tx, deviceID, dataIDHash); err != nil {
			return err
		} else if prior != nil {
			if err := deleteBlobAndFanout(tx, prior, dev.UserID); err != nil {
				return err
			}
		}

		siblings, err := siblingDeviceIDs(tx, dev.UserID, deviceID)
		if err != nil {
			return err
		}
		if len(siblings) == 0 {
			return errNoFanoutRollback
		}

		blob := types.ChangeBlob{
			ID:         newID(),
			DeviceID:   deviceID,
			DataIDHash: dataIDHash,
			KeyIndex:   keyIndex,
			Salt:       salt,
			Data:       cipher,
			CreatedAt:  nowUTC(),
		}
		if err := applyQuotaDelta(tx, dev.UserID, int64(len(cipher))); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketDataChanges), []byte(blob.ID), &blob); err != nil {
			return err
		}
		fb := tx.Bucket(bucketDeviceChanges)
		for _, sib := range siblings {
			if err := fb.Put(deviceChangeKey(sib, blob.ID), nil); err != nil {
				return err
			}
		}
		blobID = blob.ID
		return nil
	})
	if errors.Is(err, errNoFanoutRollback) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if s.broker != nil && blobID != "" {
		for _, sib := range s.siblingsOf(deviceID) {
			s.broker.Publish(&events.Event{Type: events.EventDeviceChanged, Metadata: map[string]string{"device_id": sib}})
		}
	}
	metrics.PendingChangesTotal.Inc()
	return blobID, nil
}

// siblingsOf recomputes a device's sibling device ids outside any
// write transaction, for post-commit fan-out notification.
func (s *Store) siblingsOf(deviceID string) []string {
	var out []string
	_ = s.db.View(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err := getJSON(devB, []byte(deviceID), &dev)
		if err != nil || !ok {
			return nil
		}
		out, err = siblingDeviceIDs(tx, dev.UserID, deviceID)
		return err
	})
	return out
}

// AddDeviceChange implements spec.md §4.4 add_device_change: like
// AddChange but addressed to exactly one target device. If a blob
// already exists for (device, dataID) its id is reused.
func (s *Store) AddDeviceChange(deviceID, targetDeviceID string, dataIDHash []byte, keyIndex uint32, salt, cipher []byte) (blobID string, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err := getJSON(devB, []byte(deviceID), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}
		var target types.Device
		ok, err = getJSON(devB, []byte(targetDeviceID), &target)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}

		prior, err := findBlobByDataID(tx, deviceID, dataIDHash)
		if err != nil {
			return err
		}

		var blob types.ChangeBlob
		if prior != nil {
			blob = *prior
		} else {
			blob = types.ChangeBlob{
				ID:         newID(),
				DeviceID:   deviceID,
				DataIDHash: dataIDHash,
				KeyIndex:   keyIndex,
				Salt:       salt,
				Data:       cipher,
				CreatedAt:  nowUTC(),
			}
			if err := applyQuotaDelta(tx, dev.UserID, int64(len(cipher))); err != nil {
				return err
			}
			if err := putJSON(tx.Bucket(bucketDataChanges), []byte(blob.ID), &blob); err != nil {
				return err
			}
		}

		fb := tx.Bucket(bucketDeviceChanges)
		key := deviceChangeKey(targetDeviceID, blob.ID)
		if fb.Get(key) == nil {
			if err := fb.Put(key, nil); err != nil {
				return err
			}
		}
		blobID = blob.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventDeviceChanged, Metadata: map[string]string{"device_id": targetDeviceID}})
	}
	metrics.PendingDeviceChangesTotal.WithLabelValues(targetDeviceID).Inc()
	return blobID, nil
}

// LoadNextChanges implements spec.md §4.4 load_next_changes: the
// fan-out rows addressed to device, joined with their blobs, ordered
// by blob id ascending, paginated by skip/limit.
func (s *Store) LoadNextChanges(deviceID string, limit, skip int) ([]PendingChange, error) {
	var out []PendingChange
	err := s.db.View(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketDeviceChanges)
		prefix := []byte(deviceID + deviceChangesKeySep)
		var blobIDs []string
		c := fb.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			_, blobID := splitDeviceChangeKey(k)
			blobIDs = append(blobIDs, blobID)
		}
		sort.Strings(blobIDs)

		if skip > len(blobIDs) {
			skip = len(blobIDs)
		}
		blobIDs = blobIDs[skip:]
		if limit > 0 && limit < len(blobIDs) {
			blobIDs = blobIDs[:limit]
		}

		db := tx.Bucket(bucketDataChanges)
		for _, id := range blobIDs {
			var blob types.ChangeBlob
			ok, err := getJSON(db, []byte(id), &blob)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			out = append(out, PendingChange{BlobID: blob.ID, KeyIndex: blob.KeyIndex, Salt: blob.Salt, Data: blob.Data})
		}
		return nil
	})
	return out, err
}

// CompleteChange implements spec.md §4.4 complete_change: deletes the
// fan-out row for (blobID, deviceID), and the blob itself once no
// fan-out rows reference it.
func (s *Store) CompleteChange(deviceID, blobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketDeviceChanges)
		key := deviceChangeKey(deviceID, blobID)
		if fb.Get(key) == nil {
			return ErrChangeNotFound
		}
		if err := fb.Delete(key); err != nil {
			return err
		}

		remaining := false
		if err := fb.ForEach(func(k, v []byte) error {
			_, bid := splitDeviceChangeKey(k)
			if bid == blobID {
				remaining = true
			}
			return nil
		}); err != nil {
			return err
		}
		if remaining {
			return nil
		}

		db := tx.Bucket(bucketDataChanges)
		var blob types.ChangeBlob
		ok, err := getJSON(db, []byte(blobID), &blob)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := db.Delete([]byte(blobID)); err != nil {
			return err
		}
		return applyQuotaDelta(tx, deviceOwnerUserID(tx, blob.DeviceID), -int64(len(blob.Data)))
	})
}

func deviceOwnerUserID(tx *bolt.Tx, deviceID string) string {
	b := tx.Bucket(bucketDevices)
	var d types.Device
	data := b.Get([]byte(deviceID))
	if data == nil {
		return ""
	}
	_ = json.Unmarshal(data, &d)
	return d.UserID
}
