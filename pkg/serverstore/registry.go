package serverstore

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/vaultsync/vaultsync/pkg/events"
	"github.com/vaultsync/vaultsync/pkg/metrics"
	"github.com/vaultsync/vaultsync/pkg/types"
)

// GetDevice returns a device row by id, used by the session layer to
// verify signatures and look up sibling material.
func (s *Store) GetDevice(deviceID string) (*types.Device, error) {
	var dev types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketDevices), []byte(deviceID), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// GetAccount returns an account row by id.
func (s *Store) GetAccount(userID string) (*types.Account, error) {
	var acc types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketUsers), []byte(userID), &acc)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// TouchLogin stamps a device's last_login with the current time, on
// every successful Login/Register/Access handshake.
func (s *Store) TouchLogin(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err := getJSON(devB, []byte(deviceID), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}
		dev.LastLogin = nowUTC()
		return putJSON(devB, []byte(deviceID), &dev)
	})
}

// CleanupStaleDevices implements the CLI `cleanup <days>` surface of
// spec.md §6: every device whose last_login is older than olderThan is
// removed, along with any account left with zero devices. Devices that
// have never logged in (zero-value LastLogin, i.e. still mid-enrollment)
// are not touched.
func (s *Store) CleanupStaleDevices(olderThan time.Duration) (removedDevices, removedUsers int, err error) {
	cutoff := nowUTC().Add(-olderThan)
	var staleDeviceIDs []string
	err = s.db.Update(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		if err := devB.ForEach(func(k, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return errors.Wrap(err, "serverstore: unmarshal device")
			}
			if !d.LastLogin.IsZero() && d.LastLogin.Before(cutoff) {
				staleDeviceIDs = append(staleDeviceIDs, d.ID)
			}
			return nil
		}); err != nil {
			return err
		}

		touchedUsers := make(map[string]bool)
		for _, id := range staleDeviceIDs {
			var d types.Device
			ok, err := getJSON(devB, []byte(id), &d)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			touchedUsers[d.UserID] = true
			if err := devB.Delete([]byte(id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketKeyChanges).Delete([]byte(id)); err != nil {
				return err
			}
		}
		removedDevices = len(staleDeviceIDs)

		for uid := range touchedUsers {
			count, err := accountDeviceCount(tx, uid)
			if err != nil {
				return err
			}
			if count == 0 {
				if err := tx.Bucket(bucketUsers).Delete([]byte(uid)); err != nil {
					return err
				}
				removedUsers++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if s.broker != nil {
		for _, id := range staleDeviceIDs {
			s.broker.Publish(&events.Event{Type: events.EventDeviceRemoved, Metadata: map[string]string{"device_id": id, "requester": "cleanup"}})
		}
	}
	for i := 0; i < removedDevices; i++ {
		metrics.DevicesTotal.WithLabelValues(string(types.KeyRotationNone)).Dec()
	}
	return removedDevices, removedUsers, nil
}

// AddNewDevice implements spec.md §4.5 add_new_device: it creates both
// a user (account) row and a device row in one transaction, for the
// first device of a brand new account.
func (s *Store) AddNewDevice(name, signScheme string, signKey []byte, cryptScheme string, cryptKey, fingerprint, keyMAC []byte, quotaLimit int64) (deviceID, userID string, err error) {
	deviceID = newID()
	userID = newID()

	err = s.db.Update(func(tx *bolt.Tx) error {
		acc := types.Account{ID: userID, KeyIndex: 0, QuotaUsed: 0, QuotaLimit: quotaLimit}
		if err := putJSON(tx.Bucket(bucketUsers), []byte(userID), &acc); err != nil {
			return err
		}
		dev := types.Device{
			ID:          deviceID,
			UserID:      userID,
			Name:        name,
			SignScheme:  signScheme,
			SignKey:     signKey,
			CryptScheme: cryptScheme,
			CryptKey:    cryptKey,
			Fingerprint: fingerprint,
			KeyMAC:      keyMAC,
			CreatedAt:   nowUTC(),
			LastLogin:   nowUTC(),
		}
		return putJSON(tx.Bucket(bucketDevices), []byte(deviceID), &dev)
	})
	if err != nil {
		return "", "", err
	}
	metrics.AccountsTotal.Inc()
	metrics.DevicesTotal.WithLabelValues(string(types.KeyRotationNone)).Inc()
	return deviceID, userID, nil
}

// AddNewDeviceToUser implements spec.md §4.5 add_new_device_to_user:
// it attaches a new device to the user (account) of an existing,
// trusted partner device, after the partner's Accept has been
// received by the session layer. deviceID is supplied by the caller
// rather than generated here: the session layer assigns it at
// Proof-relay time (spec.md Scenario B's newDeviceId), before the
// partner has approved, so Proof/Grant/AcceptAck all carry the same
// id this call ultimately persists under.
func (s *Store) AddNewDeviceToUser(partnerDeviceID, deviceID, name, signScheme string, signKey []byte, cryptScheme string, cryptKey, fingerprint []byte) (userID string, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var partner types.Device
		ok, err := getJSON(devB, []byte(partnerDeviceID), &partner)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}
		userID = partner.UserID

		dev := types.Device{
			ID:          deviceID,
			UserID:      userID,
			Name:        name,
			SignScheme:  signScheme,
			SignKey:     signKey,
			CryptScheme: cryptScheme,
			CryptKey:    cryptKey,
			Fingerprint: fingerprint,
			CreatedAt:   nowUTC(),
		}
		return putJSON(devB, []byte(deviceID), &dev)
	})
	if err != nil {
		return "", err
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventDeviceJoined, Metadata: map[string]string{"device_id": deviceID, "user_id": userID}})
	}
	metrics.DevicesTotal.WithLabelValues(string(types.KeyRotationNone)).Inc()
	return userID, nil
}

// RemoveDevice implements spec.md §4.5 remove_device: it deletes the
// target device row, removing the account row too if target was the
// account's last device, and prunes any fan-out rows and pending
// rotation state that will now never be claimed.
func (s *Store) RemoveDevice(requester, target string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err := getJSON(devB, []byte(target), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}
		if err := devB.Delete([]byte(target)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketKeyChanges).Delete([]byte(target)); err != nil {
			return err
		}

		fb := tx.Bucket(bucketDeviceChanges)
		prefix := []byte(target + deviceChangesKeySep)
		var stale [][]byte
		if err := fb.ForEach(func(k, v []byte) error {
			if len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix) {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := fb.Delete(k); err != nil {
				return err
			}
		}

		count, err := accountDeviceCount(tx, dev.UserID)
		if err != nil {
			return err
		}
		if count == 0 {
			if err := tx.Bucket(bucketUsers).Delete([]byte(dev.UserID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventDeviceRemoved, Metadata: map[string]string{"device_id": target, "requester": requester}})
	}
	metrics.DevicesTotal.WithLabelValues(string(types.KeyRotationNone)).Dec()
	return nil
}

// DeviceSummary is the sibling-visible projection of a device, as
// returned by ListDevices.
type DeviceSummary struct {
	DeviceID    string
	Name        string
	Fingerprint []byte
}

// ListDevices implements spec.md §4.5 list_devices: the requesting
// device's full sibling set, including itself.
func (s *Store) ListDevices(device string) ([]DeviceSummary, error) {
	var out []DeviceSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var self types.Device
		ok, err := getJSON(devB, []byte(device), &self)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}
		return devB.ForEach(func(k, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return errors.Wrap(err, "serverstore: unmarshal device")
			}
			if d.UserID == self.UserID {
				out = append(out, DeviceSummary{DeviceID: d.ID, Name: d.Name, Fingerprint: d.Fingerprint})
			}
			return nil
		})
	})
	return out, err
}

// SiblingKeyMaterial is one sibling's current wrapped-key state, as
// surfaced to a requester during key rotation or account join.
type SiblingKeyMaterial struct {
	DeviceID    string
	CryptScheme string
	CryptKey    []byte
	KeyMAC      []byte
}

// TryKeyChange implements spec.md §4.5 try_key_change: the server
// accepts a proposed rotation only if it is exactly current+1 and no
// rotation is already pending for the account, serializing rotations.
// On success it returns every sibling's current encryption public key
// so the proposer can wrap the new key for each of them.
func (s *Store) TryKeyChange(device string, proposedIndex uint32) ([]SiblingKeyMaterial, error) {
	var out []SiblingKeyMaterial
	err := s.db.View(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err := getJSON(devB, []byte(device), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}

		var acc types.Account
		ok, err = getJSON(tx.Bucket(bucketUsers), []byte(dev.UserID), &acc)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}
		if proposedIndex != acc.KeyIndex+1 {
			return ErrKeyIndexMismatch
		}

		siblings, err := siblingDeviceIDs(tx, dev.UserID, device)
		if err != nil {
			return err
		}
		kc := tx.Bucket(bucketKeyChanges)
		for _, sib := range siblings {
			if kc.Get([]byte(sib)) != nil {
				return ErrPendingKeyConflict
			}
		}
		if kc.Get([]byte(device)) != nil {
			return ErrPendingKeyConflict
		}

		for _, sib := range siblings {
			var sd types.Device
			ok, err := getJSON(devB, []byte(sib), &sd)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			out = append(out, SiblingKeyMaterial{DeviceID: sd.ID, CryptScheme: sd.CryptScheme, CryptKey: sd.CryptKey, KeyMAC: sd.KeyMAC})
		}
		return nil
	})
	return out, err
}

// UpdateExchangeKey implements spec.md §4.5 update_exchange_key: on a
// successful rotation it bumps the account's key index, stores one
// key_changes row per sibling for them to claim on next login, and
// updates the proposing device's own key_mac.
func (s *Store) UpdateExchangeKey(device string, index uint32, scheme string, newCMAC []byte, siblingWrapped []types.KeyRotationProposal) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err := getJSON(devB, []byte(device), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}

		usersB := tx.Bucket(bucketUsers)
		var acc types.Account
		ok, err = getJSON(usersB, []byte(dev.UserID), &acc)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}
		if index != acc.KeyIndex+1 {
			return ErrKeyIndexMismatch
		}
		acc.KeyIndex = index
		if err := putJSON(usersB, []byte(dev.UserID), &acc); err != nil {
			return err
		}

		kc := tx.Bucket(bucketKeyChanges)
		for i := range siblingWrapped {
			p := siblingWrapped[i]
			p.ProposedIndex = index
			p.Scheme = scheme
			if err := putJSON(kc, []byte(p.TargetDeviceID), &p); err != nil {
				return err
			}
		}

		dev.KeyMAC = newCMAC
		return putJSON(devB, []byte(device), &dev)
	})
	if err != nil {
		return err
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventKeyRotated, Metadata: map[string]string{"device_id": device}})
		for _, p := range siblingWrapped {
			s.broker.Publish(&events.Event{Type: events.EventKeyProposed, Metadata: map[string]string{"device_id": p.TargetDeviceID}})
		}
	}
	metrics.KeyRotationsTotal.WithLabelValues("completed").Inc()
	return nil
}

// LoadKeyChanges implements spec.md §4.5 load_key_changes: the
// pending rotation (if any) a device must claim on next login.
func (s *Store) LoadKeyChanges(device string) (*types.KeyRotationProposal, error) {
	var out *types.KeyRotationProposal
	err := s.db.View(func(tx *bolt.Tx) error {
		var p types.KeyRotationProposal
		ok, err := getJSON(tx.Bucket(bucketKeyChanges), []byte(device), &p)
		if err != nil {
			return err
		}
		if ok {
			out = &p
		}
		return nil
	})
	return out, err
}

// UpdateCMAC implements spec.md §4.5 update_cmac: a sibling claims the
// new key index by reporting its freshly computed CMAC, which deletes
// its key_changes row.
func (s *Store) UpdateCMAC(device string, index uint32, mac []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kc := tx.Bucket(bucketKeyChanges)
		var p types.KeyRotationProposal
		ok, err := getJSON(kc, []byte(device), &p)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoPendingKeyChange
		}
		if p.ProposedIndex != index {
			return ErrKeyIndexMismatch
		}

		devB := tx.Bucket(bucketDevices)
		var dev types.Device
		ok, err = getJSON(devB, []byte(device), &dev)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeviceNotFound
		}
		dev.KeyMAC = mac
		if err := putJSON(devB, []byte(device), &dev); err != nil {
			return err
		}
		return kc.Delete([]byte(device))
	})
}
