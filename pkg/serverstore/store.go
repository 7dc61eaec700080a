// Package serverstore is the server-side change store and device
// registry of spec.md §4.4/§4.5: a bbolt.DB structured exactly like
// the teacher's pkg/storage/boltdb.go (one bucket per table,
// db.Update/db.View closures, JSON-marshaled values, secondary
// lookups via ForEach scans), with quota enforcement done in Go inside
// the write transaction that would otherwise rely on a SQL trigger, and
// fan-out notification published on the broker after that transaction
// commits.
package serverstore

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/vaultsync/vaultsync/pkg/events"
	"github.com/vaultsync/vaultsync/pkg/types"
)

var (
	bucketUsers         = []byte("users")
	bucketDevices       = []byte("devices")
	bucketDataChanges   = []byte("data_changes")
	bucketDeviceChanges = []byte("device_changes")
	bucketKeyChanges    = []byte("key_changes")
)

const deviceChangesKeySep = "\x00"

// Store is the bbolt-backed change store and device registry.
type Store struct {
	db     *bolt.DB
	broker *events.Broker
}

// Open opens (creating if necessary) the bbolt database at
// <dataDir>/vaultsync.db and ensures every bucket exists, grounded on
// the teacher's NewBoltStore.
func Open(dataDir string, broker *events.Broker) (*Store, error) {
	dbPath := filepath.Join(dataDir, "vaultsync.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "serverstore: open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketDevices, bucketDataChanges, bucketDeviceChanges, bucketKeyChanges} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "serverstore: create bucket %s", b)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, broker: broker}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func deviceChangeKey(deviceID, blobID string) []byte {
	return []byte(deviceID + deviceChangesKeySep + blobID)
}

func splitDeviceChangeKey(key []byte) (deviceID, blobID string) {
	s := string(key)
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "serverstore: marshal")
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrap(err, "serverstore: unmarshal")
	}
	return true, nil
}

func newID() string { return uuid.New().String() }

func nowUTC() time.Time { return time.Now().UTC() }

// siblingDeviceIDs returns every device id sharing userID, excluding
// exclude, in no particular guaranteed order; callers that need
// determinism sort the result.
func siblingDeviceIDs(tx *bolt.Tx, userID, exclude string) ([]string, error) {
	b := tx.Bucket(bucketDevices)
	var out []string
	err := b.ForEach(func(k, v []byte) error {
		var d types.Device
		if err := json.Unmarshal(v, &d); err != nil {
			return errors.Wrap(err, "serverstore: unmarshal device")
		}
		if d.UserID == userID && d.ID != exclude {
			out = append(out, d.ID)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// accountDeviceCount counts devices belonging to userID.
func accountDeviceCount(tx *bolt.Tx, userID string) (int, error) {
	b := tx.Bucket(bucketDevices)
	count := 0
	err := b.ForEach(func(k, v []byte) error {
		var d types.Device
		if err := json.Unmarshal(v, &d); err != nil {
			return errors.Wrap(err, "serverstore: unmarshal device")
		}
		if d.UserID == userID {
			count++
		}
		return nil
	})
	return count, err
}
