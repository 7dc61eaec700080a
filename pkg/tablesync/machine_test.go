package tablesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/watcher"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

var errNotFound = errors.New("tablesync: test fixture not found")

func newUUID() uuid.UUID { return uuid.New() }

// fakeStore is an in-memory Store fake driven directly by the tests,
// standing in for a *watcher.Watcher backed by a real sqlite file.
type fakeStore struct {
	mu       sync.Mutex
	pending  []watcher.LocalData
	applied  map[string]watcher.CloudData
	unchanged map[string]time.Time
	corrupted map[string]time.Time
	subs     []chan struct{}
	lastSync time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		applied:   make(map[string]watcher.CloudData),
		unchanged: make(map[string]time.Time),
		corrupted: make(map[string]time.Time),
	}
}

func (s *fakeStore) LoadData(table string) (*watcher.LocalData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return &d, nil
}

func (s *fakeStore) ShouldStore(table string, cloud watcher.CloudData) (bool, error) {
	return true, nil
}

func (s *fakeStore) StoreData(table string, cloud watcher.CloudData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[cloud.Key] = cloud
	return nil
}

func (s *fakeStore) MarkUnchanged(table, key string, modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unchanged[key] = modified
	return nil
}

func (s *fakeStore) MarkCorrupted(table, key string, modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupted[key] = modified
	return nil
}

func (s *fakeStore) LastSync(table string) (time.Time, error) {
	return s.lastSync, nil
}

func (s *fakeStore) Subscribe(table string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *fakeStore) Resync(table string, mode watcher.ResyncMode, clearServerData func(string) error) error {
	if mode.Has(watcher.ResyncClearServerData) && clearServerData != nil {
		return clearServerData(table)
	}
	return nil
}

// fakeRemote is a Remote fake that answers Call/Stream synchronously
// from canned scripts, avoiding a real connector/net.Pipe pair.
type fakeRemote struct {
	mu    sync.Mutex
	state connector.State

	// downloadBatch is replayed once by the first Stream call whose
	// request is a SyncMsg; later passes come back empty.
	downloadBatch []wire.Message
	streamed      bool

	changeAcks []*wire.ChangeMsg
	changedAcks []*wire.ChangedAckMsg
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{state: connector.StateReady}
}

func (r *fakeRemote) Call(ctx context.Context, tok connector.Token, req wire.Message, accept func(wire.Message) bool) (wire.Message, error) {
	if cm, ok := req.(*wire.ChangeMsg); ok {
		r.mu.Lock()
		r.changeAcks = append(r.changeAcks, cm)
		r.mu.Unlock()
		return &wire.ChangeAckMsg{DataID: cm.DataID}, nil
	}
	return nil, nil
}

func (r *fakeRemote) Stream(ctx context.Context, tok connector.Token, req wire.Message, accept func(wire.Message) bool, done func(wire.Message) bool) (<-chan wire.Message, error) {
	out := make(chan wire.Message, 16)
	r.mu.Lock()
	batch := r.downloadBatch
	already := r.streamed
	r.streamed = true
	r.mu.Unlock()

	go func() {
		defer close(out)
		if already {
			out <- &wire.LastChangedMsg{}
			return
		}
		for _, m := range batch {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		out <- &wire.LastChangedMsg{}
	}()
	return out, nil
}

func (r *fakeRemote) Send(msg wire.Message) error {
	if ack, ok := msg.(*wire.ChangedAckMsg); ok {
		r.mu.Lock()
		r.changedAcks = append(r.changedAcks, ack)
		r.mu.Unlock()
	}
	return nil
}

func (r *fakeRemote) Cancel(tok connector.Token) {}

func (r *fakeRemote) State() connector.State { return r.state }

// fakeTransform round-trips through a map keyed by DataID(table, key), with
// no real cryptography, to isolate the state machine's control flow
// from pkg/crypto.
type fakeTransform struct {
	mu   sync.Mutex
	byID map[string]envelope
}

func newFakeTransform() *fakeTransform {
	return &fakeTransform{byID: make(map[string]envelope)}
}

func (t *fakeTransform) Encrypt(table string, local watcher.LocalData) (uint32, []byte, []byte, error) {
	id := DataID(table, local.Key)
	env := envelope{Table: table, Key: local.Key, Modified: local.Modified, Payload: local.Payload}
	t.mu.Lock()
	t.byID[string(id)] = env
	t.mu.Unlock()
	return 0, []byte("salt"), id, nil // ciphertext == id in this fake, decoded by looking the id up
}

func (t *fakeTransform) Decrypt(keyIndex uint32, salt, ciphertext []byte) (string, watcher.CloudData, error) {
	t.mu.Lock()
	env, ok := t.byID[string(ciphertext)]
	t.mu.Unlock()
	if !ok {
		return "", watcher.CloudData{}, errNotFound
	}
	return env.Table, watcher.CloudData{Key: env.Key, Modified: env.Modified, Payload: env.Payload, Hash: hashPayload(env.Payload)}, nil
}

func TestMachinePassiveSyncDownloadThenUpload(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	transform := newFakeTransform()

	// Seed one incoming change the download pass should apply.
	remoteKeyIdx, remoteSalt, remoteCipher, err := transform.Encrypt("widgets", watcher.LocalData{
		Key: "w1", Modified: time.Now(), Payload: map[string]any{"name": "gear"},
	})
	require.NoError(t, err)
	remote.downloadBatch = []wire.Message{
		&wire.ChangedMsg{BlobID: newUUID(), KeyIndex: remoteKeyIdx, Salt: remoteSalt, Ciphertext: remoteCipher},
	}

	// Seed one local row pending upload.
	store.pending = []watcher.LocalData{{Key: "w2", Modified: time.Now(), Payload: map[string]any{"name": "sprocket"}}}

	m := New(Config{Table: "widgets", Store: store, Remote: remote, Transform: transform})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, gotDownload := store.applied["w1"]
		_, gotUpload := store.unchanged["w2"]
		return gotDownload && gotUpload
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return m.State() == StateSynchronized }, time.Second, 5*time.Millisecond)

	remote.mu.Lock()
	require.Len(t, remote.changedAcks, 1)
	require.Len(t, remote.changeAcks, 1)
	remote.mu.Unlock()
}

func TestMachineQuotaRejectionMarksRowCorruptedNotTable(t *testing.T) {
	store := newFakeStore()
	remote := &quotaRejectingRemote{fakeRemote: newFakeRemote()}
	transform := newFakeTransform()

	store.pending = []watcher.LocalData{{Key: "over", Modified: time.Now(), Payload: map[string]any{"x": 1}}}

	m := New(Config{Table: "widgets", Store: store, Remote: remote, Transform: transform})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.Start()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.corrupted["over"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NotEqual(t, StateError, m.State())
}

type quotaRejectingRemote struct{ *fakeRemote }

func (r *quotaRejectingRemote) Call(ctx context.Context, tok connector.Token, req wire.Message, accept func(wire.Message) bool) (wire.Message, error) {
	if _, ok := req.(*wire.ChangeMsg); ok {
		return &wire.ErrorMsg{ErrorType: wire.ErrorQuotaHitError, Message: "quota exceeded", CanRecover: true}, nil
	}
	return r.fakeRemote.Call(ctx, tok, req, accept)
}

func TestMachineStopDrainsAndReturnsInactive(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	transform := newFakeTransform()

	m := New(Config{Table: "widgets", Store: store, Remote: remote, Transform: transform})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Start()
	require.Eventually(t, func() bool { return m.State() == StateSynchronized }, time.Second, 5*time.Millisecond)

	m.Stop()
	require.Equal(t, StateInactive, m.State())
}
