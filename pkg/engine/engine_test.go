package engine

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/crypto"
	"github.com/vaultsync/vaultsync/pkg/crypto/keystore"
	"github.com/vaultsync/vaultsync/pkg/tablesync"
	"github.com/vaultsync/vaultsync/pkg/watcher"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// pipeDial hands out one end of a net.Pipe per dial, giving the test
// the other end over a channel, mirroring pkg/connector's own tests.
func pipeDial(t *testing.T) (connector.Dial, <-chan net.Conn) {
	t.Helper()
	serverSide := make(chan net.Conn, 4)
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		serverSide <- server
		return client, nil
	}
	return dial, serverSide
}

func newTestWatcher(t *testing.T) *watcher.Watcher {
	t.Helper()
	dir := t.TempDir()
	w, err := watcher.Open(filepath.Join(dir, "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.AddTable(watcher.TableConfig{
		Name:       "widgets",
		PrimaryKey: "id",
		Columns:    []string{"id", "name"},
	}))
	return w
}

// fakeCryptoTransformer is a Transformer whose ciphertext is a bare
// marker string, so the engine tests need no real crypto.Core round
// trip; runFakeServer only acks what it receives.
type fakeCryptoTransformer struct{}

func (fakeCryptoTransformer) Encrypt(table string, local watcher.LocalData) (uint32, []byte, []byte, error) {
	return 0, []byte("salt"), []byte("ct-" + table + "-" + local.Key), nil
}

func (fakeCryptoTransformer) Decrypt(keyIndex uint32, salt, ciphertext []byte) (string, watcher.CloudData, error) {
	return "widgets", watcher.CloudData{Key: "remote", Payload: map[string]any{"name": "seed"}}, nil
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	id, err := crypto.GenerateIdentity(crypto.SchemeSignEd25519, "", crypto.SchemeCryptX25519Box, "")
	require.NoError(t, err)
	core, err := crypto.NewCore(id, crypto.NewMemSettings(), keystore.NewMemBackend())
	require.NoError(t, err)
	return NewAuthenticator(core, keystore.NewMemBackend(), "test-device")
}

// runFakeServer drives one net.Pipe connection through Identify ->
// Register -> Account+Welcome, then answers every Sync with an
// immediate LastChanged (no remote changes) and ACKs any Change it
// receives.
func runFakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	require.NoError(t, w.WriteMessage(&wire.IdentifyMsg{
		ProtocolVersion: wire.CurrentVersion,
		Nonce:           []byte("0123456789abcdef"),
		UploadLimit:     64,
	}))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	reg, ok := msg.(*wire.RegisterMsg)
	require.True(t, ok, "expected Register, got %T", msg)

	require.NoError(t, w.WriteMessage(&wire.AccountMsg{DeviceID: uuid.New()}))
	require.NoError(t, w.WriteMessage(&wire.WelcomeMsg{HasChanges: false, CMAC: reg.CMAC}))

	for {
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.SyncMsg:
			require.NoError(t, w.WriteMessage(&wire.LastChangedMsg{}))
		case *wire.ChangeMsg:
			require.NoError(t, w.WriteMessage(&wire.ChangeAckMsg{DataID: m.DataID}))
		}
	}
}

func TestEngineSignInReachesTableSync(t *testing.T) {
	dial, serverSide := pipeDial(t)

	conn := connector.New(connector.Config{
		RemoteAddr:       "test",
		PingInterval:     200 * time.Millisecond,
		MissedPongsLimit: 100,
		Backoff:          []time.Duration{10 * time.Millisecond},
		Dial:             dial,
	})

	e := New(Config{
		Connector: conn,
		Watcher:   newTestWatcher(t),
		Auth:      newTestAuthenticator(t),
		Transform: fakeCryptoTransformer{},
		Tables:    []TableSpec{{Name: "widgets"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	go func() {
		server := <-serverSide
		runFakeServer(t, server)
	}()

	e.SignInSuccessful("user-1", "id-token")

	require.Eventually(t, func() bool {
		return e.State() == StateTableSync
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st, ok := e.TableState("widgets")
		return ok && st == tablesync.StateSynchronized
	}, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	require.Equal(t, StateInactive, e.State())
}
