package connector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/pkg/wire"
)

// pipeDial hands out one end of a net.Pipe per dial, and gives the
// test the other end via the returned channel.
func pipeDial(t *testing.T) (Dial, <-chan net.Conn) {
	t.Helper()
	serverSide := make(chan net.Conn, 4)
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		serverSide <- server
		return client, nil
	}
	return dial, serverSide
}

func newTestConnector(t *testing.T, dial Dial) *Connector {
	t.Helper()
	c := New(Config{
		RemoteAddr:       "test",
		PingInterval:     200 * time.Millisecond,
		MissedPongsLimit: 100,
		Backoff:          []time.Duration{10 * time.Millisecond},
		Dial:             dial,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})
	return c
}

func waitReady(t *testing.T, c *Connector) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestConnectorCallReceivesMatchingReply(t *testing.T) {
	dial, serverSide := pipeDial(t)
	c := newTestConnector(t, dial)
	waitReady(t, c)

	server := <-serverSide
	go func() {
		r := wire.NewReader(server)
		msg, err := r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, wire.TagSync, msg.Tag())
		w := wire.NewWriter(server)
		require.NoError(t, w.WriteMessage(&wire.LastChangedMsg{}))
	}()

	tok := NewToken()
	reply, err := c.Call(context.Background(), tok, &wire.SyncMsg{}, func(m wire.Message) bool {
		_, ok := m.(*wire.LastChangedMsg)
		return ok
	})
	require.NoError(t, err)
	require.Equal(t, wire.TagLastChanged, reply.Tag())
}

func TestConnectorStreamCollectsUntilDone(t *testing.T) {
	dial, serverSide := pipeDial(t)
	c := newTestConnector(t, dial)
	waitReady(t, c)

	server := <-serverSide
	go func() {
		r := wire.NewReader(server)
		_, err := r.ReadMessage()
		require.NoError(t, err)
		w := wire.NewWriter(server)
		require.NoError(t, w.WriteMessage(&wire.ChangedMsg{Ciphertext: []byte("one")}))
		require.NoError(t, w.WriteMessage(&wire.ChangedMsg{Ciphertext: []byte("two")}))
		require.NoError(t, w.WriteMessage(&wire.LastChangedMsg{}))
	}()

	tok := NewToken()
	out, err := c.Stream(context.Background(), tok, &wire.SyncMsg{},
		func(m wire.Message) bool {
			switch m.(type) {
			case *wire.ChangedMsg, *wire.LastChangedMsg:
				return true
			default:
				return false
			}
		},
		func(m wire.Message) bool {
			_, ok := m.(*wire.LastChangedMsg)
			return ok
		},
	)
	require.NoError(t, err)

	var received []wire.Message
	for msg := range out {
		received = append(received, msg)
	}
	require.Len(t, received, 3)
	require.Equal(t, wire.TagLastChanged, received[2].Tag())
}

func TestConnectorCancelDropsLateReply(t *testing.T) {
	dial, serverSide := pipeDial(t)
	c := newTestConnector(t, dial)
	waitReady(t, c)

	server := <-serverSide
	go func() {
		r := wire.NewReader(server)
		_, _ = r.ReadMessage()
		// Deliberately never reply; the test only checks Cancel
		// releases the waiting Call promptly.
		_ = server
	}()

	tok := NewToken()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, tok, &wire.SyncMsg{}, func(wire.Message) bool { return true })
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Cancel(tok)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("Call did not return after Cancel")
	}
}

func TestConnectorChangesPendingTransitions(t *testing.T) {
	dial, _ := pipeDial(t)
	c := newTestConnector(t, dial)
	waitReady(t, c)

	c.MarkChangesPending()
	require.Equal(t, StateReadyWithChanges, c.State())

	c.ClearChangesPending()
	require.Equal(t, StateReady, c.State())
}
