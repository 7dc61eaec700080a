// Package connector owns one client-side logical connection to a sync
// server, spec.md §4.7: dial/reconnect with a fixed backoff table,
// ping/pong keepalive, and demultiplexing the single TCP stream into
// replies for whichever request the engine currently has in flight and
// unsolicited pushes the server can emit at any time (an enrollment
// Proof relayed through a sibling, a Grant completing this device's
// own enrollment, or a spontaneous Changed fan-out once a sibling
// uploads while this device is idle).
//
// Its lifecycle shape is grounded on the teacher's per-component
// logger+stopCh+run loop (pkg/reconciler.Reconciler), its keepalive on
// smux's ping/pong ticker pair, and its cancellation-token bookkeeping
// on the teacher's pkg/manager.TokenManager generalized from
// join-tokens to request tokens.
package connector

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vaultsync/vaultsync/pkg/config"
	"github.com/vaultsync/vaultsync/pkg/log"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// State is the connector's coarse connection state, spec.md §4.7.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateReadyWithChanges
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReadyWithChanges:
		return "ready_with_changes"
	default:
		return "unknown"
	}
}

// ErrCanceled is returned by a Call/Stream whose token was canceled
// before a reply arrived.
var ErrCanceled = errors.New("connector: request canceled")

// ErrDisconnected is returned by a Call/Stream or Send issued while, or
// interrupted by, the connection dropping.
var ErrDisconnected = errors.New("connector: not connected")

// Dial opens the underlying transport. Tests substitute a net.Pipe
// dialer; production uses net.Dialer.DialContext against RemoteAddr.
type Dial func(ctx context.Context, addr string) (net.Conn, error)

// Token is an opaque handle the engine hands to Call/Stream, and may
// later pass to Cancel to stop waiting on a reply that no longer
// matters (e.g. the table sync machine left the state that issued it).
type Token string

// Config bundles a Connector's fixed collaborators and tunables.
type Config struct {
	RemoteAddr       string
	PingInterval     time.Duration
	MissedPongsLimit int
	Backoff          []time.Duration
	Dial             Dial
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MissedPongsLimit <= 0 {
		c.MissedPongsLimit = 2
	}
	if len(c.Backoff) == 0 {
		c.Backoff = config.DefaultReconnectBackoff
	}
	if c.Dial == nil {
		c.Dial = dialTCP
	}
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

type waiter struct {
	token   Token
	accept  func(wire.Message) bool
	replyCh chan wire.Message
}

// Connector drives one logical connection for the lifetime of Run.
type Connector struct {
	cfg    Config
	logger zerolog.Logger

	stateMu sync.RWMutex
	state   State

	connMu   sync.RWMutex
	conn     net.Conn
	reader   *wire.Reader
	writer   *wire.Writer
	writeMu  sync.Mutex
	connDown chan struct{} // closed when the current connection drops; nil before first connect

	reqMu  sync.Mutex // serializes Call/Stream: one request in flight at a time
	waitMu sync.Mutex
	active *waiter

	canceledMu sync.Mutex
	canceled   map[Token]chan struct{}

	// Pushes delivers every message the recv loop could not match to an
	// active waiter: ProofMsg, GrantMsg, AcceptAckMsg, DenyMsg, a
	// spontaneous ChangedMsg/LastChangedMsg fan-out, or a terminal
	// ErrorMsg. The engine owns draining it.
	Pushes chan wire.Message

	stopCh    chan struct{}
	closeOnce sync.Once
}

// New prepares a Connector; call Run to start connecting.
func New(cfg Config) *Connector {
	cfg.setDefaults()
	return &Connector{
		cfg:      cfg,
		logger:   log.WithComponent("connector"),
		state:    StateDisconnected,
		canceled: make(map[Token]chan struct{}),
		Pushes:   make(chan wire.Message, 64),
		stopCh:   make(chan struct{}),
	}
}

// NewToken generates an opaque request token, grounded on the
// teacher's TokenManager.GenerateToken.
func NewToken() Token {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return Token(hex.EncodeToString(b))
}

// State returns the connector's current coarse state.
func (c *Connector) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// MarkChangesPending moves a Ready connector to ReadyWithChanges: the
// engine calls this once a Welcome or a pushed Changed tells it there
// is download work outstanding. A no-op once the connection has
// already moved on (disconnected, or reconnected and become plain
// Ready again).
func (c *Connector) MarkChangesPending() {
	c.stateMu.Lock()
	if c.state == StateReady {
		c.state = StateReadyWithChanges
	}
	c.stateMu.Unlock()
}

// ClearChangesPending moves a ReadyWithChanges connector back to
// Ready once the engine has drained the known backlog.
func (c *Connector) ClearChangesPending() {
	c.stateMu.Lock()
	if c.state == StateReadyWithChanges {
		c.state = StateReady
	}
	c.stateMu.Unlock()
}

// Run drives connect/keepalive/reconnect until ctx is canceled or Stop
// is called. It is meant to be run in its own goroutine by pkg/engine.
func (c *Connector) Run(ctx context.Context) {
	backoffIdx := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.cfg.Dial(ctx, c.cfg.RemoteAddr)
		if err != nil {
			c.logger.Warn().Err(err).Str("addr", c.cfg.RemoteAddr).Msg("connector: dial failed")
			if !c.sleepBackoff(ctx, backoffIdx) {
				return
			}
			backoffIdx = advanceBackoff(backoffIdx, len(c.cfg.Backoff))
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.reader = wire.NewReader(conn)
		c.writer = wire.NewWriter(conn)
		c.connDown = make(chan struct{})
		down := c.connDown
		c.connMu.Unlock()

		// The server's Identify handshake message is the first frame;
		// the engine's auth layer consumes it via Call before any other
		// traffic, so Run does not read it itself.
		c.setState(StateReady)
		backoffIdx = 0

		c.serveUntilDisconnected(ctx)

		c.connMu.Lock()
		_ = c.conn.Close()
		c.conn = nil
		c.connMu.Unlock()
		c.setState(StateDisconnected)
		close(down)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
	}
}

func advanceBackoff(idx, n int) int {
	if idx < n-1 {
		return idx + 1
	}
	return idx
}

func (c *Connector) sleepBackoff(ctx context.Context, idx int) bool {
	d := c.cfg.Backoff[idx]
	if idx >= len(c.cfg.Backoff) {
		d = c.cfg.Backoff[len(c.cfg.Backoff)-1]
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

// serveUntilDisconnected runs the recv loop and ping ticker for one
// connection's lifetime, returning once either side breaks the stream.
func (c *Connector) serveUntilDisconnected(ctx context.Context) {
	type frame struct {
		msg wire.Message
		err error
	}
	msgCh := make(chan frame, 8)
	go func() {
		reader := c.currentReader()
		for {
			msg, err := reader.ReadMessage()
			msgCh <- frame{msg, err}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	missed := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case f := <-msgCh:
			if f.err != nil {
				return
			}
			if f.msg == nil {
				missed = 0 // ping echoed back: pong received
				continue
			}
			c.dispatch(f.msg)
		case <-ticker.C:
			missed++
			if missed > c.cfg.MissedPongsLimit {
				c.logger.Warn().Msg("connector: missed pong limit exceeded, reconnecting")
				_ = c.currentConn().Close()
				return
			}
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *Connector) currentConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Connector) currentReader() *wire.Reader {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.reader
}

// dispatch hands an incoming message to the active waiter if it
// accepts the message, otherwise forwards it as an unsolicited push.
func (c *Connector) dispatch(msg wire.Message) {
	c.waitMu.Lock()
	w := c.active
	c.waitMu.Unlock()

	if w != nil && w.accept(msg) {
		select {
		case w.replyCh <- msg:
		default:
		}
		return
	}

	select {
	case c.Pushes <- msg:
	default:
		c.logger.Warn().Str("tag", msg.Tag()).Msg("connector: push buffer full, dropping message")
	}
}

// writeMessage sends m on the current connection.
func (c *Connector) writeMessage(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	w := c.currentWriter()
	if w == nil {
		return ErrDisconnected
	}
	return w.WriteMessage(m)
}

func (c *Connector) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	w := c.currentWriter()
	if w == nil {
		return ErrDisconnected
	}
	return w.WritePing()
}

func (c *Connector) currentWriter() *wire.Writer {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.writer
}

func (c *Connector) currentConnDown() chan struct{} {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connDown
}

// Call sends req and waits for the first subsequent message accept
// returns true for, or until ctx is done, the connection drops, or tok
// is canceled. Only one Call/Stream may be outstanding at a time,
// matching the server session's own one-request-at-a-time handling.
func (c *Connector) Call(ctx context.Context, tok Token, req wire.Message, accept func(wire.Message) bool) (wire.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	cancelCh := c.registerCancelable(tok)
	defer c.unregisterCancelable(tok)

	replyCh := make(chan wire.Message, 1)
	c.waitMu.Lock()
	c.active = &waiter{token: tok, accept: accept, replyCh: replyCh}
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		c.active = nil
		c.waitMu.Unlock()
	}()

	down := c.currentConnDown()
	if err := c.writeMessage(req); err != nil {
		return nil, err
	}

	select {
	case msg := <-replyCh:
		return msg, nil
	case <-cancelCh:
		return nil, ErrCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-down:
		return nil, ErrDisconnected
	case <-c.stopCh:
		return nil, ErrDisconnected
	}
}

// Stream behaves like Call but keeps accepting messages until done
// reports true (or the same termination conditions as Call apply),
// forwarding every accepted message on the returned channel and
// closing it when the stream ends. Used for the Changed/LastChanged
// download batch, spec.md §4.6's download pacing.
func (c *Connector) Stream(ctx context.Context, tok Token, req wire.Message, accept func(wire.Message) bool, done func(wire.Message) bool) (<-chan wire.Message, error) {
	c.reqMu.Lock()

	cancelCh := c.registerCancelable(tok)
	out := make(chan wire.Message, 16)
	replyCh := make(chan wire.Message, 16)
	c.waitMu.Lock()
	c.active = &waiter{token: tok, accept: accept, replyCh: replyCh}
	c.waitMu.Unlock()

	down := c.currentConnDown()
	if err := c.writeMessage(req); err != nil {
		c.waitMu.Lock()
		c.active = nil
		c.waitMu.Unlock()
		c.unregisterCancelable(tok)
		c.reqMu.Unlock()
		return nil, err
	}

	go func() {
		defer close(out)
		defer c.reqMu.Unlock()
		defer c.unregisterCancelable(tok)
		defer func() {
			c.waitMu.Lock()
			c.active = nil
			c.waitMu.Unlock()
		}()
		for {
			select {
			case msg := <-replyCh:
				out <- msg
				if done(msg) {
					return
				}
			case <-cancelCh:
				return
			case <-ctx.Done():
				return
			case <-down:
				return
			case <-c.stopCh:
				return
			}
		}
	}()

	return out, nil
}

// Send writes msg without waiting for, or matching, a reply. Used for
// frames that are acknowledgements in their own right (ChangedAck)
// rather than requests, so they can be sent while a Stream download
// batch from the same connection is still in progress.
func (c *Connector) Send(msg wire.Message) error {
	return c.writeMessage(msg)
}

func (c *Connector) registerCancelable(tok Token) <-chan struct{} {
	ch := make(chan struct{})
	c.canceledMu.Lock()
	c.canceled[tok] = ch
	c.canceledMu.Unlock()
	return ch
}

func (c *Connector) unregisterCancelable(tok Token) {
	c.canceledMu.Lock()
	delete(c.canceled, tok)
	c.canceledMu.Unlock()
}

// Cancel stops a Call or Stream waiting on tok, dropping any reply
// that arrives afterward instead of delivering it. A no-op if tok is
// not (or no longer) outstanding.
func (c *Connector) Cancel(tok Token) {
	c.canceledMu.Lock()
	ch, ok := c.canceled[tok]
	if ok {
		delete(c.canceled, tok)
	}
	c.canceledMu.Unlock()
	if ok {
		close(ch)
	}
}

// Stop tears the connector down permanently; Run returns shortly
// after.
func (c *Connector) Stop() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		if conn := c.currentConn(); conn != nil {
			_ = conn.Close()
		}
	})
}
