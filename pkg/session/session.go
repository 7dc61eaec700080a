package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vaultsync/vaultsync/pkg/events"
	"github.com/vaultsync/vaultsync/pkg/log"
	"github.com/vaultsync/vaultsync/pkg/metrics"
	"github.com/vaultsync/vaultsync/pkg/serverstore"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// State is the session's coarse protocol state, spec.md §4.6.
type State int

const (
	StateAuthenticating State = iota
	StateIdle
	StateAwaitingGrant
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateAwaitingGrant:
		return "awaiting_grant"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config bundles a Session's fixed collaborators and tunables.
type Config struct {
	Store         *serverstore.Store
	Registry      Registry
	Broker        *events.Broker
	IdleTimeout   time.Duration // default 5m, spec.md §6
	DownLimit     int           // max in-flight fan-out rows, spec.md §4.6
	DownThreshold int           // refill point
	QuotaLimit    int64         // default quota for freshly registered accounts
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.DownLimit <= 0 {
		c.DownLimit = 32
	}
	if c.DownThreshold <= 0 {
		c.DownThreshold = c.DownLimit / 2
	}
	if c.QuotaLimit <= 0 {
		c.QuotaLimit = 100 * 1024 * 1024
	}
}

type incoming struct {
	msg wire.Message
	err error
}

// Session is one accepted connection's state machine.
type Session struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer
	writeMu sync.Mutex

	cfg    Config
	logger zerolog.Logger

	stateMu  sync.Mutex
	state    State
	deviceID string
	userID   string
	nonce    []byte

	// AwaitingGrant bookkeeping (requester side of enrollment).
	pendingNewDeviceID string

	dlMu     sync.Mutex
	inFlight int

	sub     events.Subscriber
	closeCh chan struct{}
	closeOnce sync.Once
}

// New wraps conn in a fresh Session, sends the initial Identify
// handshake, and returns it ready for Run.
func New(conn net.Conn, cfg Config) (*Session, error) {
	cfg.setDefaults()
	nonce := make([]byte, 16)
	if _, err := randRead(nonce); err != nil {
		return nil, errors.Wrap(err, "session: generate nonce")
	}

	s := &Session{
		conn:    conn,
		reader:  wire.NewReader(conn),
		writer:  wire.NewWriter(conn),
		cfg:     cfg,
		logger:  log.WithComponent("session"),
		state:   StateAuthenticating,
		nonce:   nonce,
		closeCh: make(chan struct{}),
	}

	if err := s.writeMessage(&wire.IdentifyMsg{
		ProtocolVersion: wire.CurrentVersion,
		Nonce:           nonce,
		UploadLimit:     uint32(cfg.DownLimit),
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Run drives the session until the connection closes or a terminal
// error occurs. It blocks the calling goroutine; pkg/server invokes it
// as `go sess.Run()` per accepted connection.
func (s *Session) Run() {
	metrics.SessionsActive.Inc()
	start := time.Now()
	defer func() {
		metrics.SessionsActive.Dec()
		metrics.SessionDuration.Observe(time.Since(start).Seconds())
		s.teardown()
	}()

	msgCh := make(chan incoming, 8)
	go s.readLoop(msgCh)

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case im := <-msgCh:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)

			if im.err != nil {
				s.logger.Debug().Err(im.err).Msg("session read error")
				return
			}
			if im.msg == nil {
				// Ping: already echoed in readLoop via WritePing.
				continue
			}
			if s.handle(im.msg) {
				return
			}
		case ev, ok := <-s.subscriberChan():
			if !ok {
				continue
			}
			s.onEvent(ev)
		case <-idle.C:
			s.logger.Debug().Msg("session idle timeout")
			return
		}
	}
}

// subscriberChan returns the broker subscription channel, or a nil
// channel (which blocks forever in select) before authentication.
func (s *Session) subscriberChan() events.Subscriber {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sub
}

func (s *Session) onEvent(ev *events.Event) {
	if ev.Type != events.EventDeviceChanged {
		return
	}
	s.stateMu.Lock()
	state := s.state
	deviceID := s.deviceID
	s.stateMu.Unlock()
	if state != StateIdle || ev.Metadata["device_id"] != deviceID {
		return
	}
	if err := s.runDownloadPass(); err != nil {
		s.logger.Warn().Err(err).Msg("session: download pass after wakeup failed")
	}
}

func (s *Session) readLoop(out chan<- incoming) {
	for {
		msg, err := s.reader.ReadMessage()
		if err == nil && msg == nil {
			// Ping byte consumed; echo and keep reading.
			if werr := s.writePing(); werr != nil {
				out <- incoming{err: werr}
				return
			}
			out <- incoming{}
			continue
		}
		out <- incoming{msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

func (s *Session) writeMessage(m wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	metrics.SessionMessagesTotal.WithLabelValues(m.Tag(), "out").Inc()
	return s.writer.WriteMessage(m)
}

func (s *Session) writePing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writer.WritePing()
}

// Deliver implements Peer: it is called from a sibling session's
// goroutine (the enrollment relay handing over a Proof or Grant, or a
// sibling sending an Error after Remove or Deny) to push a message
// directly onto this session's connection. Fan-out wakeups do not come
// through here; Run receives them from the broker subscription.
func (s *Session) Deliver(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.GrantMsg:
		deviceID := m.NewDeviceID.String()
		userID := ""
		if dev, err := s.cfg.Store.GetDevice(deviceID); err == nil {
			userID = dev.UserID
		}
		s.stateMu.Lock()
		s.cfg.Registry.Unregister(s.pendingNewDeviceID)
		s.deviceID = deviceID
		s.userID = userID
		s.state = StateIdle
		s.sub = s.cfg.Broker.Subscribe()
		s.stateMu.Unlock()
		s.logger = log.WithAccountID(log.WithDeviceID(s.logger, deviceID), userID)
		s.cfg.Registry.Register(deviceID, s)
	case *wire.ErrorMsg:
		if !m.CanRecover {
			s.stateMu.Lock()
			if s.pendingNewDeviceID != "" {
				s.cfg.Registry.Unregister(s.pendingNewDeviceID)
			}
			s.state = StateError
			s.stateMu.Unlock()
			defer s.Close()
		}
	}
	return s.writeMessage(msg)
}

// handle dispatches one decoded message to the handler for the
// current state, writes back whatever the handler produced, and
// reports whether the session must close.
func (s *Session) handle(msg wire.Message) (shouldClose bool) {
	metrics.SessionMessagesTotal.WithLabelValues(msg.Tag(), "in").Inc()

	s.stateMu.Lock()
	state := s.state
	s.stateMu.Unlock()

	var reply wire.Message
	var werr *wireError

	switch state {
	case StateAuthenticating:
		reply, werr = s.handleAuth(msg)
	case StateIdle:
		reply, werr = s.handleIdle(msg)
	case StateAwaitingGrant:
		werr = &wireError{kind: wire.ErrorUnexpectedMessage, msg: "session: awaiting enrollment grant", recoverable: true}
	default:
		werr = &wireError{kind: wire.ErrorUnexpectedMessage, msg: "session: no messages accepted in this state", recoverable: false}
	}

	if werr != nil {
		_ = s.writeMessage(&wire.ErrorMsg{ErrorType: werr.kind, Message: werr.msg, CanRecover: werr.recoverable})
		if !werr.recoverable {
			s.stateMu.Lock()
			s.state = StateError
			s.stateMu.Unlock()
			return true
		}
		return false
	}
	if reply != nil {
		if err := s.writeMessage(reply); err != nil {
			return true
		}
	}
	return false
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.stateMu.Lock()
	deviceID := s.deviceID
	sub := s.sub
	s.state = StateClosed
	s.stateMu.Unlock()

	if sub != nil {
		s.cfg.Broker.Unsubscribe(sub)
	}
	if deviceID != "" {
		s.cfg.Registry.Unregister(deviceID)
	}
	_ = s.conn.Close()
}

// Close closes the session from outside its Run goroutine (e.g. the
// server shutting down, or remove-self completing).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	_ = s.conn.Close()
}

// DeviceID returns the authenticated device id, or "" before
// authentication completes.
func (s *Session) DeviceID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.deviceID
}

func randRead(b []byte) (int, error) {
	return cryptoRandRead(b)
}

// newBlobUUID parses a store-assigned blob id string back into a
// uuid.UUID for the wire Changed message; blob ids are always
// generated by uuid.New().String() in pkg/serverstore.
func newBlobUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}
	}
	return id
}
