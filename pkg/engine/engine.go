package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/log"
	"github.com/vaultsync/vaultsync/pkg/tablesync"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

type ctrlKind int

const (
	ctrlSignIn ctrlKind = iota
	ctrlStop
	ctrlDeleteAccount
)

type ctrlEvent struct {
	kind    ctrlKind
	userID  string
	idToken string
	done    chan struct{}
}

// Engine is the top-level owner of one device's sync session, spec.md
// §4.10. Its shape (fixed collaborators in Config, a small control
// channel, one goroutine per long-running subsystem) is grounded on
// the teacher's pkg/worker.Worker/pkg/manager.Manager.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	state   State
	lastErr error
	userID  string

	ctrlCh chan ctrlEvent
	errCh  chan error

	tablesMu sync.Mutex
	tables   map[string]*tableState

	connOnce sync.Once
}

// New prepares an Engine; call Run to start it.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: log.WithComponent("engine"),
		state:  StateInactive,
		ctrlCh: make(chan ctrlEvent, 8),
		errCh:  make(chan error, 32),
		tables: make(map[string]*tableState),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// LastError returns the error that moved the engine into StateError,
// if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Errors is the aggregated error stream of spec.md §4.10: every
// table's state machine errors land here alongside the engine's own
// sign-in/delete failures.
func (e *Engine) Errors() <-chan error { return e.errCh }

func (e *Engine) reportErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	select {
	case e.errCh <- err:
	default:
		e.logger.Warn().Err(err).Msg("engine: error stream full, dropping")
	}
}

// SignInSuccessful routes a completed external sign-in to the
// connector: the engine was sitting Inactive with no reason to dial
// until now. idToken is retained only for the identity-provider phase
// of a later DeleteAccount.
func (e *Engine) SignInSuccessful(userID, idToken string) {
	e.ctrlCh <- ctrlEvent{kind: ctrlSignIn, userID: userID, idToken: idToken}
}

// Stop tears every table machine and the connector down and returns
// the engine to Inactive. Blocks until the transition completes.
func (e *Engine) Stop() {
	done := make(chan struct{})
	e.ctrlCh <- ctrlEvent{kind: ctrlStop, done: done}
	<-done
}

// DeleteAccount runs the two-phase removal of spec.md §4.10: the
// device's server-side record first, then (only if that succeeds) the
// external identity-provider account. Blocks until both phases
// complete or fail.
func (e *Engine) DeleteAccount(idToken string) error {
	done := make(chan struct{})
	ev := ctrlEvent{kind: ctrlDeleteAccount, idToken: idToken, done: done}
	e.ctrlCh <- ev
	<-done
	return e.LastError()
}

// Run drives the engine's lifecycle until ctx is canceled. It is meant
// to run in its own goroutine for the process lifetime.
func (e *Engine) Run(ctx context.Context) {
	var signInCancel context.CancelFunc
	signInDone := closedChan()

	defer func() {
		if signInCancel != nil {
			signInCancel()
		}
		<-signInDone
		e.stopAllTables()
		e.cfg.Connector.Stop()
		e.setState(StateInactive)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.ctrlCh:
			switch ev.kind {
			case ctrlSignIn:
				if e.State() == StateSigningIn || e.State() == StateTableSync {
					continue
				}
				e.userID = ev.userID
				e.setState(StateSigningIn)
				e.connOnce.Do(func() { go e.cfg.Connector.Run(ctx) })

				sctx, cancel := context.WithCancel(ctx)
				signInCancel = cancel
				done := make(chan struct{})
				signInDone = done
				go func() {
					defer close(done)
					e.runSignIn(sctx)
				}()

			case ctrlStop:
				if signInCancel != nil {
					signInCancel()
				}
				<-signInDone
				e.stopAllTables()
				e.cfg.Connector.Stop()
				e.setState(StateInactive)
				if ev.done != nil {
					close(ev.done)
				}
				return

			case ctrlDeleteAccount:
				e.setState(StateDeletingAcc)
				if signInCancel != nil {
					signInCancel()
				}
				<-signInDone
				e.stopAllTables()
				err := e.runDeleteAccount(ctx, ev.idToken)
				if err != nil {
					e.setState(StateError)
					e.reportErr(err)
				} else {
					e.setState(StateInactive)
				}
				if ev.done != nil {
					close(ev.done)
				}
			}
		}
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// runSignIn performs the handshake and, on success, starts one
// tablesync.Machine per configured table.
func (e *Engine) runSignIn(ctx context.Context) {
	welcome, err := e.cfg.Auth.Login(ctx, e.cfg.Connector)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.setState(StateError)
		e.reportErr(errors.Wrap(err, "engine: sign-in"))
		return
	}
	if welcome.HasChanges {
		e.cfg.Connector.MarkChangesPending()
	}

	e.startAllTables(ctx)
	e.setState(StateTableSync)
}

func (e *Engine) startAllTables(ctx context.Context) {
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()

	for _, spec := range e.cfg.Tables {
		tctx, cancel := context.WithCancel(ctx)
		m := tablesync.New(tablesync.Config{
			Table:     spec.Name,
			Store:     e.cfg.Watcher,
			Remote:    e.cfg.Connector,
			Transform: e.cfg.Transform,
			LiveSync:  spec.LiveSync,
			ErrorSink: func(table string) func(error) {
				return func(err error) { e.reportErr(errors.Wrapf(err, "table %s", table)) }
			}(spec.Name),
		})
		done := make(chan struct{})
		e.tables[spec.Name] = &tableState{machine: m, cancel: cancel, done: done}
		go func() {
			defer close(done)
			m.Run(tctx)
		}()
		m.Start()
	}
}

func (e *Engine) stopAllTables() {
	e.tablesMu.Lock()
	ts := make([]*tableState, 0, len(e.tables))
	for _, st := range e.tables {
		ts = append(ts, st)
	}
	e.tables = make(map[string]*tableState)
	e.tablesMu.Unlock()

	for _, st := range ts {
		st.machine.Stop()
		st.cancel()
		<-st.done
	}
}

// TableState reports a managed table's current state, for UIs/tests;
// the zero value means the table isn't currently running.
func (e *Engine) TableState(name string) (tablesync.State, bool) {
	e.tablesMu.Lock()
	st, ok := e.tables[name]
	e.tablesMu.Unlock()
	if !ok {
		return 0, false
	}
	return st.machine.State(), true
}

// runDeleteAccount implements spec.md §4.10's two-phase delete: the
// sync server's device record first (a Remove of this device, which
// serverstore.RemoveDevice turns into a full account purge once it was
// the account's last device), then the external identity provider —
// only attempted if the server phase succeeds.
func (e *Engine) runDeleteAccount(ctx context.Context, idToken string) error {
	devID, ok := e.cfg.Auth.DeviceID()
	if !ok {
		return errors.New("engine: delete account: no registered device")
	}

	tok := connector.NewToken()
	defer e.cfg.Connector.Cancel(tok)
	reply, err := e.cfg.Connector.Call(ctx, tok, &wire.RemoveMsg{DeviceID: devID}, func(m wire.Message) bool {
		switch m.(type) {
		case *wire.RemoveAckMsg, *wire.ErrorMsg:
			return true
		default:
			return false
		}
	})
	if err != nil {
		return errors.Wrap(err, "engine: delete account: server phase")
	}
	if werr, ok := reply.(*wire.ErrorMsg); ok {
		return errors.Errorf("engine: delete account rejected: %s: %s", werr.ErrorType, werr.Message)
	}
	ack := reply.(*wire.RemoveAckMsg)
	if ack.DeviceID != devID {
		return errors.New("engine: delete account: RemoveAck device mismatch")
	}

	if e.cfg.IdentityProvider != nil {
		if err := e.cfg.IdentityProvider.DeleteAccount(ctx, e.userID, idToken); err != nil {
			return errors.Wrap(err, "engine: delete account: identity provider phase")
		}
	}

	_ = e.cfg.Auth.KeyStore.Remove(deviceIDAlias)
	return nil
}
