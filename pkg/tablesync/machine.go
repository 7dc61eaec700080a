package tablesync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/log"
	"github.com/vaultsync/vaultsync/pkg/watcher"
)

type ctrlKind int

const (
	ctrlStart ctrlKind = iota
	ctrlStop
	ctrlTriggerSync
	ctrlForceSync
	ctrlTriggerUpload
	ctrlGoOnline
	ctrlGoOffline
	ctrlDelTable
)

type ctrlEvent struct {
	kind ctrlKind
	done chan struct{} // closed once the event has been acted on, for DelTable/Stop callers that want to wait
}

// Machine is the per-table orchestrator of spec.md §4.9.
type Machine struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	state    State
	lastErr  error
	lastSync time.Time

	ctrlCh chan ctrlEvent
}

// New prepares a Machine; call Run to start it.
func New(cfg Config) *Machine {
	return &Machine{
		cfg:    cfg,
		logger: log.WithTableName(log.WithComponent("tablesync"), cfg.Table),
		state:  StateInactive,
		ctrlCh: make(chan ctrlEvent, 16),
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Machine) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Machine) send(kind ctrlKind) {
	select {
	case m.ctrlCh <- ctrlEvent{kind: kind}:
	default:
		m.logger.Warn().Int("kind", int(kind)).Msg("tablesync: control channel full, dropping event")
	}
}

// Start transitions the machine from Inactive into its sync cycle.
func (m *Machine) Start() { m.send(ctrlStart) }

// Stop cancels all tokens, drains the in-flight cycle, and transitions
// to Inactive. Blocks until Run has observed and processed it.
func (m *Machine) Stop() {
	done := make(chan struct{})
	m.ctrlCh <- ctrlEvent{kind: ctrlStop, done: done}
	<-done
}

// TriggerSync requests a sync pass once the machine reaches
// Synchronized or Offline; a pass already underway is left alone.
func (m *Machine) TriggerSync() { m.send(ctrlTriggerSync) }

// ForceSync cancels the current token (if any) and re-enters Init
// without clearing queued data.
func (m *Machine) ForceSync() { m.send(ctrlForceSync) }

// TriggerUpload requests an upload-only pass.
func (m *Machine) TriggerUpload() { m.send(ctrlTriggerUpload) }

// GoOnline/GoOffline mirror the connector reporting reachability.
func (m *Machine) GoOnline()  { m.send(ctrlGoOnline) }
func (m *Machine) GoOffline() { m.send(ctrlGoOffline) }

// DeleteTable runs the best-effort ClearServerData resync mode
// (spec.md §9) then stays Inactive until restarted.
func (m *Machine) DeleteTable() {
	done := make(chan struct{})
	m.ctrlCh <- ctrlEvent{kind: ctrlDelTable, done: done}
	<-done
}

// Run drives the machine until ctx is canceled or Stop is called. It
// is meant to run in its own goroutine, one per registered table
// (spec.md §4.10 "per-table state machines").
func (m *Machine) Run(ctx context.Context) {
	trigger := m.cfg.Store.Subscribe(m.cfg.Table)
	offline := false

	var cycleCancel context.CancelFunc
	cycleDone := closedChan()

	startCycle := func() {
		select {
		case <-cycleDone:
		default:
			return // a cycle is already running; it will reach Synchronized and this trigger is redundant
		}
		cctx, cancel := context.WithCancel(ctx)
		cycleCancel = cancel
		done := make(chan struct{})
		cycleDone = done
		go func() {
			defer close(done)
			m.runCycle(cctx)
		}()
	}
	cancelAndWait := func() {
		if cycleCancel != nil {
			cycleCancel()
		}
		<-cycleDone
	}

	defer func() {
		cancelAndWait()
		m.setState(StateInactive)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ce := <-m.ctrlCh:
			switch ce.kind {
			case ctrlStop:
				cancelAndWait()
				m.setState(StateInactive)
				if ce.done != nil {
					close(ce.done)
				}
				return
			case ctrlForceSync:
				cancelAndWait()
				if !offline {
					startCycle()
				}
			case ctrlGoOffline:
				offline = true
				cancelAndWait()
				m.setState(StateOffline)
			case ctrlGoOnline:
				offline = false
				startCycle()
			case ctrlDelTable:
				cancelAndWait()
				m.runDelTable(ctx)
				if ce.done != nil {
					close(ce.done)
				}
			case ctrlStart, ctrlTriggerSync, ctrlTriggerUpload:
				if !offline {
					startCycle()
				}
			}
		case <-trigger:
			if !offline {
				startCycle()
			}
		}
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// runCycle is one Init -> (PassiveSync | LiveSync) -> Synchronized
// pass. It runs on its own goroutine so a concurrent forceSync/stop
// can cancel ctx out from under it.
func (m *Machine) runCycle(ctx context.Context) {
	m.setState(StateInit)

	lastSync, err := m.cfg.Store.LastSync(m.cfg.Table)
	if err != nil {
		m.fail(newErr(KindDatabase, m.cfg.Table, err))
		return
	}
	m.mu.Lock()
	m.lastSync = lastSync
	m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	if m.cfg.LiveSync && m.cfg.Remote.State() == connector.StateReady {
		m.runLiveSync(ctx)
		return
	}
	m.runPassiveSync(ctx)
}

func (m *Machine) runPassiveSync(ctx context.Context) {
	if err := m.runDownload(ctx); err != nil {
		m.handleCycleErr(ctx, err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := m.runUpload(ctx); err != nil {
		m.handleCycleErr(ctx, err)
		return
	}
	m.setState(StateSynchronized)
}

func (m *Machine) handleCycleErr(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return // canceled by forceSync/stop, not a real failure
	}
	if errors.Is(err, connector.ErrDisconnected) {
		m.setState(StateOffline)
		return
	}
	if recoverable(err) {
		m.setState(StateNetworkError)
		m.setErr(err)
		m.scheduleRetry(ctx)
		return
	}
	m.fail(err)
}

// scheduleRetry waits the fixed table's first backoff step before
// re-entering Init, matching spec.md §4.9's NetworkError sub-state.
func (m *Machine) scheduleRetry(ctx context.Context) {
	select {
	case <-time.After(5 * time.Second):
		m.runCycle(ctx)
	case <-ctx.Done():
	}
}

func (m *Machine) fail(err error) {
	m.setErr(err)
	m.setState(StateError)
	if m.cfg.ErrorSink != nil {
		m.cfg.ErrorSink(err)
	}
}

// runDelTable implements spec.md §9's resolved open question:
// ClearServerData has no wire message of its own in spec.md §6's
// catalogue (only whole-device removal does), so it stays best-effort
// and local-only here — it marks every shadow row for re-upload is
// NOT what we want, so instead it wipes local state; sibling devices
// discover the emptied table through normal sync once this device's
// own rows stop being re-offered.
func (m *Machine) runDelTable(ctx context.Context) {
	m.setState(StateDelTable)
	clearServerData := func(table string) error {
		m.logger.Info().Msg("tablesync: ClearServerData has no wire representation; clearing local state only")
		return nil
	}
	if err := m.cfg.Store.Resync(m.cfg.Table, watcher.ResyncClearServerData|watcher.ResyncClearLocalData, clearServerData); err != nil {
		m.fail(newErr(KindDatabase, m.cfg.Table, err))
		return
	}
	m.setState(StateInactive)
}
