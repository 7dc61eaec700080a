package tablesync

import (
	"context"
	"time"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// maxLiveSyncBackoffGen is n's cap in the 5^n restart backoff of
// spec.md §4.9.
const maxLiveSyncBackoffGen = 3

// runLiveSync opens the long-lived subscription (LsActive) and runs
// the upload loop concurrently (UlFiber), restarting with quadratic
// backoff (5^n, n<=3) whenever the subscription drops, per spec.md
// §4.9 and Scenario F. Any blobs that arrived while the connection was
// down are delivered by the very next Stream call before LastChanged
// in a real deployment, since the server replays the full fan-out
// backlog on each fresh Sync.
func (m *Machine) runLiveSync(ctx context.Context) {
	gen := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := m.runLiveSyncOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			gen = 0
			m.setState(StateSynchronized)
			return
		}

		m.setState(StateNetworkError)
		m.setErr(err)
		d := liveSyncBackoff(gen)
		if gen < maxLiveSyncBackoffGen {
			gen++
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

func liveSyncBackoff(gen int) time.Duration {
	n := int64(1)
	for i := 0; i < gen; i++ {
		n *= 5
	}
	return time.Duration(n) * time.Second
}

// runLiveSyncOnce drives one subscription's lifetime: LsActive
// consumes Changed pushes as they arrive (no LastChanged terminator —
// the subscription is open-ended) while UlFiber uploads concurrently.
// Returns nil only if ctx is canceled cleanly (stop/forceSync); any
// stream error is returned for the backoff loop above.
func (m *Machine) runLiveSyncOnce(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	uploadErrCh := make(chan error, 1)
	m.setState(StateUlFiber)
	go func() {
		uploadErrCh <- m.runUploadContinuous(cctx)
	}()

	m.setState(StateLsActive)
	tok := connector.NewToken()
	defer m.cfg.Remote.Cancel(tok)

	accept := func(msg wire.Message) bool {
		_, ok := msg.(*wire.ChangedMsg)
		return ok
	}
	never := func(wire.Message) bool { return false }

	stream, err := m.cfg.Remote.Stream(cctx, tok, &wire.SyncMsg{}, accept, never)
	if err != nil {
		cancel()
		<-uploadErrCh
		return newErr(KindNetwork, m.cfg.Table, err)
	}

	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				cancel()
				<-uploadErrCh
				if ctx.Err() != nil {
					return nil
				}
				return newErr(KindNetwork, m.cfg.Table, errConnLost)
			}
			changed := msg.(*wire.ChangedMsg)
			if err := m.processChanged(cctx, changed); err != nil {
				cancel()
				<-uploadErrCh
				return err
			}
		case err := <-uploadErrCh:
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ctx.Done():
			cancel()
			<-uploadErrCh
			return nil
		}
	}
}

// runUploadContinuous is UlFiber: like runUpload, but loops back to
// LoadData instead of returning once the queue drains, waiting on the
// table's change notification for the next row to offer.
func (m *Machine) runUploadContinuous(ctx context.Context) error {
	trigger := m.cfg.Store.Subscribe(m.cfg.Table)
	for {
		if err := m.runUpload(ctx); err != nil {
			return err
		}
		select {
		case <-trigger:
		case <-ctx.Done():
			return nil
		}
	}
}
