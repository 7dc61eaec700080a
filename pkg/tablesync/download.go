package tablesync

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// runDownload drives DlRunning/ProcRunning: request the account-wide
// change stream, and for every Changed frame whose decrypted envelope
// names this table, decrypt, resolve the conflict, store, and ack —
// strictly in delivery order (spec.md §4.9 "within one table,
// downloads are processed strictly in the order received"). Frames
// for other tables are skipped without a ChangedAck. The connector
// hands each frame to the one active Stream, so no other table's
// Machine sees a frame that arrives through this call.
func (m *Machine) runDownload(ctx context.Context) error {
	m.setState(StateDlRunning)

	tok := connector.NewToken()
	defer m.cfg.Remote.Cancel(tok)

	accept := func(msg wire.Message) bool {
		switch msg.(type) {
		case *wire.ChangedMsg, *wire.LastChangedMsg:
			return true
		}
		return false
	}
	done := func(msg wire.Message) bool {
		_, ok := msg.(*wire.LastChangedMsg)
		return ok
	}

	stream, err := m.cfg.Remote.Stream(ctx, tok, &wire.SyncMsg{}, accept, done)
	if err != nil {
		return newErr(KindNetwork, m.cfg.Table, err)
	}

	for msg := range stream {
		changed, ok := msg.(*wire.ChangedMsg)
		if !ok {
			continue // LastChangedMsg: stream is about to close
		}
		if err := m.processChanged(ctx, changed); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// processChanged implements one ProcRunning step.
func (m *Machine) processChanged(ctx context.Context, msg *wire.ChangedMsg) error {
	m.setState(StateProcRunning)

	table, cloud, err := m.cfg.Transform.Decrypt(msg.KeyIndex, msg.Salt, msg.Ciphertext)
	if err != nil {
		// A transform failure on download has no local shadow row to
		// mark corrupted (we don't even know the key yet); log and
		// skip rather than wedge the whole account's download stream.
		m.logger.Warn().Err(err).Msg("tablesync: failed to decrypt downloaded change, skipping")
		return m.ackChanged(msg.BlobID)
	}
	if table != m.cfg.Table {
		return nil // addressed to a sibling table's Machine
	}

	store, err := m.cfg.Store.ShouldStore(table, cloud)
	if err != nil {
		return newErr(KindTransaction, table, err)
	}
	if store {
		if err := m.cfg.Store.StoreData(table, cloud); err != nil {
			return newErr(KindTransaction, table, err)
		}
	}
	return m.ackChanged(msg.BlobID)
}

func (m *Machine) ackChanged(blobID uuid.UUID) error {
	if err := m.cfg.Remote.Send(&wire.ChangedAckMsg{BlobID: blobID}); err != nil {
		return newErr(KindNetwork, m.cfg.Table, errors.Wrap(err, "tablesync: send ChangedAck"))
	}
	return nil
}
