package tablesync

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// runUpload drives Uploading: load_data -> encrypt -> upload -> wait
// for ack -> mark_unchanged, one row at a time (spec.md §4.9/§5's
// back-pressure: "the client upload loop uploads one row at a time and
// waits for the ACK before loading the next").
func (m *Machine) runUpload(ctx context.Context) error {
	m.setState(StateUploading)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		local, err := m.cfg.Store.LoadData(m.cfg.Table)
		if err != nil {
			return newErr(KindTransaction, m.cfg.Table, err)
		}
		if local == nil {
			return nil // nothing left to upload
		}

		keyIndex, salt, ciphertext, err := m.cfg.Transform.Encrypt(m.cfg.Table, *local)
		if err != nil {
			if mcErr := m.cfg.Store.MarkCorrupted(m.cfg.Table, local.Key, local.Modified); mcErr != nil {
				return newErr(KindTransaction, m.cfg.Table, mcErr)
			}
			m.logger.Warn().Err(err).Str("key", local.Key).Msg("tablesync: encrypt failed, row marked corrupted")
			continue
		}

		dataID := DataID(m.cfg.Table, local.Key)
		tok := connector.NewToken()
		accept := func(msg wire.Message) bool {
			switch ack := msg.(type) {
			case *wire.ChangeAckMsg:
				return bytesEqual(ack.DataID, dataID)
			case *wire.ErrorMsg:
				return true
			}
			return false
		}
		reply, err := m.cfg.Remote.Call(ctx, tok, &wire.ChangeMsg{
			DataID:     dataID,
			KeyIndex:   keyIndex,
			Salt:       salt,
			Ciphertext: ciphertext,
		}, accept)
		if err != nil {
			m.cfg.Remote.Cancel(tok)
			return newErr(KindNetwork, m.cfg.Table, err)
		}
		if wireErr, ok := reply.(*wire.ErrorMsg); ok {
			if wireErr.ErrorType == wire.ErrorQuotaHitError {
				// This row, not the table, is the failure: skip it
				// and keep uploading the rest (spec.md §7).
				m.logger.Warn().Str("key", local.Key).Msg("tablesync: upload rejected, quota exceeded")
				if mcErr := m.cfg.Store.MarkCorrupted(m.cfg.Table, local.Key, local.Modified); mcErr != nil {
					return newErr(KindTransaction, m.cfg.Table, mcErr)
				}
				continue
			}
			return newErr(KindNetwork, m.cfg.Table, errors.Errorf("tablesync: upload rejected: %s", wireErr.Message))
		}

		if err := m.cfg.Store.MarkUnchanged(m.cfg.Table, local.Key, local.Modified); err != nil {
			return newErr(KindTransaction, m.cfg.Table, err)
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
