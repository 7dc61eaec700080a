package watcher

import (
	"fmt"

	"github.com/pkg/errors"
)

// Resync applies the spec.md §4.8 bitfield of resync actions to table.
// clearServerDataFn, when non-nil, is invoked for ResyncClearServerData
// to enqueue the client's best-effort remove-table request; Resync
// itself has no connector of its own.
func (w *Watcher) Resync(table string, mode ResyncMode, clearServerData func(table string) error) error {
	cfg, err := w.tableConfig(table)
	if err != nil {
		return err
	}
	shadow := shadowTable(table)

	if mode.has(ResyncClearLocalData) {
		if _, err := w.db.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return errors.Wrap(err, "watcher: clear local user rows")
		}
		if _, err := w.db.Exec(fmt.Sprintf(`DELETE FROM %s`, shadow)); err != nil {
			return errors.Wrap(err, "watcher: clear local shadow rows")
		}
	} else if mode.has(ResyncCleanLocalData) {
		if _, err := w.db.Exec(fmt.Sprintf(`DELETE FROM %s`, shadow)); err != nil {
			return errors.Wrap(err, "watcher: clean shadow rows")
		}
		if err := w.reinflate(cfg, shadow); err != nil {
			return err
		}
	} else if mode.has(ResyncCheckLocalData) {
		if err := w.reinflate(cfg, shadow); err != nil {
			return err
		}
	}

	if mode.has(ResyncUpload) {
		if _, err := w.db.Exec(fmt.Sprintf(`UPDATE %s SET state = 'changed'`, shadow)); err != nil {
			return errors.Wrap(err, "watcher: mark every shadow row changed")
		}
	}

	if mode.has(ResyncDownload) {
		if _, err := w.db.Exec(`UPDATE __sync_state SET last_sync = NULL WHERE table_name = ?`, table); err != nil {
			return errors.Wrap(err, "watcher: clear last_sync")
		}
	}

	if mode.has(ResyncClearServerData) {
		if clearServerData == nil {
			return errors.New("watcher: ClearServerData requested with no remove-table sender configured")
		}
		if err := clearServerData(table); err != nil {
			return errors.Wrap(err, "watcher: enqueue remove-table request")
		}
	}

	w.notify(table)
	return nil
}

func (w *Watcher) reinflate(cfg *TableConfig, shadow string) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errors.Wrap(err, "watcher: begin reinflate transaction")
	}
	defer tx.Rollback()
	if err := inflate(tx, *cfg, shadow); err != nil {
		return err
	}
	return tx.Commit()
}
