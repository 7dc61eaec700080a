package watcher

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vaultsync/vaultsync/pkg/log"

	_ "modernc.org/sqlite"
)

// Watcher owns one *sql.DB and every table registered against it with
// AddTable. A client process normally owns exactly one Watcher per
// database connection, per spec.md §4.10.
type Watcher struct {
	db     *sql.DB
	logger zerolog.Logger

	mu     sync.RWMutex
	tables map[string]*TableConfig

	notifyMu sync.Mutex
	subs     map[string][]chan struct{}
}

// Open opens (or attaches to) a SQLite database at path (":memory:" is
// valid for tests) and ensures the three meta tables exist.
func Open(path string) (*Watcher, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "watcher: open database")
	}
	db.SetMaxOpenConns(1) // single-writer owner per spec.md §5's "small dedicated thread"

	w := &Watcher{
		db:     db,
		logger: log.WithComponent("watcher"),
		tables: make(map[string]*TableConfig),
		subs:   make(map[string][]chan struct{}),
	}
	if err := w.ensureMetaTables(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.db.Close()
}

// ensureMetaTables creates the three meta tables step 1 of AddTable
// needs: the registered-table directory, the foreign-key reference
// list, and the per-table last_sync watermark.
func (w *Watcher) ensureMetaTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS __sync_tables (
			table_name TEXT PRIMARY KEY,
			primary_key TEXT NOT NULL,
			columns TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS __sync_refs (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			ref_table TEXT NOT NULL,
			ref_pk TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS __sync_state (
			table_name TEXT PRIMARY KEY,
			last_sync TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := w.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "watcher: create meta tables")
		}
	}
	return nil
}

func shadowTable(table string) string {
	return "__sync_" + table
}

// AddTable performs the six idempotent steps of spec.md §4.8.
func (w *Watcher) AddTable(cfg TableConfig) error {
	if cfg.PrimaryKey == "" {
		return errors.New("watcher: primary key is required (composite keys are not supported)")
	}
	if strings.Contains(cfg.PrimaryKey, ",") {
		return errors.New("watcher: composite primary keys are rejected")
	}

	// Step 1 (meta tables) already done in Open.

	tx, err := w.db.Begin()
	if err != nil {
		return errors.Wrap(err, "watcher: begin add-table transaction")
	}
	defer tx.Rollback()

	shadow := shadowTable(cfg.Name)

	// Step 2: register the table and its resolved primary key.
	if _, err := tx.Exec(
		`INSERT INTO __sync_tables(table_name, primary_key, columns) VALUES (?, ?, ?)
		 ON CONFLICT(table_name) DO UPDATE SET primary_key=excluded.primary_key, columns=excluded.columns`,
		cfg.Name, cfg.PrimaryKey, strings.Join(cfg.Columns, ","),
	); err != nil {
		return errors.Wrap(err, "watcher: register table")
	}

	if _, err := tx.Exec(`DELETE FROM __sync_refs WHERE table_name = ?`, cfg.Name); err != nil {
		return errors.Wrap(err, "watcher: clear foreign key refs")
	}
	for _, fk := range cfg.ForeignKeys {
		if _, err := tx.Exec(
			`INSERT INTO __sync_refs(table_name, column_name, ref_table, ref_pk) VALUES (?, ?, ?, ?)`,
			cfg.Name, fk.Column, fk.RefTable, fk.RefPK,
		); err != nil {
			return errors.Wrap(err, "watcher: register foreign key ref")
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO __sync_state(table_name, last_sync) VALUES (?, NULL)
		 ON CONFLICT(table_name) DO NOTHING`,
		cfg.Name,
	); err != nil {
		return errors.Wrap(err, "watcher: seed last_sync row")
	}

	// Step 3: shadow table + index on its changed (state) column.
	if _, err := tx.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			pk TEXT PRIMARY KEY,
			modified TEXT NOT NULL,
			state TEXT NOT NULL,
			hash BLOB
		)`, shadow)); err != nil {
		return errors.Wrap(err, "watcher: create shadow table")
	}
	if _, err := tx.Exec(fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state)`, cfg.Name, shadow)); err != nil {
		return errors.Wrap(err, "watcher: create shadow state index")
	}

	// Step 4: four triggers (insert / update-same-pk / update-changed-pk / delete).
	if err := installTriggers(tx, cfg); err != nil {
		return err
	}

	// Step 5: inflate rows missing a shadow entry.
	if err := inflate(tx, cfg, shadow); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "watcher: commit add-table transaction")
	}

	w.mu.Lock()
	c := cfg
	w.tables[cfg.Name] = &c
	w.mu.Unlock()

	// Step 6: create the table's Subscribe notification list.
	w.ensureSubscription(cfg.Name)

	return nil
}

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ','now')`

func installTriggers(tx *sql.Tx, cfg TableConfig) error {
	table := cfg.Name
	shadow := shadowTable(table)
	pk := cfg.PrimaryKey

	triggers := []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s_ins`, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s_upd_same`, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s_upd_pk`, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s_del`, table),

		fmt.Sprintf(`CREATE TRIGGER trg_%[1]s_ins AFTER INSERT ON %[1]s BEGIN
			INSERT INTO %[2]s(pk, modified, state) VALUES (NEW.%[3]s, %[4]s, 'changed')
			ON CONFLICT(pk) DO UPDATE SET modified=excluded.modified, state='changed';
		END`, table, shadow, pk, nowExpr),

		fmt.Sprintf(`CREATE TRIGGER trg_%[1]s_upd_same AFTER UPDATE ON %[1]s
			WHEN OLD.%[3]s = NEW.%[3]s BEGIN
			UPDATE %[2]s SET modified=%[4]s, state='changed' WHERE pk = NEW.%[3]s;
		END`, table, shadow, pk, nowExpr),

		fmt.Sprintf(`CREATE TRIGGER trg_%[1]s_upd_pk AFTER UPDATE ON %[1]s
			WHEN OLD.%[3]s <> NEW.%[3]s BEGIN
			UPDATE %[2]s SET state='changed', modified=%[4]s WHERE pk = OLD.%[3]s;
			INSERT INTO %[2]s(pk, modified, state) VALUES (NEW.%[3]s, %[4]s, 'changed')
			ON CONFLICT(pk) DO UPDATE SET modified=excluded.modified, state='changed';
		END`, table, shadow, pk, nowExpr),

		fmt.Sprintf(`CREATE TRIGGER trg_%[1]s_del AFTER DELETE ON %[1]s BEGIN
			UPDATE %[2]s SET state='changed', modified=%[4]s WHERE pk = OLD.%[3]s;
		END`, table, shadow, pk, nowExpr),
	}

	for _, stmt := range triggers {
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrapf(err, "watcher: install trigger for %s", table)
		}
	}
	return nil
}

// inflate inserts a changed shadow row for every existing user row
// that does not already have one, so the first sync pass uploads
// everything.
func inflate(tx *sql.Tx, cfg TableConfig, shadow string) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %[2]s(pk, modified, state)
		 SELECT t.%[3]s, %[4]s, 'changed'
		 FROM %[1]s t
		 LEFT JOIN %[2]s s ON s.pk = t.%[3]s
		 WHERE s.pk IS NULL`,
		cfg.Name, shadow, cfg.PrimaryKey, nowExpr,
	)
	if _, err := tx.Exec(stmt); err != nil {
		return errors.Wrap(err, "watcher: inflate shadow rows")
	}
	return nil
}

// ensureSubscription makes sure a notification slice exists for table
// so notify/Subscribe never race on map initialization.
func (w *Watcher) ensureSubscription(table string) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	if _, ok := w.subs[table]; !ok {
		w.subs[table] = nil
	}
}

// Subscribe returns a channel that receives a value (triggerSync)
// every time StoreData or Resync completes for table. Local edits that
// reach the shadow table only through the SQL triggers do not signal
// it. Buffered size 1: a pending notification coalesces with
// any still-unread one, matching a level-triggered wakeup rather than
// an edit-triggered queue.
func (w *Watcher) Subscribe(table string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	w.notifyMu.Lock()
	w.subs[table] = append(w.subs[table], ch)
	w.notifyMu.Unlock()
	return ch
}

func (w *Watcher) notify(table string) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	for _, ch := range w.subs[table] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) tableConfig(table string) (*TableConfig, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cfg, ok := w.tables[table]
	if !ok {
		return nil, errors.Errorf("watcher: table %q not registered", table)
	}
	return cfg, nil
}
