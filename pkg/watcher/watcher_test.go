package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func createNotesTable(t *testing.T, w *Watcher) {
	t.Helper()
	_, err := w.db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, w.AddTable(TableConfig{
		Name:       "notes",
		PrimaryKey: "id",
		Columns:    []string{"id", "body"},
	}))
}

func TestAddTableIsIdempotent(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)

	_, err := w.db.Exec(`INSERT INTO notes(id, body) VALUES ('n1', 'hello')`)
	require.NoError(t, err)

	// Re-running AddTable must not disturb the shadow row the insert
	// trigger already produced.
	require.NoError(t, w.AddTable(TableConfig{
		Name:       "notes",
		PrimaryKey: "id",
		Columns:    []string{"id", "body"},
	}))

	var count int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM __sync_notes`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestInsertTriggerMarksRowChanged(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)

	_, err := w.db.Exec(`INSERT INTO notes(id, body) VALUES ('n1', 'hello')`)
	require.NoError(t, err)

	data, err := w.LoadData("notes")
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, "n1", data.Key)
	require.Equal(t, "hello", data.Payload["body"])
}

func TestInflateCoversPreexistingRows(t *testing.T) {
	w := newTestWatcher(t)
	_, err := w.db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	_, err = w.db.Exec(`INSERT INTO notes(id, body) VALUES ('pre1', 'already here')`)
	require.NoError(t, err)

	require.NoError(t, w.AddTable(TableConfig{
		Name:       "notes",
		PrimaryKey: "id",
		Columns:    []string{"id", "body"},
	}))

	data, err := w.LoadData("notes")
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, "pre1", data.Key)
}

func TestMarkUnchangedNoOpsOnReEdit(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)
	_, err := w.db.Exec(`INSERT INTO notes(id, body) VALUES ('n1', 'v1')`)
	require.NoError(t, err)

	data, err := w.LoadData("notes")
	require.NoError(t, err)
	require.NotNil(t, data)

	// Re-edit the row before the ack arrives.
	_, err = w.db.Exec(`UPDATE notes SET body = 'v2' WHERE id = 'n1'`)
	require.NoError(t, err)

	require.NoError(t, w.MarkUnchanged("notes", data.Key, data.Modified))

	var state string
	require.NoError(t, w.db.QueryRow(`SELECT state FROM __sync_notes WHERE pk = ?`, "n1").Scan(&state))
	require.Equal(t, "changed", state)
}

func TestMarkUnchangedAppliesWithoutReEdit(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)
	_, err := w.db.Exec(`INSERT INTO notes(id, body) VALUES ('n1', 'v1')`)
	require.NoError(t, err)

	data, err := w.LoadData("notes")
	require.NoError(t, err)
	require.NoError(t, w.MarkUnchanged("notes", data.Key, data.Modified))

	var state string
	require.NoError(t, w.db.QueryRow(`SELECT state FROM __sync_notes WHERE pk = ?`, "n1").Scan(&state))
	require.Equal(t, "unchanged", state)
}

func TestShouldStoreNewerRemoteWins(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)
	now := time.Now().UTC().Truncate(time.Millisecond)

	should, err := w.ShouldStore("notes", CloudData{Key: "n1", Modified: now, Payload: map[string]any{"body": "remote"}})
	require.NoError(t, err)
	require.True(t, should, "no local row yet: remote always wins")

	require.NoError(t, w.StoreData("notes", CloudData{Key: "n1", Modified: now, Payload: map[string]any{"body": "remote"}}))

	older := now.Add(-time.Hour)
	should, err = w.ShouldStore("notes", CloudData{Key: "n1", Modified: older, Payload: map[string]any{"body": "stale"}})
	require.NoError(t, err)
	require.False(t, should)

	newer := now.Add(time.Hour)
	should, err = w.ShouldStore("notes", CloudData{Key: "n1", Modified: newer, Payload: map[string]any{"body": "fresher"}})
	require.NoError(t, err)
	require.True(t, should)
}

func TestShouldStoreEqualTimestampTieBreaksOnHash(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)
	now := time.Now().UTC().Truncate(time.Millisecond)

	localPayload := map[string]any{"body": "a"}
	require.NoError(t, w.StoreData("notes", CloudData{Key: "n1", Modified: now, Payload: localPayload}))

	lowerHash := []byte{0x00}
	should, err := w.ShouldStore("notes", CloudData{Key: "n1", Modified: now, Payload: localPayload, Hash: lowerHash})
	require.NoError(t, err)
	require.False(t, should, "a hash no greater than the local one must not win a timestamp tie")

	higherHash := []byte{0xFF, 0xFF}
	should, err = w.ShouldStore("notes", CloudData{Key: "n1", Modified: now, Payload: localPayload, Hash: higherHash})
	require.NoError(t, err)
	require.True(t, should)
}

func TestStoreDataTombstoneDeletesRow(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, w.StoreData("notes", CloudData{Key: "n1", Modified: now, Payload: map[string]any{"body": "v1"}}))

	require.NoError(t, w.StoreData("notes", CloudData{Key: "n1", Modified: now.Add(time.Second), Payload: nil}))

	var count int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM notes WHERE id = 'n1'`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestForeignKeyReferencePreservesParentShadowState(t *testing.T) {
	w := newTestWatcher(t)
	_, err := w.db.Exec(`CREATE TABLE authors (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	require.NoError(t, w.AddTable(TableConfig{
		Name:       "authors",
		PrimaryKey: "id",
		Columns:    []string{"id", "name"},
	}))

	_, err = w.db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT, author_id TEXT)`)
	require.NoError(t, err)
	require.NoError(t, w.AddTable(TableConfig{
		Name:       "notes",
		PrimaryKey: "id",
		Columns:    []string{"id", "body", "author_id"},
		ForeignKeys: []ForeignKeyRef{
			{Column: "author_id", RefTable: "authors", RefPK: "id"},
		},
	}))

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, w.StoreData("notes", CloudData{
		Key: "n1", Modified: now,
		Payload: map[string]any{"body": "hi", "author_id": "missing-author"},
	}))

	var count int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM authors WHERE id = 'missing-author'`).Scan(&count))
	require.Equal(t, 1, count, "a stub parent row must be created")

	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM __sync_authors WHERE pk = 'missing-author'`).Scan(&count))
	require.Equal(t, 0, count, "reference creation must not mark the parent row locally changed")
}

func TestResyncUploadMarksEveryRowChanged(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, w.StoreData("notes", CloudData{Key: "n1", Modified: now, Payload: map[string]any{"body": "v1"}}))

	require.NoError(t, w.Resync("notes", ResyncUpload, nil))

	data, err := w.LoadData("notes")
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, "n1", data.Key)
}

func TestResyncClearServerDataRequiresSender(t *testing.T) {
	w := newTestWatcher(t)
	createNotesTable(t, w)

	err := w.Resync("notes", ResyncClearServerData, nil)
	require.Error(t, err)

	called := false
	err = w.Resync("notes", ResyncClearServerData, func(table string) error {
		called = true
		require.Equal(t, "notes", table)
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
