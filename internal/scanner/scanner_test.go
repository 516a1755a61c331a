package scanner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/localstore"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/vaultcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeStore serves a fixed schema and row set and records the queries
// it was asked to run.
type fakeStore struct {
	schema  []models.ColumnInfo
	rows    []map[string]any
	queries []string
	args    [][]any
}

func (f *fakeStore) TableSchema(_ context.Context, _ string) ([]models.ColumnInfo, error) {
	return f.schema, nil
}

func (f *fakeStore) Query(_ context.Context, query string, args ...any) ([]map[string]any, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return f.rows, nil
}

func notesSchema() []models.ColumnInfo {
	return []models.ColumnInfo{
		{Name: "id", IsPK: true},
		{Name: "title"},
		{Name: "body"},
		{Name: localstore.TombstoneColumn},
	}
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := vaultcrypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func decrypt(t *testing.T, key []byte, c models.ColumnChange) models.Value {
	t.Helper()
	cipher, err := vaultcrypto.NewCipher(key)
	require.NoError(t, err)
	v, err := cipher.DecryptValue(c.EncryptedValue, c.Nonce)
	require.NoError(t, err)
	return v
}

func emitted(changes []models.ColumnChange) []string {
	var out []string
	for _, c := range changes {
		out = append(out, c.RowPKs+"."+c.ColumnName)
	}
	sort.Strings(out)
	return out
}

// Three rows changed after "100" and one before it. Only columns whose
// own or inherited HLC exceeds the cursor are emitted, and the batch
// total equals the emitted count.
func TestScanTables_ScenarioA(t *testing.T) {
	store := &fakeStore{
		schema: notesSchema(),
		rows: []map[string]any{
			{ // title and body changed after the cursor, tombstone did not
				"id": "n1", "title": "T1", "body": "B1", "sync_deleted": int64(0),
				"sync_hlc": "150", "sync_column_hlcs": `{"title":"150","body":"120","sync_deleted":"40"}`,
				"sync_local_hlc": "150", "sync_column_local": `{"title":"150","body":"120","sync_deleted":"40"}`,
			},
			{ // no column HLCs yet: every column inherits the row HLC
				"id": "n2", "title": "T2", "body": nil, "sync_deleted": int64(0),
				"sync_hlc": "130", "sync_column_hlcs": `{}`,
				"sync_local_hlc": "130", "sync_column_local": `{}`,
			},
			{ // only the tombstone is new
				"id": "n3", "title": "T3", "body": "B3", "sync_deleted": int64(1),
				"sync_hlc": "200", "sync_column_hlcs": `{"title":"50","body":"60","sync_deleted":"200"}`,
				"sync_local_hlc": "200", "sync_column_local": `{"title":"50","body":"60","sync_deleted":"200"}`,
			},
			{ // unchanged since the cursor, numerically lower despite sorting higher as text
				"id": "n4", "title": "T4", "body": "B4", "sync_deleted": int64(0),
				"sync_hlc": "99", "sync_column_hlcs": `{"title":"99"}`,
				"sync_local_hlc": "99", "sync_column_local": `{"title":"99"}`,
			},
		},
	}

	key := testKey(t)
	s := New(store, quietLogger)

	changes, err := s.ScanTables(context.Background(), []string{"notes"}, "100", key, "batch-1", "dev-a")
	require.NoError(t, err)

	assert.Equal(t, []string{
		`{"id":"n1"}.body`,
		`{"id":"n1"}.title`,
		`{"id":"n2"}.body`,
		`{"id":"n2"}.sync_deleted`,
		`{"id":"n2"}.title`,
		`{"id":"n3"}.sync_deleted`,
	}, emitted(changes))

	for i, c := range changes {
		assert.Equal(t, "batch-1", c.BatchID)
		assert.Equal(t, i+1, c.BatchSeq)
		assert.Equal(t, len(changes), c.BatchTotal)
		assert.Equal(t, "dev-a", c.DeviceID)
		assert.True(t, hlc.After(c.HLC, "100"))
		assert.NotContains(t, c.EncryptedValue, "T1")
	}

	byKey := map[string]models.ColumnChange{}
	for _, c := range changes {
		byKey[c.RowPKs+"."+c.ColumnName] = c
	}

	assert.Equal(t, models.TextValue("T1"), decrypt(t, key, byKey[`{"id":"n1"}.title`]))
	assert.Equal(t, "120", byKey[`{"id":"n1"}.body`].HLC)
	assert.Equal(t, "130", byKey[`{"id":"n2"}.title`].HLC)
	assert.True(t, decrypt(t, key, byKey[`{"id":"n2"}.body`]).IsNull())
	assert.Equal(t, models.IntegerValue(1), decrypt(t, key, byKey[`{"id":"n3"}.sync_deleted`]))

	// A bare cursor cannot be range-compared in SQL.
	require.Len(t, store.queries, 1)
	assert.NotContains(t, store.queries[0], "WHERE")
}

// A value applied from another backend keeps its old HLC but carries a
// fresh local stamp, so it still goes out past a newer cursor.
func TestScan_AppliedOldValueEmittedByLocalStamp(t *testing.T) {
	store := &fakeStore{
		schema: notesSchema(),
		rows: []map[string]any{
			{
				"id": "n1", "title": "relayed", "body": nil, "sync_deleted": int64(0),
				"sync_hlc": "20", "sync_column_hlcs": `{"title":"20","body":"","sync_deleted":""}`,
				"sync_local_hlc": "180", "sync_column_local": `{"title":"180"}`,
			},
			{ // written long ago, untouched since
				"id": "n2", "title": "old", "body": nil, "sync_deleted": int64(0),
				"sync_hlc": "30", "sync_column_hlcs": `{"title":"30"}`,
				"sync_local_hlc": "30", "sync_column_local": `{"title":"30"}`,
			},
		},
	}

	changes, err := New(store, quietLogger).Scan(context.Background(), "notes", "100", testKey(t), "b", "dev")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, `{"id":"n1"}`, changes[0].RowPKs)
	assert.Equal(t, "title", changes[0].ColumnName)
	assert.Equal(t, "20", changes[0].HLC, "the data HLC travels unchanged")
}

func TestScan_FirstSyncEmitsEverything(t *testing.T) {
	store := &fakeStore{
		schema: notesSchema(),
		rows: []map[string]any{
			{"id": "n1", "title": "a", "body": "b", "sync_deleted": int64(0), "sync_hlc": "5", "sync_column_hlcs": ""},
		},
	}

	changes, err := New(store, quietLogger).Scan(context.Background(), "notes", "", testKey(t), "b", "dev")
	require.NoError(t, err)
	assert.Len(t, changes, 3)

	for _, c := range changes {
		assert.Equal(t, "5", c.HLC)
		assert.Zero(t, c.BatchSeq, "Scan leaves numbering to AssignBatch")
	}
}

func TestScan_SkipsRowsWithoutAnyHLC(t *testing.T) {
	store := &fakeStore{
		schema: notesSchema(),
		rows: []map[string]any{
			{"id": "n1", "title": "a", "body": "b", "sync_deleted": int64(0), "sync_hlc": "", "sync_column_hlcs": "{}"},
		},
	}

	changes, err := New(store, quietLogger).Scan(context.Background(), "notes", "", testKey(t), "b", "dev")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestScan_CanonicalCursorPrefiltersInSQL(t *testing.T) {
	store := &fakeStore{schema: notesSchema()}
	since := hlc.Format(1000, "dev")

	_, err := New(store, quietLogger).Scan(context.Background(), "notes", since, testKey(t), "b", "dev")
	require.NoError(t, err)

	require.Len(t, store.queries, 1)
	assert.Contains(t, store.queries[0], "WHERE sync_local_hlc > ?")
	assert.Equal(t, []any{since}, store.args[0])
	assert.True(t, strings.HasPrefix(store.queries[0],
		`SELECT "id", "title", "body", "sync_deleted", sync_hlc, sync_column_hlcs, sync_local_hlc, sync_column_local FROM "notes"`))
}

func TestScan_RejectsBadKey(t *testing.T) {
	_, err := New(&fakeStore{}, quietLogger).Scan(context.Background(), "notes", "", []byte("short"), "b", "dev")
	assert.Error(t, err)
}

func TestAssignBatch(t *testing.T) {
	changes := make([]models.ColumnChange, 3)
	AssignBatch(changes, "x")

	for i, c := range changes {
		assert.Equal(t, "x", c.BatchID)
		assert.Equal(t, i+1, c.BatchSeq)
		assert.Equal(t, 3, c.BatchTotal)
		assert.True(t, c.HasBatchMetadata())
	}
}

func TestMaxHLC(t *testing.T) {
	assert.Equal(t, "", MaxHLC(nil))
	assert.Equal(t, "300", MaxHLC([]models.ColumnChange{{HLC: "99"}, {HLC: "300"}, {HLC: "100"}}))
}

func TestScanTables_AgainstSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "vault.db"), hlc.New("dev-a"), quietLogger)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.CreateSyncedTable(ctx, "notes", []localstore.ColumnDef{
		{Name: "id", PK: true}, {Name: "title"}, {Name: "body"},
	}))

	_, err = store.Write(ctx, "notes", map[string]any{"id": "n1"}, map[string]models.Value{
		"title": models.TextValue("first"), "body": models.TextValue("x"),
	})
	require.NoError(t, err)

	key := testKey(t)
	s := New(store, quietLogger)

	changes, err := s.ScanTables(ctx, []string{"notes"}, "", key, "b1", "dev-a")
	require.NoError(t, err)
	// The tombstone was never written, so only title and body go out.
	assert.Len(t, changes, 2)

	cursor := MaxHLC(changes)

	ts, err := store.Write(ctx, "notes", map[string]any{"id": "n1"}, map[string]models.Value{
		"title": models.TextValue("second"),
	})
	require.NoError(t, err)

	changes, err = s.ScanTables(ctx, []string{"notes"}, cursor, key, "b2", "dev-a")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "title", changes[0].ColumnName)
	assert.Equal(t, ts, changes[0].HLC)
	assert.Equal(t, models.TextValue("second"), decrypt(t, key, changes[0]))
	assert.Equal(t, `{"id":"n1"}`, changes[0].RowPKs)
}

func TestScanTables_RelaysAppliedChangeOlderThanCursor(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "vault.db"), hlc.New("dev-a"), quietLogger)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.CreateSyncedTable(ctx, "notes", []localstore.ColumnDef{
		{Name: "id", PK: true}, {Name: "title"},
	}))
	require.NoError(t, store.SaveBackend(ctx, models.BackendConfig{
		ID: "b0", Name: "one", ServerURL: "http://one", VaultID: "v1", Enabled: true,
	}))

	_, err = store.Write(ctx, "notes", map[string]any{"id": "n2"}, map[string]models.Value{
		"title": models.TextValue("local"),
	})
	require.NoError(t, err)

	cursor := store.Watermark()

	old := hlc.Format(5<<16, "dev-b")
	_, err = store.ApplyRemoteChanges(ctx, []models.DecryptedChange{{
		TableName: "notes", RowPKs: `{"id":"n1"}`, ColumnName: "title",
		HLC: old, Value: models.TextValue("from b"), DeviceID: "dev-b",
	}}, "b0", old)
	require.NoError(t, err)

	key := testKey(t)

	changes, err := New(store, quietLogger).ScanTables(ctx, []string{"notes"}, cursor, key, "b1", "dev-a")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, `{"id":"n1"}`, changes[0].RowPKs)
	assert.Equal(t, old, changes[0].HLC)
	assert.Equal(t, models.TextValue("from b"), decrypt(t, key, changes[0]))

	dirty, err := store.DirtyTables(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.True(t, hlc.After(dirty[0].LastModified, cursor), "applied row re-dirties the table past the cursor")
}
