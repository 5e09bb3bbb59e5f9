package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refhub/refsync-worker/internal/adapter"
	"github.com/refhub/refsync-worker/internal/models"
)

const (
	testUser   = "user-1"
	testSource = "zotero"
)

func remoteRecord(id, fingerprint, title string) (adapter.RemoteRecord, *adapter.Fields) {
	record := adapter.RemoteRecord{
		ID:          id,
		Fingerprint: fingerprint,
		Raw:         map[string]interface{}{"title": title},
	}
	return record, &adapter.Fields{Title: title}
}

func TestReconciler_CreatesNewRecord(t *testing.T) {
	store := newMockLiteratureStore()
	r := NewReconciler(store)

	record, fields := remoteRecord("ABC123", "v7", "Attention Is All You Need")
	outcome, err := r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	row := store.get(testUser, "ABC123", testSource)
	require.NotNil(t, row)
	assert.Equal(t, "Attention Is All You Need", row.Title)
	assert.Equal(t, "v7", row.StoredFingerprint())
	require.NotNil(t, row.LastSyncedAt)
	assert.False(t, row.EditedLocally(), "freshly synced row must not read as locally edited")
}

func TestReconciler_Idempotence(t *testing.T) {
	store := newMockLiteratureStore()
	r := NewReconciler(store)

	record, fields := remoteRecord("ABC123", "v7", "Attention Is All You Need")
	_, err := r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)

	before := *store.get(testUser, "ABC123", testSource)

	outcome, err := r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	after := *store.get(testUser, "ABC123", testSource)
	assert.Equal(t, before.Title, after.Title)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "a skip must not write")
}

func TestReconciler_UpdatesChangedRecord(t *testing.T) {
	store := newMockLiteratureStore()
	r := NewReconciler(store)

	record, fields := remoteRecord("ABC123", "v7", "Old Title")
	_, err := r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)

	changed, newFields := remoteRecord("ABC123", "v9", "New Title")
	outcome, err := r.Reconcile(context.Background(), testUser, testSource, changed, newFields)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	row := store.get(testUser, "ABC123", testSource)
	assert.Equal(t, "New Title", row.Title)
	assert.Equal(t, "v9", row.StoredFingerprint())
	assert.False(t, row.EditedLocally(), "a sync overwrite must not read as a local edit")
}

func TestReconciler_LocalEditWinsAsConflict(t *testing.T) {
	store := newMockLiteratureStore()
	r := NewReconciler(store)

	synced := time.Now().Add(-time.Hour)
	edited := synced.Add(30 * time.Minute)
	externalID := "ABC123"
	source := testSource
	require.NoError(t, store.Insert(context.Background(), &models.Literature{
		ID:           "lit-1",
		UserID:       testUser,
		Title:        "My Edited Title",
		ExternalID:   &externalID,
		SyncSource:   &source,
		LastSyncedAt: &synced,
		SyncMetadata: models.JSONB{models.LitMetaFingerprint: "v7"},
		UpdatedAt:    edited,
	}))

	record, fields := remoteRecord("ABC123", "v9", "Remote Title")
	outcome, err := r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)

	row := store.get(testUser, "ABC123", testSource)
	assert.Equal(t, "My Edited Title", row.Title, "conflict must leave local content untouched")

	conflict, ok := row.SyncMetadata[models.LitMetaConflict].(map[string]interface{})
	require.True(t, ok, "conflict marker must be recorded")
	assert.Equal(t, "v7", conflict[models.LitMetaConflictLocalFP])
	assert.Equal(t, "v9", conflict[models.LitMetaConflictRemoteFP])
}

func TestReconciler_ConflictRepeatsUntilResolved(t *testing.T) {
	store := newMockLiteratureStore()
	r := NewReconciler(store)

	synced := time.Now().Add(-time.Hour)
	externalID := "ABC123"
	source := testSource
	require.NoError(t, store.Insert(context.Background(), &models.Literature{
		ID:           "lit-1",
		UserID:       testUser,
		Title:        "My Edited Title",
		ExternalID:   &externalID,
		SyncSource:   &source,
		LastSyncedAt: &synced,
		SyncMetadata: models.JSONB{models.LitMetaFingerprint: "v7"},
		UpdatedAt:    synced.Add(time.Minute),
	}))

	record, fields := remoteRecord("ABC123", "v9", "Remote Title")
	outcome, err := r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, outcome)

	// Marking the conflict bumps updatedAt, so the next run still sees the
	// local edit and reports the conflict again instead of overwriting.
	outcome, err = r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)
	assert.Equal(t, "My Edited Title", store.get(testUser, "ABC123", testSource).Title)
}

func TestReconciler_MarkDeleted(t *testing.T) {
	store := newMockLiteratureStore()
	r := NewReconciler(store)

	record, fields := remoteRecord("ABC123", "v7", "Some Paper")
	_, err := r.Reconcile(context.Background(), testUser, testSource, record, fields)
	require.NoError(t, err)

	outcome, err := r.MarkDeleted(context.Background(), testUser, testSource, adapter.RemoteRecord{ID: "ABC123", Deleted: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTombstone, outcome)

	row := store.get(testUser, "ABC123", testSource)
	tombstoned, _ := row.SyncMetadata[models.LitMetaTombstone].(bool)
	assert.True(t, tombstoned)
	assert.Equal(t, "Some Paper", row.Title, "tombstone must not delete content")

	// Second deletion report is a no-op.
	outcome, err = r.MarkDeleted(context.Background(), testUser, testSource, adapter.RemoteRecord{ID: "ABC123", Deleted: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestReconciler_MarkDeleted_NeverImported(t *testing.T) {
	store := newMockLiteratureStore()
	r := NewReconciler(store)

	outcome, err := r.MarkDeleted(context.Background(), testUser, testSource, adapter.RemoteRecord{ID: "GHOST", Deleted: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}
