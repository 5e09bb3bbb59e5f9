package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/refhub/refsync-worker/internal/adapter"
	"github.com/refhub/refsync-worker/internal/models"
	"github.com/refhub/refsync-worker/internal/repository"
)

// Outcome classifies what the reconciler did with one remote record.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeConflict  Outcome = "conflict"
	OutcomeTombstone Outcome = "tombstone"
)

// LiteratureStore is the slice of the literature repository the reconciler needs
type LiteratureStore interface {
	FindByExternalKey(ctx context.Context, userID, externalID, syncSource string) (*models.Literature, error)
	Insert(ctx context.Context, lit *models.Literature) error
	UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error
}

// Reconciler merges normalized remote records into local literature rows.
// Remote wins only when the local row is untouched since the last sync; local
// edits always take precedence, surfaced as a whole-record conflict. Rows
// without an externalId are structurally unreachable here and never modified.
type Reconciler struct {
	literature LiteratureStore
	now        func() time.Time
}

func NewReconciler(literature LiteratureStore) *Reconciler {
	return &Reconciler{
		literature: literature,
		now:        time.Now,
	}
}

// Reconcile applies one normalized remote record for a user.
func (r *Reconciler) Reconcile(ctx context.Context, userID, syncSource string, record adapter.RemoteRecord, fields *adapter.Fields) (Outcome, error) {
	existing, err := r.literature.FindByExternalKey(ctx, userID, record.ID, syncSource)
	if err != nil {
		if errors.Is(err, repository.ErrLiteratureNotFound) {
			if err := r.create(ctx, userID, syncSource, record, fields); err != nil {
				return "", err
			}
			return OutcomeCreated, nil
		}
		return "", fmt.Errorf("failed to look up literature: %w", err)
	}

	if existing.StoredFingerprint() == record.Fingerprint {
		// Re-running a sync is idempotent and cheap: no write.
		return OutcomeSkipped, nil
	}

	if existing.EditedLocally() {
		if err := r.markConflict(ctx, existing, record); err != nil {
			return "", err
		}
		return OutcomeConflict, nil
	}

	if err := r.overwrite(ctx, existing, record, fields); err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

// MarkDeleted records a tombstone for a remote deletion without touching the
// row's content. Local data is never deleted by the engine.
func (r *Reconciler) MarkDeleted(ctx context.Context, userID, syncSource string, record adapter.RemoteRecord) (Outcome, error) {
	existing, err := r.literature.FindByExternalKey(ctx, userID, record.ID, syncSource)
	if err != nil {
		if errors.Is(err, repository.ErrLiteratureNotFound) {
			// Never imported locally; nothing to mark.
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("failed to look up literature: %w", err)
	}

	meta := cloneMeta(existing.SyncMetadata)
	if tombstoned, _ := meta[models.LitMetaTombstone].(bool); tombstoned {
		return OutcomeSkipped, nil
	}
	meta[models.LitMetaTombstone] = true
	meta[models.LitMetaTombstoneMarkedAt] = r.now().UTC().Format(time.RFC3339)

	err = r.literature.UpdateFields(ctx, existing.ID, map[string]interface{}{
		"syncMetadata": meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record tombstone: %w", err)
	}
	return OutcomeTombstone, nil
}

func (r *Reconciler) create(ctx context.Context, userID, syncSource string, record adapter.RemoteRecord, fields *adapter.Fields) error {
	now := r.now()
	externalID := record.ID
	source := syncSource

	lit := &models.Literature{
		ID:           uuid.New().String(),
		UserID:       userID,
		Title:        fields.Title,
		Authors:      fields.Authors,
		Year:         fields.Year,
		Type:         fields.Type,
		DOI:          fields.DOI,
		ISBN:         fields.ISBN,
		ISSN:         fields.ISSN,
		Abstract:     fields.Abstract,
		ExternalID:   &externalID,
		SyncSource:   &source,
		LastSyncedAt: &now,
		SyncMetadata: models.JSONB{
			models.LitMetaFingerprint: record.Fingerprint,
			models.LitMetaRawPayload:  record.Raw,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.literature.Insert(ctx, lit); err != nil {
		return fmt.Errorf("failed to create literature for remote %s: %w", record.ID, err)
	}
	return nil
}

func (r *Reconciler) overwrite(ctx context.Context, existing *models.Literature, record adapter.RemoteRecord, fields *adapter.Fields) error {
	now := r.now()
	meta := cloneMeta(existing.SyncMetadata)
	meta[models.LitMetaFingerprint] = record.Fingerprint
	meta[models.LitMetaRawPayload] = record.Raw
	delete(meta, models.LitMetaConflict)

	// updatedAt is pinned to lastSyncedAt so this write is not mistaken for a
	// local edit on the next run.
	err := r.literature.UpdateFields(ctx, existing.ID, map[string]interface{}{
		"title":        fields.Title,
		"authors":      fields.Authors,
		"year":         fields.Year,
		"type":         fields.Type,
		"doi":          fields.DOI,
		"isbn":         fields.ISBN,
		"issn":         fields.ISSN,
		"abstract":     fields.Abstract,
		"lastSyncedAt": now,
		"syncMetadata": meta,
		"updatedAt":    now,
	})
	if err != nil {
		return fmt.Errorf("failed to overwrite literature %s: %w", existing.ID, err)
	}
	return nil
}

// markConflict stores both fingerprints under a conflict marker and leaves the
// row content alone. Resolution is a user action, never automatic.
func (r *Reconciler) markConflict(ctx context.Context, existing *models.Literature, record adapter.RemoteRecord) error {
	meta := cloneMeta(existing.SyncMetadata)
	meta[models.LitMetaConflict] = map[string]interface{}{
		models.LitMetaConflictLocalFP:  existing.StoredFingerprint(),
		models.LitMetaConflictRemoteFP: record.Fingerprint,
		models.LitMetaConflictSeenAt:   r.now().UTC().Format(time.RFC3339),
	}

	err := r.literature.UpdateFields(ctx, existing.ID, map[string]interface{}{
		"syncMetadata": meta,
	})
	if err != nil {
		return fmt.Errorf("failed to record conflict on literature %s: %w", existing.ID, err)
	}
	return nil
}

func cloneMeta(meta models.JSONB) models.JSONB {
	clone := models.JSONB{}
	for k, v := range meta {
		clone[k] = v
	}
	return clone
}
