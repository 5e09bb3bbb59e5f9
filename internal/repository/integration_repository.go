package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/refhub/refsync-worker/internal/models"
	"gorm.io/gorm"
)

var (
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrStaleIntegration means the row changed under us (user edit racing a
	// run); the caller must re-read and decide whether to reapply.
	ErrStaleIntegration = errors.New("integration was modified concurrently")
)

type IntegrationRepository struct {
	db *gorm.DB
}

func NewIntegrationRepository(db *gorm.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// GetByID retrieves an integration by ID
func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	var integration models.Integration
	result := r.db.WithContext(ctx).First(&integration, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", result.Error)
	}
	return &integration, nil
}

// ListDue retrieves active auto-sync integrations whose interval has elapsed
// and whose backoff window (nextRetryAt inside syncMetadata) has passed,
// oldest sync first. Integrations never synced (lastSyncAt = NULL) are picked
// first. Filtering backoff in SQL keeps a batch of backed-off rows from
// starving runnable ones.
func (r *IntegrationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Integration, error) {
	var integrations []models.Integration
	result := r.db.WithContext(ctx).
		Where(`"autoSync" = ? AND "isActive" = ?`, true, true).
		Where(`"lastSyncAt" IS NULL OR "lastSyncAt" + make_interval(secs => "syncInterval") <= ?`, now).
		Where(`"syncMetadata" IS NULL OR "syncMetadata"->>'nextRetryAt' IS NULL OR ("syncMetadata"->>'nextRetryAt')::timestamptz <= ?`, now).
		Order(`"lastSyncAt" ASC NULLS FIRST, "createdAt" ASC`).
		Limit(limit).
		Find(&integrations)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due integrations: %w", result.Error)
	}
	return integrations, nil
}

// UpdateTokens updates access token, refresh token, and expiry in a single
// version-checked write. A user re-linking the integration mid-run bumps
// updatedAt, so the engine's write comes back ErrStaleIntegration instead of
// clobbering the fresh grant. Returns the new updatedAt on success.
func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id string, expectedUpdatedAt time.Time, accessToken string, refreshToken string, expiresAt *time.Time) (time.Time, error) {
	return r.UpdateChecked(ctx, id, expectedUpdatedAt, map[string]interface{}{
		"accessToken":    accessToken,
		"refreshToken":   refreshToken,
		"tokenExpiresAt": expiresAt,
	})
}

// UpdateChecked applies updates only if the row's updatedAt still matches
// expectedUpdatedAt, so user edits racing a sync run are never lost. Returns
// the new updatedAt on success.
func (r *IntegrationRepository) UpdateChecked(ctx context.Context, id string, expectedUpdatedAt time.Time, updates map[string]interface{}) (time.Time, error) {
	now := time.Now()
	updates["updatedAt"] = now

	result := r.db.WithContext(ctx).Model(&models.Integration{}).
		Where(`id = ? AND "updatedAt" = ?`, id, expectedUpdatedAt).
		Updates(updates)
	if result.Error != nil {
		return time.Time{}, fmt.Errorf("failed to update integration: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing row from a concurrent edit.
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return time.Time{}, fmt.Errorf("failed to check integration existence: %w", err)
		}
		if count == 0 {
			return time.Time{}, ErrIntegrationNotFound
		}
		return time.Time{}, ErrStaleIntegration
	}
	return now, nil
}

// SetActive toggles isActive, used by pause/resume and auth deactivation
func (r *IntegrationRepository) SetActive(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"isActive":  active,
			"updatedAt": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set integration active flag: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}
