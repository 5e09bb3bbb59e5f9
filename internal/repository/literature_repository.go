package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/refhub/refsync-worker/internal/models"
	"gorm.io/gorm"
)

var ErrLiteratureNotFound = errors.New("literature record not found")

type LiteratureRepository struct {
	db *gorm.DB
}

func NewLiteratureRepository(db *gorm.DB) *LiteratureRepository {
	return &LiteratureRepository{db: db}
}

// FindByExternalKey looks up the row imported for a remote record. This is the
// reconciler's idempotency key; user-authored rows (externalId = NULL) are
// unreachable through it.
func (r *LiteratureRepository) FindByExternalKey(ctx context.Context, userID, externalID, syncSource string) (*models.Literature, error) {
	var lit models.Literature
	result := r.db.WithContext(ctx).
		Where(`"userId" = ? AND "externalId" = ? AND "syncSource" = ?`, userID, externalID, syncSource).
		First(&lit)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLiteratureNotFound
		}
		return nil, fmt.Errorf("failed to find literature by external key: %w", result.Error)
	}
	return &lit, nil
}

// Insert creates a new literature row
func (r *LiteratureRepository) Insert(ctx context.Context, lit *models.Literature) error {
	if err := r.db.WithContext(ctx).Create(lit).Error; err != nil {
		return fmt.Errorf("failed to insert literature: %w", err)
	}
	return nil
}

// UpdateFields applies a partial update to one literature row. Callers may
// supply their own updatedAt; the reconciler does, so that a sync write leaves
// updatedAt equal to lastSyncedAt and is not mistaken for a local edit.
func (r *LiteratureRepository) UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error {
	if _, ok := updates["updatedAt"]; !ok {
		updates["updatedAt"] = time.Now()
	}
	result := r.db.WithContext(ctx).Model(&models.Literature{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update literature: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLiteratureNotFound
	}
	return nil
}
