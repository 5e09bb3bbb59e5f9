package models

import "time"

// Literature is a bibliographic entry owned by a user. Rows with a non-null
// ExternalID were imported from an external service and are keyed by
// (userId, externalId, syncSource); rows without one are user-authored and
// never touched by the sync engine.
// Note: Column names use camelCase to match Prisma/frontend schema
type Literature struct {
	ID           string     `gorm:"column:id;primaryKey"`
	UserID       string     `gorm:"column:userId;index"`
	Title        string     `gorm:"column:title"`
	Authors      *string    `gorm:"column:authors"`
	Year         *int       `gorm:"column:year"`
	Type         *string    `gorm:"column:type"`
	DOI          *string    `gorm:"column:doi"`
	ISBN         *string    `gorm:"column:isbn"`
	ISSN         *string    `gorm:"column:issn"`
	Abstract     *string    `gorm:"column:abstract"`
	Notes        *string    `gorm:"column:notes"`
	ExternalID   *string    `gorm:"column:externalId"`
	SyncSource   *string    `gorm:"column:syncSource"`
	LastSyncedAt *time.Time `gorm:"column:lastSyncedAt"`
	SyncMetadata JSONB      `gorm:"column:syncMetadata;type:jsonb"`
	CreatedAt    time.Time  `gorm:"column:createdAt"`
	UpdatedAt    time.Time  `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (Literature) TableName() string {
	return "literature"
}

// Keys used inside the literature syncMetadata blob.
const (
	LitMetaFingerprint       = "fingerprint"
	LitMetaRawPayload        = "rawPayload"
	LitMetaConflict          = "conflict"
	LitMetaConflictLocalFP   = "localFingerprint"
	LitMetaConflictRemoteFP  = "remoteFingerprint"
	LitMetaConflictSeenAt    = "seenAt"
	LitMetaTombstone         = "tombstone"
	LitMetaTombstoneMarkedAt = "tombstoneMarkedAt"
)

// StoredFingerprint returns the content fingerprint recorded by the last sync,
// or "" when the row has never been fingerprinted.
func (l *Literature) StoredFingerprint() string {
	if l.SyncMetadata == nil {
		return ""
	}
	fp, _ := l.SyncMetadata[LitMetaFingerprint].(string)
	return fp
}

// EditedLocally reports whether a human touched the row after the last
// known-good sync. Rows never synced count as edited.
func (l *Literature) EditedLocally() bool {
	if l.LastSyncedAt == nil {
		return true
	}
	return l.UpdatedAt.After(*l.LastSyncedAt)
}
