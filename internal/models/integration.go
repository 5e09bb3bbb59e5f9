package models

import "time"

// Known service identifiers. Adapters register themselves under these strings.
const (
	ServiceZotero      = "zotero"
	ServiceGoogleBooks = "googlebooks"
)

// Integration represents one user's binding to an external bibliography service.
// Note: Column names use camelCase to match Prisma/frontend schema
type Integration struct {
	ID             string     `gorm:"column:id;primaryKey"`
	UserID         string     `gorm:"column:userId;index"`
	Service        string     `gorm:"column:service"`
	Name           string     `gorm:"column:name"`
	IsActive       bool       `gorm:"column:isActive"`
	APIKey         *string    `gorm:"column:apiKey"`
	APISecret      *string    `gorm:"column:apiSecret"`
	AccessToken    *string    `gorm:"column:accessToken"`
	RefreshToken   *string    `gorm:"column:refreshToken"`
	TokenExpiresAt *time.Time `gorm:"column:tokenExpiresAt"`
	CollectionID   *string    `gorm:"column:collectionId"`
	CollectionName *string    `gorm:"column:collectionName"`
	AutoSync       bool       `gorm:"column:autoSync"`
	SyncInterval   int        `gorm:"column:syncInterval"` // seconds between runs
	LastSyncAt     *time.Time `gorm:"column:lastSyncAt"`
	SyncMetadata   JSONB      `gorm:"column:syncMetadata;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:createdAt"`
	UpdatedAt      time.Time  `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (Integration) TableName() string {
	return "bibliography_sync"
}

// TokenValid reports whether the stored access token can be used without a
// refresh, requiring at least margin of remaining lifetime.
func (i *Integration) TokenValid(now time.Time, margin time.Duration) bool {
	if i.AccessToken == nil || *i.AccessToken == "" {
		return false
	}
	if i.TokenExpiresAt == nil {
		// No expiry recorded (e.g. Zotero API keys never expire).
		return true
	}
	return now.Add(margin).Before(*i.TokenExpiresAt)
}
