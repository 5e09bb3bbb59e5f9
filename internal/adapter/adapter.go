// Package adapter defines the contract between the sync engine and external
// bibliography services, plus the concrete adapters. All wire-protocol details
// live here; the engine only sees opaque cursors and normalized fields.
package adapter

import (
	"context"
	"time"
)

// Credentials is the engine-side view of an integration's OAuth material.
type Credentials struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// CollectionRef names the remote container an integration syncs from.
type CollectionRef struct {
	ID   string
	Name string
}

// RemoteRecord is one changed record as the remote service reports it.
// Fingerprint is a content hash or version token; identical fingerprints mean
// the record has not changed since last seen.
type RemoteRecord struct {
	ID          string
	Fingerprint string
	Deleted     bool
	Raw         map[string]interface{}
}

// Fields is the normalized literature shape produced from a RemoteRecord.
type Fields struct {
	Title    string
	Authors  *string
	Year     *int
	Type     *string
	DOI      *string
	ISBN     *string
	ISSN     *string
	Abstract *string
}

// ChangePage is one page of the changed-since-cursor sequence. The engine
// persists NextCursor after every page so a partial run is restartable.
type ChangePage struct {
	Records    []RemoteRecord
	NextCursor string
	Done       bool
}

// ServiceAdapter is implemented once per external service.
//
// Refresh exchanges a refresh token (or revalidates a static key) for usable
// credentials, returning *AuthError when the grant is gone for good and
// *TransientError when the service is temporarily unreachable.
//
// ListChanges returns the next page of records changed since the opaque
// cursor. Cursor format is owned by the adapter; "" means start from scratch.
//
// Normalize maps one RemoteRecord to literature fields; a *MappingError for
// one record must not abort the run.
type ServiceAdapter interface {
	Service() string
	Refresh(ctx context.Context, creds Credentials) (*Credentials, error)
	ListChanges(ctx context.Context, creds Credentials, collection CollectionRef, cursor string, pageSize int) (*ChangePage, error)
	Normalize(record RemoteRecord) (*Fields, error)
}
