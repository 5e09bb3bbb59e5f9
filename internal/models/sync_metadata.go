package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncMetadataVersion is bumped when the envelope shape changes so old blobs
// stay readable without a table migration.
const SyncMetadataVersion = 1

// RunStats records the outcome of one sync attempt.
type RunStats struct {
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	Fetched    int       `json:"fetched"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Conflicts  int       `json:"conflicts"`
	Tombstones int       `json:"tombstones,omitempty"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// SyncMetadata is the typed envelope stored in bibliography_sync.syncMetadata.
// The cursor is opaque to the engine; only the owning adapter interprets it.
type SyncMetadata struct {
	Version             int        `json:"version"`
	Cursor              string     `json:"cursor,omitempty"`
	LastRun             *RunStats  `json:"lastRun,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures,omitempty"`
	NextRetryAt         *time.Time `json:"nextRetryAt,omitempty"`
	DisabledReason      string     `json:"disabledReason,omitempty"`
}

// ParseSyncMetadata decodes the raw jsonb blob into the typed envelope.
// A nil or empty blob yields a fresh envelope at the current version.
func ParseSyncMetadata(raw JSONB) (*SyncMetadata, error) {
	if len(raw) == 0 {
		return &SyncMetadata{Version: SyncMetadataVersion}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal syncMetadata: %w", err)
	}
	var meta SyncMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode syncMetadata: %w", err)
	}
	if meta.Version == 0 {
		meta.Version = SyncMetadataVersion
	}
	return &meta, nil
}

// ToJSONB encodes the envelope back into the shape gorm persists.
func (m *SyncMetadata) ToJSONB() (JSONB, error) {
	m.Version = SyncMetadataVersion
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode syncMetadata: %w", err)
	}
	var raw JSONB
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to rebuild syncMetadata blob: %w", err)
	}
	return raw, nil
}

// RecordFailure bumps the failure counter and schedules the next retry.
func (m *SyncMetadata) RecordFailure(now time.Time, backoff time.Duration, errMsg string) {
	m.ConsecutiveFailures++
	next := now.Add(backoff)
	m.NextRetryAt = &next
	if m.LastRun != nil && m.LastRun.Error == "" {
		m.LastRun.Error = errMsg
	}
}

// RecordSuccess clears failure bookkeeping after a clean run.
func (m *SyncMetadata) RecordSuccess() {
	m.ConsecutiveFailures = 0
	m.NextRetryAt = nil
	m.DisabledReason = ""
}

// RetryDue reports whether backoff has elapsed.
func (m *SyncMetadata) RetryDue(now time.Time) bool {
	return m.NextRetryAt == nil || !now.Before(*m.NextRetryAt)
}
