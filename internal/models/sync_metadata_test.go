package models

import (
	"testing"
	"time"
)

func TestParseSyncMetadata_Empty(t *testing.T) {
	meta, err := ParseSyncMetadata(nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if meta.Version != SyncMetadataVersion {
		t.Errorf("expected version %d, got %d", SyncMetadataVersion, meta.Version)
	}
	if meta.Cursor != "" {
		t.Errorf("expected empty cursor, got %q", meta.Cursor)
	}
	if meta.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures, got %d", meta.ConsecutiveFailures)
	}
}

func TestSyncMetadata_RoundTrip(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	meta := &SyncMetadata{
		Cursor: "page-token-42",
		LastRun: &RunStats{
			StartedAt: started,
			EndedAt:   started.Add(30 * time.Second),
			Fetched:   5,
			Created:   2,
			Updated:   1,
			Skipped:   1,
			Failed:    1,
		},
		ConsecutiveFailures: 2,
	}

	raw, err := meta.ToJSONB()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	parsed, err := ParseSyncMetadata(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if parsed.Cursor != "page-token-42" {
		t.Errorf("expected cursor to survive round trip, got %q", parsed.Cursor)
	}
	if parsed.ConsecutiveFailures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", parsed.ConsecutiveFailures)
	}
	if parsed.LastRun == nil {
		t.Fatal("expected lastRun to survive round trip")
	}
	if parsed.LastRun.Fetched != 5 || parsed.LastRun.Created != 2 {
		t.Errorf("expected run counts to survive, got %+v", parsed.LastRun)
	}
	if !parsed.LastRun.StartedAt.Equal(started) {
		t.Errorf("expected startedAt %v, got %v", started, parsed.LastRun.StartedAt)
	}
}

func TestSyncMetadata_RecordFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	meta := &SyncMetadata{Version: SyncMetadataVersion}

	meta.RecordFailure(now, 2*time.Minute, "connection reset")
	if meta.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 failure, got %d", meta.ConsecutiveFailures)
	}
	if meta.NextRetryAt == nil || !meta.NextRetryAt.Equal(now.Add(2*time.Minute)) {
		t.Errorf("expected nextRetryAt %v, got %v", now.Add(2*time.Minute), meta.NextRetryAt)
	}

	if meta.RetryDue(now) {
		t.Error("retry should not be due before backoff elapses")
	}
	if !meta.RetryDue(now.Add(2 * time.Minute)) {
		t.Error("retry should be due once backoff elapses")
	}

	meta.RecordSuccess()
	if meta.ConsecutiveFailures != 0 || meta.NextRetryAt != nil {
		t.Errorf("expected failure bookkeeping cleared, got %+v", meta)
	}
}

func TestIntegration_TokenValid(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	token := "tok"
	soon := now.Add(30 * time.Second)
	later := now.Add(10 * time.Minute)

	tests := []struct {
		name        string
		integration Integration
		expected    bool
	}{
		{"no token", Integration{}, false},
		{"no expiry", Integration{AccessToken: &token}, true},
		{"expires within margin", Integration{AccessToken: &token, TokenExpiresAt: &soon}, false},
		{"expires later", Integration{AccessToken: &token, TokenExpiresAt: &later}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.integration.TokenValid(now, time.Minute); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestLiterature_EditedLocally(t *testing.T) {
	synced := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	never := Literature{UpdatedAt: synced}
	if !never.EditedLocally() {
		t.Error("row never synced should count as edited")
	}

	clean := Literature{LastSyncedAt: &synced, UpdatedAt: synced}
	if clean.EditedLocally() {
		t.Error("row untouched since sync should not count as edited")
	}

	edited := Literature{LastSyncedAt: &synced, UpdatedAt: synced.Add(time.Hour)}
	if !edited.EditedLocally() {
		t.Error("row updated after sync should count as edited")
	}
}
