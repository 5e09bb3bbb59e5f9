package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/refhub/refsync-worker/internal/adapter"
	"github.com/refhub/refsync-worker/internal/models"
	"github.com/refhub/refsync-worker/internal/repository"
)

// IntegrationStore is the slice of the integration repository the runner and
// scheduler need. All outcome writes go through the optimistic UpdateChecked
// so user edits racing a run are never lost.
type IntegrationStore interface {
	GetByID(ctx context.Context, id string) (*models.Integration, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.Integration, error)
	UpdateChecked(ctx context.Context, id string, expectedUpdatedAt time.Time, updates map[string]interface{}) (time.Time, error)
	UpdateTokens(ctx context.Context, id string, expectedUpdatedAt time.Time, accessToken string, refreshToken string, expiresAt *time.Time) (time.Time, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// RunnerConfig carries the per-run tunables.
type RunnerConfig struct {
	PageSize    int
	RunTimeout  time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Runner executes one end-to-end sync attempt for one integration:
// refresh -> fetch pages -> reconcile -> persist cursor -> record outcome.
// The cursor is persisted after every page, so a mid-stream failure or a
// shutdown keeps all progress made so far.
type Runner struct {
	integrations IntegrationStore
	refresher    *TokenRefresher
	reconciler   *Reconciler
	adapters     *adapter.Registry
	cfg          RunnerConfig
	logger       *slog.Logger
}

func NewRunner(
	integrations IntegrationStore,
	refresher *TokenRefresher,
	reconciler *Reconciler,
	adapters *adapter.Registry,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		integrations: integrations,
		refresher:    refresher,
		reconciler:   reconciler,
		adapters:     adapters,
		cfg:          cfg,
		logger:       logger,
	}
}

// Run performs one sync attempt. The caller must already hold the
// per-integration lock. The returned error is nil on success, an
// *adapter.AuthError after deactivation, or a transient failure that the
// scheduler will back off from.
func (r *Runner) Run(ctx context.Context, integration *models.Integration) error {
	meta, err := models.ParseSyncMetadata(integration.SyncMetadata)
	if err != nil {
		r.logger.Warn("corrupt syncMetadata, starting from a fresh envelope",
			"integration", integration.ID, "error", err)
		meta = &models.SyncMetadata{Version: models.SyncMetadataVersion}
	}

	stats := &models.RunStats{StartedAt: time.Now()}
	expected := integration.UpdatedAt

	svc, err := r.adapters.Get(integration.Service)
	if err != nil {
		// No adapter is a wiring problem a retry cannot fix; treat like a
		// revoked credential and wait for a human.
		return r.finish(ctx, integration, meta, stats, expected,
			&adapter.AuthError{Reason: err.Error()})
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	r.logger.Info("sync run starting",
		"integration", integration.ID,
		"service", integration.Service,
		"cursor", meta.Cursor)

	creds, err := r.refresher.EnsureValidToken(runCtx, integration, svc)
	if err != nil {
		return r.finish(ctx, integration, meta, stats, integration.UpdatedAt, err)
	}
	// Token persistence bumps the row version.
	expected = integration.UpdatedAt

	collection := adapter.CollectionRef{}
	if integration.CollectionID != nil {
		collection.ID = *integration.CollectionID
	}
	if integration.CollectionName != nil {
		collection.Name = *integration.CollectionName
	}

	for {
		page, err := svc.ListChanges(runCtx, creds, collection, meta.Cursor, r.cfg.PageSize)
		if err != nil {
			return r.finish(ctx, integration, meta, stats, expected, err)
		}

		for _, record := range page.Records {
			// Cooperative cancellation between records; progress up to the
			// previous page is already durable.
			if ctxErr := runCtx.Err(); ctxErr != nil {
				return r.finish(ctx, integration, meta, stats, expected,
					&adapter.TransientError{Err: ctxErr})
			}
			stats.Fetched++
			r.applyRecord(runCtx, integration, svc, record, stats)
		}

		meta.Cursor = page.NextCursor
		if page.Done {
			break
		}

		// Persist cursor progress between pages for resumability.
		expected, err = r.persistProgress(ctx, integration, meta, expected)
		if err != nil {
			return r.finish(ctx, integration, meta, stats, expected, err)
		}
	}

	now := time.Now()
	stats.EndedAt = now
	meta.LastRun = stats
	meta.RecordSuccess()

	raw, err := meta.ToJSONB()
	if err != nil {
		return r.finish(ctx, integration, meta, stats, expected, err)
	}

	_, err = r.persistChecked(ctx, integration, expected, map[string]interface{}{
		"lastSyncAt":   now,
		"syncMetadata": raw,
	})
	if err != nil {
		return fmt.Errorf("failed to persist run outcome: %w", err)
	}

	r.logger.Info("sync run finished",
		"integration", integration.ID,
		"fetched", stats.Fetched,
		"created", stats.Created,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"conflicts", stats.Conflicts,
		"failed", stats.Failed)
	return nil
}

// applyRecord normalizes and reconciles one remote record. Per-record
// failures are counted and never abort the run.
func (r *Runner) applyRecord(ctx context.Context, integration *models.Integration, svc adapter.ServiceAdapter, record adapter.RemoteRecord, stats *models.RunStats) {
	if record.Deleted {
		outcome, err := r.reconciler.MarkDeleted(ctx, integration.UserID, integration.Service, record)
		if err != nil {
			stats.Failed++
			r.logger.Warn("failed to record remote deletion",
				"integration", integration.ID, "record", record.ID, "error", err)
			return
		}
		if outcome == OutcomeTombstone {
			stats.Tombstones++
		} else {
			stats.Skipped++
		}
		return
	}

	fields, err := svc.Normalize(record)
	if err != nil {
		stats.Failed++
		r.logger.Warn("failed to normalize remote record",
			"integration", integration.ID, "record", record.ID, "error", err)
		return
	}

	outcome, err := r.reconciler.Reconcile(ctx, integration.UserID, integration.Service, record, fields)
	if err != nil {
		stats.Failed++
		r.logger.Warn("failed to reconcile remote record",
			"integration", integration.ID, "record", record.ID, "error", err)
		return
	}

	switch outcome {
	case OutcomeCreated:
		stats.Created++
	case OutcomeUpdated:
		stats.Updated++
	case OutcomeSkipped:
		stats.Skipped++
	case OutcomeConflict:
		stats.Conflicts++
	}
}

// persistProgress writes the advanced cursor mid-run.
func (r *Runner) persistProgress(ctx context.Context, integration *models.Integration, meta *models.SyncMetadata, expected time.Time) (time.Time, error) {
	raw, err := meta.ToJSONB()
	if err != nil {
		return expected, err
	}
	return r.persistChecked(ctx, integration, expected, map[string]interface{}{
		"syncMetadata": raw,
	})
}

// persistChecked applies an optimistic update, re-reading and retrying once
// when a user edit landed mid-run. Writes use an uncancelable context so a
// shutdown never loses cursor progress already earned.
func (r *Runner) persistChecked(ctx context.Context, integration *models.Integration, expected time.Time, updates map[string]interface{}) (time.Time, error) {
	writeCtx := context.WithoutCancel(ctx)

	newVersion, err := r.integrations.UpdateChecked(writeCtx, integration.ID, expected, updates)
	if errors.Is(err, repository.ErrStaleIntegration) {
		fresh, readErr := r.integrations.GetByID(writeCtx, integration.ID)
		if readErr != nil {
			return expected, readErr
		}
		// User edits never touch the engine-owned fields being written here,
		// so reapplying on top of the fresh version is safe.
		integration.UpdatedAt = fresh.UpdatedAt
		newVersion, err = r.integrations.UpdateChecked(writeCtx, integration.ID, fresh.UpdatedAt, updates)
	}
	if err != nil {
		return expected, err
	}
	integration.UpdatedAt = newVersion
	return newVersion, nil
}

// finish records a failed run: statistics always, plus either deactivation
// (auth) or backoff scheduling (everything else).
func (r *Runner) finish(ctx context.Context, integration *models.Integration, meta *models.SyncMetadata, stats *models.RunStats, expected time.Time, runErr error) error {
	now := time.Now()
	stats.EndedAt = now
	stats.Error = runErr.Error()
	meta.LastRun = stats

	updates := map[string]interface{}{}

	if adapter.IsAuthError(runErr) {
		meta.DisabledReason = runErr.Error()
		meta.NextRetryAt = nil
		updates["isActive"] = false
		r.logger.Error("sync run failed with auth error, deactivating integration",
			"integration", integration.ID, "error", runErr)
	} else {
		delay := r.backoffDelay(meta.ConsecutiveFailures)
		meta.RecordFailure(now, delay, runErr.Error())
		r.logger.Warn("sync run failed, backing off",
			"integration", integration.ID,
			"failures", meta.ConsecutiveFailures,
			"retryIn", delay,
			"error", runErr)
	}

	raw, err := meta.ToJSONB()
	if err != nil {
		return fmt.Errorf("failed to encode run outcome: %w (run error: %v)", err, runErr)
	}
	updates["syncMetadata"] = raw

	if _, err := r.persistChecked(ctx, integration, expected, updates); err != nil {
		r.logger.Error("failed to persist failed-run outcome",
			"integration", integration.ID, "error", err)
	}

	return runErr
}

// backoffDelay grows exponentially with the consecutive failure count, capped.
func (r *Runner) backoffDelay(failures int) time.Duration {
	delay := r.cfg.BackoffBase
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= r.cfg.BackoffCap {
			return r.cfg.BackoffCap
		}
	}
	if delay > r.cfg.BackoffCap {
		delay = r.cfg.BackoffCap
	}
	return delay
}
