package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/refhub/refsync-worker/internal/models"
	"github.com/refhub/refsync-worker/internal/repository"
)

var (
	// ErrSyncInProgress is returned by TriggerSync when a run for the same
	// integration is already executing; runs are strictly serialized per
	// integration.
	ErrSyncInProgress = errors.New("sync already in progress for this integration")

	ErrIntegrationPaused = errors.New("integration is paused")

	// ErrSchedulerStopped is returned by TriggerSync once shutdown has begun.
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	errQueueFull = errors.New("sync queue is full, try again later")
)

// SyncRunner executes one attempt; satisfied by *Runner.
type SyncRunner interface {
	Run(ctx context.Context, integration *models.Integration) error
}

// SchedulerConfig carries the scheduling tunables.
type SchedulerConfig struct {
	PollInterval time.Duration
	Workers      int
	DueBatchSize int
}

// Scheduler finds due integrations and dispatches them to a bounded worker
// pool. Runs for different integrations execute in parallel; the lock table
// guarantees at most one running instance per integration, which keeps cursor
// advancement strictly serialized.
type Scheduler struct {
	cfg          SchedulerConfig
	integrations IntegrationStore
	runner       SyncRunner
	locks        *lockTable
	work         chan *models.Integration
	logger       *slog.Logger
	wg           sync.WaitGroup

	// mu orders submissions against close(work) during shutdown.
	mu      sync.Mutex
	stopped bool
}

func NewScheduler(cfg SchedulerConfig, integrations IntegrationStore, runner SyncRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		integrations: integrations,
		runner:       runner,
		locks:        newLockTable(),
		work:         make(chan *models.Integration, cfg.Workers*2),
		logger:       logger,
	}
}

// Start runs the dispatch loop until the context is cancelled, then drains
// the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		"pollInterval", s.cfg.PollInterval,
		"workers", s.cfg.Workers)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	// Pick up anything already due before the first tick.
	s.dispatch(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			s.mu.Lock()
			s.stopped = true
			close(s.work)
			s.mu.Unlock()
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch fetches due integrations and enqueues the ones not locked and not
// inside a backoff window.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := time.Now()
	due, err := s.integrations.ListDue(ctx, now, s.cfg.DueBatchSize)
	if err != nil {
		s.logger.Error("failed to list due integrations", "error", err)
		return
	}

	for i := range due {
		integration := due[i]

		meta, err := models.ParseSyncMetadata(integration.SyncMetadata)
		if err != nil {
			s.logger.Warn("skipping integration with corrupt syncMetadata",
				"integration", integration.ID, "error", err)
			continue
		}
		if !meta.RetryDue(now) {
			continue
		}

		s.enqueue(&integration)
	}
}

// enqueue claims the per-integration lock and hands the integration to a
// worker. A full queue releases the claim; the next pass re-picks it.
func (s *Scheduler) enqueue(integration *models.Integration) bool {
	if !s.locks.TryAcquire(integration.ID) {
		return false
	}
	if err := s.submit(integration); err != nil {
		s.locks.Release(integration.ID)
		return false
	}
	return true
}

// submit places the integration on the work queue. Sending is guarded by the
// shutdown flag so a trigger racing Start's close(work) cannot panic.
func (s *Scheduler) submit(integration *models.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	select {
	case s.work <- integration:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for integration := range s.work {
		if err := s.runner.Run(ctx, integration); err != nil {
			s.logger.Debug("sync run returned error",
				"integration", integration.ID, "error", err)
		}
		s.locks.Release(integration.ID)
	}
}

// TriggerSync starts an on-demand run, bypassing the due timer and any backoff
// window but still respecting the one-run-at-a-time lock. Fails fast when a
// run is already executing.
func (s *Scheduler) TriggerSync(ctx context.Context, id string) error {
	integration, err := s.integrations.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !integration.IsActive {
		return ErrIntegrationPaused
	}

	if !s.locks.TryAcquire(integration.ID) {
		return ErrSyncInProgress
	}
	if err := s.submit(integration); err != nil {
		s.locks.Release(integration.ID)
		return err
	}
	return nil
}

// PauseIntegration stops future scheduling. A run already executing finishes;
// its outcome write merges against the paused row without reactivating it.
func (s *Scheduler) PauseIntegration(ctx context.Context, id string) error {
	return s.integrations.SetActive(ctx, id, false)
}

// ResumeIntegration reactivates an integration and clears its failure
// bookkeeping, including an auth deactivation reason after a re-link.
func (s *Scheduler) ResumeIntegration(ctx context.Context, id string) error {
	if err := s.integrations.SetActive(ctx, id, true); err != nil {
		return err
	}

	// Two attempts: the first read can race another writer.
	for attempt := 0; attempt < 2; attempt++ {
		integration, err := s.integrations.GetByID(ctx, id)
		if err != nil {
			return err
		}
		meta, err := models.ParseSyncMetadata(integration.SyncMetadata)
		if err != nil {
			meta = &models.SyncMetadata{Version: models.SyncMetadataVersion}
		}
		meta.RecordSuccess()
		raw, err := meta.ToJSONB()
		if err != nil {
			return err
		}
		_, err = s.integrations.UpdateChecked(ctx, id, integration.UpdatedAt, map[string]interface{}{
			"syncMetadata": raw,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrStaleIntegration) {
			return err
		}
	}
	return repository.ErrStaleIntegration
}

// lockTable provides in-process mutual exclusion keyed by integration id.
// This worker binary is the only process running syncs, so the table is the
// single authority for the Running state.
type lockTable struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{running: make(map[string]struct{})}
}

func (l *lockTable) TryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.running[id]; held {
		return false
	}
	l.running[id] = struct{}{}
	return true
}

func (l *lockTable) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, id)
}
