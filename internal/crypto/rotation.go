package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RotationWorker is a background worker that polls for queued key rotation
// jobs and drives them through a tenant's KMS provider to completion,
// mirroring the poll-and-dispatch shape of this codebase's other
// background engines.
type RotationWorker struct {
	registry *Registry
	service  *Service
	logger   *slog.Logger
	interval time.Duration
	metric   *prometheus.CounterVec // key_rotations_total{status}
}

func NewRotationWorker(registry *Registry, service *Service, logger *slog.Logger, metric *prometheus.CounterVec) *RotationWorker {
	return &RotationWorker{
		registry: registry,
		service:  service,
		logger:   logger,
		interval: 10 * time.Second,
		metric:   metric,
	}
}

// Run starts the rotation worker loop. It blocks until ctx is cancelled.
func (w *RotationWorker) Run(ctx context.Context) error {
	w.logger.Info("key rotation worker started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("key rotation worker stopped")
			return nil
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.logger.Error("key rotation worker tick", "error", err)
			}
		}
	}
}

// tick claims and drives at most one queued job, so a slow rotation never
// blocks the ticker from noticing ctx cancellation.
func (w *RotationWorker) tick(ctx context.Context) error {
	job, err := w.registry.ClaimNextQueuedJob(ctx)
	if err != nil {
		return fmt.Errorf("claiming rotation job: %w", err)
	}
	if job == nil {
		return nil
	}
	w.processJob(ctx, job)
	return nil
}

func (w *RotationWorker) processJob(ctx context.Context, job *RotationJob) {
	logger := w.logger.With("tenant_id", job.TenantID, "job_id", job.ID, "from_version", job.FromVersion)

	key, err := w.registry.KeyByVersion(ctx, job.TenantID, job.FromVersion)
	if err != nil || key == nil {
		w.fail(ctx, logger, job, fmt.Errorf("load retiring key: %w", err))
		return
	}

	provider, err := w.service.provider(key.Provider)
	if err != nil {
		w.fail(ctx, logger, job, err)
		return
	}

	newProviderKeyID, err := provider.RotateMasterKey(ctx, job.TenantID)
	if err != nil {
		w.fail(ctx, logger, job, fmt.Errorf("%w: %v", ErrKeyRotationFailed, err))
		return
	}

	if _, err := w.registry.CompleteRotation(ctx, job, key.Provider, newProviderKeyID); err != nil {
		w.fail(ctx, logger, job, fmt.Errorf("%w: %v", ErrKeyRotationFailed, err))
		return
	}

	logger.Info("key rotation completed", "new_provider_key_id", newProviderKeyID)
	if w.metric != nil {
		w.metric.WithLabelValues("completed").Inc()
	}
}

func (w *RotationWorker) fail(ctx context.Context, logger *slog.Logger, job *RotationJob, cause error) {
	logger.Error("key rotation failed", "error", cause)
	if err := w.registry.FailRotation(ctx, job, cause.Error()); err != nil {
		logger.Error("recording rotation failure", "error", err)
	}
	if w.metric != nil {
		w.metric.WithLabelValues("failed").Inc()
	}
}
