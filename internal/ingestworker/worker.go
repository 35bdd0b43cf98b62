// Package ingestworker is the background process that drains
// internal/queue: it claims queued ingest jobs, runs them through an
// injected Pipeline (the sniff -> normalize -> chunk -> embed -> write
// pipeline lives in internal/ingest, kept separate so this package only
// owns polling, heartbeat, bulkhead, and job bookkeeping), and records
// success or failure.
package ingestworker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexusrag/nexusrag/internal/bulkhead"
	"github.com/nexusrag/nexusrag/internal/queue"
)

// Pipeline runs one ingest job to completion (or returns an error that
// becomes the job's failure_reason). Implementations own the document's
// status transition on both success and failure.
type Pipeline interface {
	Process(ctx context.Context, job *queue.Job) error
}

// Worker polls the durable queue, bounding concurrent job processing with
// a Bulkhead sized to INGEST_MAX_CONCURRENCY and beating a heartbeat Redis
// tracks so ops can derive worker_heartbeat_age_s.
type Worker struct {
	id         string
	queue      *queue.Queue
	pipeline   Pipeline
	heartbeats *queue.HeartbeatStore
	bulkhead   *bulkhead.Bulkhead
	logger     *slog.Logger
	interval   time.Duration
	metric     *prometheus.CounterVec   // ingest_jobs_total{status}
	duration   *prometheus.HistogramVec // ingest_job_duration_seconds{status}
}

func NewWorker(id string, q *queue.Queue, pipeline Pipeline, heartbeats *queue.HeartbeatStore, maxConcurrency int, logger *slog.Logger, metric *prometheus.CounterVec, duration *prometheus.HistogramVec) *Worker {
	return &Worker{
		id:         id,
		queue:      q,
		pipeline:   pipeline,
		heartbeats: heartbeats,
		bulkhead:   bulkhead.New(maxConcurrency),
		logger:     logger,
		interval:   2 * time.Second,
		metric:     metric,
		duration:   duration,
	}
}

// Run starts the worker loop. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("ingest worker started", "worker_id", w.id, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ingest worker stopped", "worker_id", w.id)
			return nil
		case <-ticker.C:
			if err := w.heartbeats.Beat(ctx, w.id); err != nil {
				w.logger.Error("ingest worker heartbeat", "worker_id", w.id, "error", err)
			}
			if err := w.tick(ctx); err != nil {
				w.logger.Error("ingest worker tick", "worker_id", w.id, "error", err)
			}
		}
	}
}

// tick claims at most one job, and only when a bulkhead slot is free right
// now, so a saturated worker never blocks the ticker from noticing ctx
// cancellation.
func (w *Worker) tick(ctx context.Context) error {
	release, err := w.bulkhead.TryAcquire()
	if err != nil {
		return nil // saturated; try again next tick
	}

	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		release()
		return fmt.Errorf("claiming ingest job: %w", err)
	}
	if job == nil {
		release()
		return nil
	}

	go func() {
		defer release()
		w.processJob(ctx, job)
	}()
	return nil
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	logger := w.logger.With("job_id", job.ID, "document_id", job.DocumentID, "kind", job.Kind)
	start := time.Now()

	if err := w.pipeline.Process(ctx, job); err != nil {
		logger.Error("ingest job failed", "error", err)
		if err := w.queue.Fail(ctx, job, err.Error()); err != nil {
			logger.Error("recording ingest job failure", "error", err)
		}
		if w.metric != nil {
			w.metric.WithLabelValues("failed").Inc()
		}
		if w.duration != nil {
			w.duration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		}
		return
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		logger.Error("recording ingest job completion", "error", err)
		return
	}
	logger.Info("ingest job completed")
	if w.metric != nil {
		w.metric.WithLabelValues("succeeded").Inc()
	}
	if w.duration != nil {
		w.duration.WithLabelValues("succeeded").Observe(time.Since(start).Seconds())
	}
}
