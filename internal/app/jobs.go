/**
 * @description
 * Scheduled job implementations for the collection cycle. Each job builds its
 * own context, logs start and finish, and never returns an error to cron.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/verenigingen/sepa-service/internal/config"
	"github.com/verenigingen/sepa-service/internal/domain"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	dues     *DuesEngine
	mandates *MandateManager
	batches  *BatchBuilder
	exporter *BatchExporter
	logger   *slog.Logger
	metrics  Metrics
	config   config.Config
	now      func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(dues *DuesEngine, mandates *MandateManager, batches *BatchBuilder, exporter *BatchExporter, rt Runtime, cfg config.Config) *Jobs {
	rt = rt.withDefaults()
	return &Jobs{
		dues:     dues,
		mandates: mandates,
		batches:  batches,
		exporter: exporter,
		logger:   rt.Logger,
		metrics:  rt.Metrics,
		config:   cfg,
		now:      rt.Now,
	}
}

// RunDuesSweep invoices every due schedule.
func (j *Jobs) RunDuesSweep() {
	j.logger.Info("starting dues sweep job")
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	defer func() { j.metrics.ObserveJob("dues_sweep", time.Since(started).Seconds()) }()

	result, err := j.dues.Sweep(ctx, j.now())
	if err != nil {
		if errors.Is(err, ErrRunLocked) {
			j.logger.Info("dues sweep already running elsewhere, skipping")
			return
		}
		j.logger.Error("dues sweep failed", "error", err)
		return
	}

	j.logger.Info("dues sweep job finished", "generated", result.Generated, "failed", result.Failed)
}

// RunMandateExpiry expires mandates past their expiry date or dormant too long.
func (j *Jobs) RunMandateExpiry() {
	j.logger.Info("starting mandate expiry job")
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	defer func() { j.metrics.ObserveJob("mandate_expiry", time.Since(started).Seconds()) }()

	result, err := j.mandates.ExpireDue(ctx, j.now())
	if err != nil {
		j.logger.Error("mandate expiry failed", "error", err)
		return
	}
	if result.Evaluated == 0 {
		j.logger.Info("no mandates to expire")
		return
	}

	j.logger.Info("mandate expiry job finished", "expired", result.Expired, "failed", result.Failed)
}

// RunBatchBuild builds a batch collecting at the earliest date the recurring
// notice allows, and exports it when auto export is on.
func (j *Jobs) RunBatchBuild() {
	j.logger.Info("starting batch build job")
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	defer func() { j.metrics.ObserveJob("batch_build", time.Since(started).Seconds()) }()

	collectionDate := domain.AddBusinessDays(j.now(), j.config.RecurringNoticeDays)
	result, err := j.batches.Build(ctx, BuildRequest{CollectionDate: collectionDate})
	if err != nil {
		if errors.Is(err, ErrBuildInProgress) {
			j.logger.Info("batch build already running elsewhere, skipping")
			return
		}
		j.logger.Error("batch build failed", "collection_date", collectionDate.Format(time.DateOnly), "error", err)
		return
	}
	if result.Batch == nil {
		j.logger.Info("batch build job finished without collectable invoices", "excluded", len(result.Excluded))
		return
	}

	if j.config.AutoExportBatches {
		if _, err := j.exporter.Export(ctx, result.Batch.ID); err != nil {
			j.logger.Error("automatic batch export failed; batch left in Draft", "batch_id", result.Batch.ID, "error", err)
			return
		}
	}

	j.logger.Info("batch build job finished", "batch_id", result.Batch.ID, "items", len(result.Batch.Items))
}
