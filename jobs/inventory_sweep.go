package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/pharmaflow/pharmaflow/internal/inventory"
)

// ReservationSweepJob releases reservations whose hold expired.
type ReservationSweepJob struct {
	svc    *inventory.Service
	logger *slog.Logger
}

// NewReservationSweepJob constructs the job.
func NewReservationSweepJob(svc *inventory.Service, logger *slog.Logger) *ReservationSweepJob {
	return &ReservationSweepJob{svc: svc, logger: logger}
}

// Handle processes one TaskReservationSweep task.
func (j *ReservationSweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	released, err := j.svc.ReleaseExpiredReservations(ctx)
	if err != nil {
		j.logger.Error("reservation sweep failed", "released", released, "error", err)
		return err
	}
	if released > 0 {
		j.logger.Info("reservation sweep released holds", "released", released)
	}
	return nil
}

// NearExpiryScanJob surfaces batches approaching their expiry date. The scan
// only reports; disposal stays a manual decision.
type NearExpiryScanJob struct {
	svc    *inventory.Service
	logger *slog.Logger
}

// NewNearExpiryScanJob constructs the job.
func NewNearExpiryScanJob(svc *inventory.Service, logger *slog.Logger) *NearExpiryScanJob {
	return &NearExpiryScanJob{svc: svc, logger: logger}
}

// Handle processes one TaskNearExpiryScan task.
func (j *NearExpiryScanJob) Handle(ctx context.Context, _ *asynq.Task) error {
	records, err := j.svc.NearExpiry(ctx)
	if err != nil {
		j.logger.Error("near expiry scan failed", "error", err)
		return err
	}
	for _, rec := range records {
		j.logger.Warn("batch approaching expiry",
			"record_id", rec.ID,
			"product_id", rec.ProductID,
			"batch", rec.BatchNumber,
			"exp_date", rec.ExpDate,
			"current_stock", rec.CurrentStock,
		)
	}
	return nil
}
