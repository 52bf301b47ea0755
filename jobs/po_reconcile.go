package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/pharmaflow/pharmaflow/internal/procurement"
)

// POReconcileJob replays receipt projections for every active purchase
// order, repairing any drift between the event log and the stored totals.
type POReconcileJob struct {
	svc    *procurement.Service
	logger *slog.Logger
}

// NewPOReconcileJob constructs the job.
func NewPOReconcileJob(svc *procurement.Service, logger *slog.Logger) *POReconcileJob {
	return &POReconcileJob{svc: svc, logger: logger}
}

// Handle processes one TaskPOReconcile task.
func (j *POReconcileJob) Handle(ctx context.Context, _ *asynq.Task) error {
	count, err := j.svc.ReconcileAll(ctx)
	if err != nil {
		j.logger.Error("po reconcile failed", "reconciled", count, "error", err)
		return err
	}
	j.logger.Info("po receipt projections reconciled", "orders", count)
	return nil
}
