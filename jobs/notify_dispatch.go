package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/pharmaflow/pharmaflow/internal/notify"
)

// NotifyDispatchJob delivers queued order notifications through the webhook
// client.
type NotifyDispatchJob struct {
	client *notify.Client
	logger *slog.Logger
}

// NewNotifyDispatchJob constructs the job.
func NewNotifyDispatchJob(client *notify.Client, logger *slog.Logger) *NotifyDispatchJob {
	return &NotifyDispatchJob{client: client, logger: logger}
}

// Handle processes one TaskNotifyPOOrdered task.
func (j *NotifyDispatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload NotifyPOOrderedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if !j.client.Enabled() {
		j.logger.Debug("notify webhook disabled, dropping task", "po_id", payload.POID)
		return nil
	}
	if err := j.client.SendPOOrdered(ctx, payload.Event()); err != nil {
		j.logger.Warn("po ordered webhook delivery failed", "po_id", payload.POID, "error", err)
		return err
	}
	j.logger.Info("po ordered webhook delivered", "po_id", payload.POID, "number", payload.Number)
	return nil
}
