// Package jobs hosts the background task definitions and the Asynq worker.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pharmaflow/pharmaflow/internal/procurement"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNotifyPOOrdered delivers the order-placed webhook.
	TaskNotifyPOOrdered = "procurement:notify_ordered"
	// TaskPOReconcile recomputes receipt projections for active orders.
	TaskPOReconcile = "procurement:reconcile"
	// TaskReservationSweep releases reservations past their expiry.
	TaskReservationSweep = "inventory:reservation_sweep"
	// TaskNearExpiryScan reports batches approaching expiry.
	TaskNearExpiryScan = "inventory:near_expiry_scan"
)

// NotifyPOOrderedPayload mirrors the ordered event for queue transport.
type NotifyPOOrderedPayload struct {
	POID       int64          `json:"po_id"`
	Number     string         `json:"number"`
	SupplierID int64          `json:"supplier_id"`
	OrderedAt  time.Time      `json:"ordered_at"`
	Lines      []NotifyPOLine `json:"lines"`
}

// NotifyPOLine is one ordered line in the payload.
type NotifyPOLine struct {
	ProductID  int64 `json:"product_id"`
	OrderedQty int64 `json:"ordered_qty"`
}

// NewNotifyPOOrderedTask builds the notification task from the domain event.
func NewNotifyPOOrderedTask(evt procurement.POOrderedEvent) (*asynq.Task, error) {
	payload := NotifyPOOrderedPayload{
		POID:       evt.POID,
		Number:     evt.Number,
		SupplierID: evt.SupplierID,
		OrderedAt:  evt.OrderedAt,
	}
	for _, line := range evt.Lines {
		payload.Lines = append(payload.Lines, NotifyPOLine{ProductID: line.ProductID, OrderedQty: line.OrderedQty})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyPOOrdered, body, asynq.Queue(QueueDefault)), nil
}

// Event converts the payload back into the domain event.
func (p NotifyPOOrderedPayload) Event() procurement.POOrderedEvent {
	evt := procurement.POOrderedEvent{
		POID:       p.POID,
		Number:     p.Number,
		SupplierID: p.SupplierID,
		OrderedAt:  p.OrderedAt,
	}
	for _, line := range p.Lines {
		evt.Lines = append(evt.Lines, procurement.POOrderedLine{ProductID: line.ProductID, OrderedQty: line.OrderedQty})
	}
	return evt
}

// NewPOReconcileTask builds the reconcile task.
func NewPOReconcileTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskPOReconcile, nil, asynq.Queue(QueueDefault)), nil
}

// NewReservationSweepTask builds the reservation sweep task.
func NewReservationSweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskReservationSweep, nil, asynq.Queue(QueueDefault)), nil
}

// NewNearExpiryScanTask builds the near-expiry scan task.
func NewNearExpiryScanTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskNearExpiryScan, nil, asynq.Queue(QueueDefault)), nil
}
