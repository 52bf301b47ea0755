package quality

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApprovedBatch is one accepted batch on the completion event, carrying the
// full upstream trace inventory needs for the product history.
type ApprovedBatch struct {
	ProductID   int64
	BatchNumber string
	Qty         int64
	WarehouseID int64
	Location    string
	Conditions  string
	MfgDate     time.Time
	ExpDate     time.Time
	UnitCost    decimal.Decimal
}

// ApprovalCompletedEvent is handed to the inventory port when the final
// manager approval lands. One inventory record is created per batch.
type ApprovalCompletedEvent struct {
	ApprovalID  int64
	QCRecordID  int64
	ReceivingID int64
	POID        int64
	ActorID     int64
	ApprovedAt  time.Time
	Batches     []ApprovedBatch
}
