package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

// POOrderedLine carries one ordered line on the notification payload.
type POOrderedLine struct {
	ProductID  int64
	OrderedQty int64
}

// POOrderedEvent is published, fire and forget, when a purchase order
// reaches ORDERED.
type POOrderedEvent struct {
	POID       int64
	Number     string
	SupplierID int64
	OrderedAt  time.Time
	Lines      []POOrderedLine
}

// ReceivingLineEvent describes one received batch for quality control
// materialisation. Zero-quantity lines are filtered out before this point.
type ReceivingLineEvent struct {
	ProductID   int64
	ReceivedQty int64
	BatchNumber string
	MfgDate     time.Time
	ExpDate     time.Time
	UnitPrice   decimal.Decimal
}

// ReceivingSubmittedEvent seeds the quality control record for a submitted
// receiving.
type ReceivingSubmittedEvent struct {
	ReceivingID   int64
	POID          int64
	InvoiceNumber string
	Lines         []ReceivingLineEvent
}
