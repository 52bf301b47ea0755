package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType classifies a stock ledger entry.
type MovementType string

const (
	MovementInward     MovementType = "INWARD"
	MovementOutward    MovementType = "OUTWARD"
	MovementTransfer   MovementType = "TRANSFER"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// Movement is one append-only stock ledger entry. Balances are always the net
// sum of movements; a movement is never edited or removed.
type Movement struct {
	ID          int64
	RecordID    int64
	Type        MovementType
	Qty         int64
	Reason      string
	ActorID     int64
	At          time.Time
	SourceLoc   string
	DestLoc     string
	RefRecordID int64 // counterpart record on transfers
}

// ApprovalReason is the movement reason written on a warehouse-approval
// inward posting. Replay detection matches on it, so the format is part of
// the ledger contract.
func ApprovalReason(approvalID int64) string {
	return fmt.Sprintf("warehouse approval %d", approvalID)
}

// Reservation is a temporary hold on available stock. Reference is the
// opaque claim token handed to the holder.
type Reservation struct {
	ID        int64
	RecordID  int64
	Reference string
	Qty       int64
	Holder    string
	ExpiresAt time.Time
	Released  bool
	CreatedAt time.Time
}

// UtilizationEntry documents a consumption event for traceability.
type UtilizationEntry struct {
	ID       int64
	RecordID int64
	Qty      int64
	Consumer string
	ActorID  int64
	At       time.Time
}

// Provenance is the upstream trace carried on every record created from a
// warehouse approval.
type Provenance struct {
	POID        int64
	ReceivingID int64
	QCRecordID  int64
	ApprovalID  int64
}

// Record is one inventory position, keyed by product, batch and
// warehouse/location. Never hard-deleted; deactivated instead.
type Record struct {
	ID            int64
	ProductID     int64
	BatchNumber   string
	WarehouseID   int64
	Location      string
	Conditions    string
	CurrentStock  int64
	ReservedStock int64
	UnitCost      decimal.Decimal
	MfgDate       time.Time
	ExpDate       time.Time
	MinimumStock  int64
	Active        bool
	Provenance    Provenance
	CreatedAt     time.Time
	Movements     []Movement
	Reservations  []Reservation
}

// AvailableStock is derived, never stored: current minus reserved.
func (r Record) AvailableStock() int64 {
	return r.CurrentStock - r.ReservedStock
}

// TotalValue is the position's valuation at unit cost.
func (r Record) TotalValue() decimal.Decimal {
	return r.UnitCost.Mul(decimal.NewFromInt(r.CurrentStock))
}

// NeedsReorder reports whether available stock is at or below the minimum.
func (r Record) NeedsReorder() bool {
	return r.AvailableStock() <= r.MinimumStock
}

// ExpiryStatus classifies the batch's shelf life.
type ExpiryStatus string

const (
	ExpiryGood ExpiryStatus = "GOOD"
	ExpiryNear ExpiryStatus = "NEAR_EXPIRY"
	Expired    ExpiryStatus = "EXPIRED"
)

// ExpiryStatusAt classifies the record against now and the near-expiry
// window. Records without an expiry date are always good.
func (r Record) ExpiryStatusAt(now time.Time, window time.Duration) ExpiryStatus {
	if r.ExpDate.IsZero() {
		return ExpiryGood
	}
	switch {
	case r.ExpDate.Before(now):
		return Expired
	case r.ExpDate.Before(now.Add(window)):
		return ExpiryNear
	default:
		return ExpiryGood
	}
}

// Journey is the full upstream-to-downstream trace of one inventory batch.
type Journey struct {
	RecordID     int64              `json:"recordId"`
	ProductID    int64              `json:"productId"`
	BatchNumber  string             `json:"batchNumber"`
	WarehouseID  int64              `json:"warehouseId"`
	Location     string             `json:"location"`
	Provenance   Provenance         `json:"provenance"`
	Movements    []Movement         `json:"movements"`
	Reservations []Reservation      `json:"reservations"`
	Utilizations []UtilizationEntry `json:"utilizations"`
}

var (
	// ErrNotFound indicates a missing record or reservation.
	ErrNotFound = errors.New("inventory: not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("inventory: invalid input")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInactiveRecord occurs when mutating a deactivated record.
	ErrInactiveRecord = errors.New("inventory: record is deactivated")
)

// InsufficientStockError reports a removal or reservation beyond the
// available balance. Balances are left untouched.
type InsufficientStockError struct {
	RecordID  int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: record %d has %d available, %d requested", e.RecordID, e.Available, e.Requested)
}
