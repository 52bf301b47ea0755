package procurement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// POStage is the purchase order's position in the lifecycle. Status is always
// derived from it, never stored independently.
type POStage string

const (
	StageDraft           POStage = "DRAFT"
	StagePendingApproval POStage = "PENDING_APPROVAL"
	StageApprovedL1      POStage = "APPROVED_L1"
	StageApprovedFinal   POStage = "APPROVED_FINAL"
	StageOrdered         POStage = "ORDERED"
	StagePartialReceived POStage = "PARTIAL_RECEIVED"
	StageReceived        POStage = "RECEIVED"
	StageQCPending       POStage = "QC_PENDING"
	StageQCPassed        POStage = "QC_PASSED"
	StageQCFailed        POStage = "QC_FAILED"
	StageCompleted       POStage = "COMPLETED"
	StageCancelled       POStage = "CANCELLED"
	StageRejected        POStage = "REJECTED"
)

// POStatus is the caller-facing status derived from the stage.
type POStatus string

const (
	StatusDraft             POStatus = "DRAFT"
	StatusInApproval        POStatus = "IN_APPROVAL"
	StatusApproved          POStatus = "APPROVED"
	StatusOrdered           POStatus = "ORDERED"
	StatusPartiallyReceived POStatus = "PARTIALLY_RECEIVED"
	StatusReceived          POStatus = "RECEIVED"
	StatusInQC              POStatus = "IN_QC"
	StatusQCPassed          POStatus = "QC_PASSED"
	StatusQCFailed          POStatus = "QC_FAILED"
	StatusCompleted         POStatus = "COMPLETED"
	StatusCancelled         POStatus = "CANCELLED"
	StatusRejected          POStatus = "REJECTED"
)

// StatusForStage derives the caller-facing status. Pure function; the only
// place status is computed.
func StatusForStage(stage POStage) POStatus {
	switch stage {
	case StageDraft:
		return StatusDraft
	case StagePendingApproval, StageApprovedL1:
		return StatusInApproval
	case StageApprovedFinal:
		return StatusApproved
	case StageOrdered:
		return StatusOrdered
	case StagePartialReceived:
		return StatusPartiallyReceived
	case StageReceived:
		return StatusReceived
	case StageQCPending:
		return StatusInQC
	case StageQCPassed:
		return StatusQCPassed
	case StageQCFailed:
		return StatusQCFailed
	case StageCompleted:
		return StatusCompleted
	case StageCancelled:
		return StatusCancelled
	case StageRejected:
		return StatusRejected
	}
	return StatusDraft
}

// Action names the operations a caller or downstream module may drive against
// a purchase order.
type Action string

const (
	ActionSubmit   Action = "SUBMIT"
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionUpdate   Action = "UPDATE"
	ActionCancel   Action = "CANCEL"
	ActionReceive  Action = "RECEIVE"
	ActionQCStart  Action = "QC_START"
	ActionQCPass   Action = "QC_PASS"
	ActionQCFail   Action = "QC_FAIL"
	ActionComplete Action = "COMPLETE"
)

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID              int64
	Number          string
	SupplierID      int64
	Stage           POStage
	CreatedBy       int64
	CreatedAt       time.Time
	ApprovedL1At    time.Time
	ApprovedFinalAt time.Time
	OrderedAt       time.Time
	Remarks         string
	Lines           []POLine
}

// Status derives the caller-facing status from the current stage.
func (po PurchaseOrder) Status() POStatus {
	return StatusForStage(po.Stage)
}

// POLine is one ordered product line. ReceivedQty and BacklogQty are
// projections over the PO's non-draft receiving records.
type POLine struct {
	ID          int64
	POID        int64
	ProductID   int64
	OrderedQty  int64
	UnitPrice   decimal.Decimal
	ReceivedQty int64
	BacklogQty  int64
}

// WorkflowEntry is one append-only workflow history record. The log is the
// sole audit trail and replays to the current stage.
type WorkflowEntry struct {
	ID      int64
	POID    int64
	Stage   POStage
	Action  Action
	ActorID int64
	At      time.Time
	Remarks string
	Changes map[string]any
}

// ReceivingStatus is the invoice receiving record lifecycle.
type ReceivingStatus string

const (
	ReceivingDraft     ReceivingStatus = "DRAFT"
	ReceivingSubmitted ReceivingStatus = "SUBMITTED"
	ReceivingCompleted ReceivingStatus = "COMPLETED"
	ReceivingRejected  ReceivingStatus = "REJECTED"
)

// ReceivingRecord captures one physical delivery against a purchase order.
type ReceivingRecord struct {
	ID            int64
	POID          int64
	InvoiceNumber string
	InvoiceDate   time.Time
	InvoiceAmount decimal.Decimal
	Status        ReceivingStatus
	QCRecordID    int64
	CreatedBy     int64
	CreatedAt     time.Time
	Lines         []ReceivingLine
}

// ReceivingLineStatus marks whether a line delivered units or documents
// non-delivery of an ordered product.
type ReceivingLineStatus string

const (
	LineReceived     ReceivingLineStatus = "RECEIVED"
	LineNotDelivered ReceivingLineStatus = "NOT_DELIVERED"
)

// ReceivingLine is one received batch of one product.
type ReceivingLine struct {
	ID          int64
	ReceivingID int64
	ProductID   int64
	OrderedQty  int64
	ReceivedQty int64
	BatchNumber string
	MfgDate     time.Time
	ExpDate     time.Time
	Status      ReceivingLineStatus
}

var (
	// ErrNotFound indicates a referenced record is missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrInvalidQuantity indicates a non-positive or inconsistent quantity.
	ErrInvalidQuantity = errors.New("procurement: invalid quantity")
	// ErrInvalidPOState occurs when an operation targets a PO whose stage
	// does not admit it.
	ErrInvalidPOState = errors.New("procurement: purchase order not in a compatible stage")
	// ErrReceivingImmutable occurs when mutating a completed or rejected record.
	ErrReceivingImmutable = errors.New("procurement: receiving record is immutable")
)

// ForbiddenTransitionError reports an action outside the current stage's
// allowed-action set. State is left untouched.
type ForbiddenTransitionError struct {
	Stage  POStage
	Action Action
}

func (e *ForbiddenTransitionError) Error() string {
	return fmt.Sprintf("procurement: action %s not permitted in stage %s", e.Action, e.Stage)
}

// OverReceiptError reports a submission whose cumulative received quantity
// would exceed the ordered quantity beyond tolerance.
type OverReceiptError struct {
	ProductID     int64
	OrderedQty    int64
	CumulativeQty int64
	Tolerance     float64
}

func (e *OverReceiptError) Error() string {
	return fmt.Sprintf("procurement: product %d cumulative receipt %d exceeds ordered %d beyond %.0f%% tolerance",
		e.ProductID, e.CumulativeQty, e.OrderedQty, e.Tolerance*100)
}
