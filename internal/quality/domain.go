package quality

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RecordStatus is the quality control record lifecycle.
type RecordStatus string

const (
	RecordPending         RecordStatus = "PENDING"
	RecordInProgress      RecordStatus = "IN_PROGRESS"
	RecordPendingApproval RecordStatus = "PENDING_APPROVAL"
	RecordCompleted       RecordStatus = "COMPLETED"
	RecordRejected        RecordStatus = "REJECTED"
)

// ItemStatus is the inspection outcome of one physical unit.
type ItemStatus string

const (
	ItemPending ItemStatus = "PENDING"
	ItemPassed  ItemStatus = "PASSED"
	ItemFailed  ItemStatus = "FAILED"
)

// ProductStatus is the deterministic reduction over a product's item details.
// The record-level overall result applies the same reduction over products.
type ProductStatus string

const (
	ProductPending     ProductStatus = "PENDING"
	ProductInProgress  ProductStatus = "IN_PROGRESS"
	ProductPassed      ProductStatus = "PASSED"
	ProductFailed      ProductStatus = "FAILED"
	ProductPartialPass ProductStatus = "PARTIAL_PASS"
)

// Reason codes attached to inspected units. Free-form codes are accepted;
// these cover the common defects.
const (
	ReasonDamagedPackaging  = "damaged_packaging"
	ReasonExpired           = "expired"
	ReasonWrongProduct      = "wrong_product"
	ReasonQuantityMismatch  = "quantity_mismatch"
	ReasonTemperatureBreach = "temperature_breach"

	// BucketReceivedCorrectly counts units with no reasons and a non-failed
	// status in the product summary.
	BucketReceivedCorrectly = "received_correctly"
)

// Item is the inspection record of one physical unit.
type Item struct {
	ID        int64
	ProductID int64 // qc_products row, not the catalogue product
	Idx       int
	Status    ItemStatus
	Reasons   []string
}

// Product groups the item details of one received batch.
type Product struct {
	ID            int64
	QCID          int64
	Idx           int
	CatalogueID   int64
	BatchNumber   string
	ReceivedQty   int64
	PassedQty     int64
	FailedQty     int64
	OverallStatus ProductStatus
	Summary       map[string]int64
	MfgDate       time.Time
	ExpDate       time.Time
	UnitCost      decimal.Decimal
	Items         []Item
}

// Record is one quality control inspection, created from a submitted
// receiving with one item detail per physical unit received.
type Record struct {
	ID            int64
	ReceivingID   int64
	POID          int64
	InvoiceNumber string
	Status        RecordStatus
	OverallResult ProductStatus
	CreatedAt     time.Time
	Products      []Product
}

// ApprovalStatus is the warehouse approval record lifecycle.
type ApprovalStatus string

const (
	ApprovalInProgress     ApprovalStatus = "IN_PROGRESS"
	ApprovalPendingManager ApprovalStatus = "PENDING_MANAGER_APPROVAL"
	ApprovalCompleted      ApprovalStatus = "COMPLETED"
	ApprovalRejected       ApprovalStatus = "REJECTED"
)

// Decision is the warehouse verdict on one product.
type Decision string

const (
	DecisionPending         Decision = "PENDING"
	DecisionApproved        Decision = "APPROVED"
	DecisionRejected        Decision = "REJECTED"
	DecisionPartialApproved Decision = "PARTIAL_APPROVED"
)

// ApprovalResult is the record-level reduction over product decisions.
type ApprovalResult string

const (
	ResultPending         ApprovalResult = "PENDING"
	ResultApproved        ApprovalResult = "APPROVED"
	ResultRejected        ApprovalResult = "REJECTED"
	ResultPartialApproved ApprovalResult = "PARTIAL_APPROVED"
)

// ApprovalProduct is one QC-cleared product awaiting warehouse acceptance.
// CarriedQty is the quantity QC passed; ApprovedQty never exceeds it.
type ApprovalProduct struct {
	ID          int64
	ApprovalID  int64
	Idx         int
	CatalogueID int64
	BatchNumber string
	CarriedQty  int64
	Decision    Decision
	ApprovedQty int64
	WarehouseID int64
	Location    string
	Conditions  string
	MfgDate     time.Time
	ExpDate     time.Time
	UnitCost    decimal.Decimal
}

// ManagerActionType is an entry in the manager sign-off log.
type ManagerActionType string

const (
	ManagerApprove ManagerActionType = "APPROVE"
	ManagerReject  ManagerActionType = "REJECT"
)

// ManagerAction is one append-only manager sign-off event.
type ManagerAction struct {
	ID         int64
	ApprovalID int64
	Level      int
	Action     ManagerActionType
	ActorID    int64
	At         time.Time
	Remarks    string
}

// Approval is the multi-level warehouse sign-off seeded from a completed QC
// record.
type Approval struct {
	ID            int64
	QCRecordID    int64
	ReceivingID   int64
	POID          int64
	Status        ApprovalStatus
	OverallResult ApprovalResult
	FinalApproval time.Time
	CreatedAt     time.Time
	Products      []ApprovalProduct
	Actions       []ManagerAction
}

var (
	// ErrNotFound indicates a missing record, product or item reference.
	ErrNotFound = errors.New("quality: not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("quality: invalid input")
	// ErrInvalidQuantity indicates an approved quantity outside (0, carried].
	ErrInvalidQuantity = errors.New("quality: invalid quantity")
	// ErrInvalidState occurs when an operation targets a record whose status
	// does not admit it.
	ErrInvalidState = errors.New("quality: record not in a compatible state")
	// ErrIncompleteSubmission occurs when submitting or completing before
	// every required sub-item is resolved.
	ErrIncompleteSubmission = errors.New("quality: unresolved items remain")
)

// reduceItems derives the product status from its item details.
func reduceItems(items []Item) ProductStatus {
	if len(items) == 0 {
		return ProductPending
	}
	pending, passed, failed := 0, 0, 0
	for _, item := range items {
		switch item.Status {
		case ItemPending:
			pending++
		case ItemPassed:
			passed++
		case ItemFailed:
			failed++
		}
	}
	switch {
	case pending == len(items):
		return ProductPending
	case pending > 0:
		return ProductInProgress
	case passed == len(items):
		return ProductPassed
	case failed == len(items):
		return ProductFailed
	default:
		return ProductPartialPass
	}
}

// reduceProducts derives the record-level overall result from the product
// statuses, using the same pending/uniform/mixed rules.
func reduceProducts(products []Product) ProductStatus {
	if len(products) == 0 {
		return ProductPending
	}
	pending, inProgress, passed, failed := 0, 0, 0, 0
	for _, p := range products {
		switch p.OverallStatus {
		case ProductPending:
			pending++
		case ProductInProgress:
			inProgress++
		case ProductPassed:
			passed++
		case ProductFailed:
			failed++
		}
	}
	switch {
	case pending == len(products):
		return ProductPending
	case pending > 0 || inProgress > 0:
		return ProductInProgress
	case passed == len(products):
		return ProductPassed
	case failed == len(products):
		return ProductFailed
	default:
		return ProductPartialPass
	}
}

// summarize rebuilds the reason-code buckets for a product. Units carrying no
// reasons and not failed count as received correctly.
func summarize(items []Item) map[string]int64 {
	summary := make(map[string]int64)
	for _, item := range items {
		if len(item.Reasons) == 0 && item.Status != ItemFailed {
			summary[BucketReceivedCorrectly]++
			continue
		}
		for _, reason := range item.Reasons {
			summary[reason]++
		}
	}
	return summary
}

// reduceDecisions derives the warehouse record result once every product has
// a non-pending decision.
func reduceDecisions(products []ApprovalProduct) ApprovalResult {
	approved, rejected := 0, 0
	for _, p := range products {
		switch p.Decision {
		case DecisionPending:
			return ResultPending
		case DecisionApproved:
			approved++
		case DecisionRejected:
			rejected++
		}
	}
	switch {
	case approved == len(products):
		return ResultApproved
	case rejected == len(products):
		return ResultRejected
	default:
		return ResultPartialApproved
	}
}

func invalidState(kind string, id int64, status any) error {
	return fmt.Errorf("%w: %s %d is %v", ErrInvalidState, kind, id, status)
}
