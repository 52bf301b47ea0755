package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPOs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseOrder, int, error)
	GetWorkflow(ctx context.Context, poID int64) ([]WorkflowEntry, error)
	GetReceiving(ctx context.Context, id int64) (ReceivingRecord, error)
	ListReceivingsForPO(ctx context.Context, poID int64) ([]ReceivingRecord, error)
	ListActivePOIDs(ctx context.Context) ([]int64, error)
}

// QualityPort creates the quality control record for a submitted receiving.
type QualityPort interface {
	CreateFromReceiving(ctx context.Context, evt ReceivingSubmittedEvent) (int64, error)
}

// NotifierPort dispatches the fire-and-forget notification when an order is
// placed. Failure to notify never fails the transition.
type NotifierPort interface {
	NotifyPOOrdered(ctx context.Context, evt POOrderedEvent) error
}

// ProductPort resolves product references from master data, validation only.
type ProductPort interface {
	ProductExists(ctx context.Context, productID int64) (bool, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the purchase order lifecycle and invoice receiving
// reconciliation. Both live in one package so the receiving event and the PO
// projection commit in one transaction.
type Service struct {
	repo        RepositoryPort
	quality     QualityPort
	notifier    NotifierPort
	products    ProductPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	tolerance   float64
}

// ServiceConfig groups policy parameters.
type ServiceConfig struct {
	// ReceiptTolerance is the fraction by which cumulative receipts may
	// exceed the ordered quantity per product.
	ReceiptTolerance float64
}

// NewService constructs the procurement service.
func NewService(repo RepositoryPort, quality QualityPort, notifier NotifierPort, products ProductPort, audit AuditPort, idem *shared.IdempotencyStore, cfg ServiceConfig) *Service {
	tolerance := cfg.ReceiptTolerance
	if tolerance <= 0 {
		tolerance = 0.10
	}
	return &Service{
		repo:        repo,
		quality:     quality,
		notifier:    notifier,
		products:    products,
		audit:       audit,
		idempotency: idem,
		tolerance:   tolerance,
	}
}

// SetQuality binds the quality control collaborator after construction.
// Quality control depends on this service in turn, so one side binds late.
func (s *Service) SetQuality(quality QualityPort) {
	s.quality = quality
}

// CreatePOInput describes a new purchase order.
type CreatePOInput struct {
	Number     string
	SupplierID int64
	CreatedBy  int64
	Remarks    string
	Lines      []POLineInput
}

// POLineInput describes one ordered product line.
type POLineInput struct {
	ProductID  int64
	OrderedQty int64
	UnitPrice  decimal.Decimal
}

// CreatePurchaseOrder persists a draft PO with its lines and the opening
// workflow entry.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: product reference required", ErrValidation)
		}
		if line.OrderedQty <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: ordered qty must be positive for product %d", ErrInvalidQuantity, line.ProductID)
		}
		if line.UnitPrice.IsNegative() {
			return PurchaseOrder{}, fmt.Errorf("%w: unit price must be >= 0 for product %d", ErrValidation, line.ProductID)
		}
		if s.products != nil {
			ok, err := s.products.ProductExists(ctx, line.ProductID)
			if err != nil {
				return PurchaseOrder{}, err
			}
			if !ok {
				return PurchaseOrder{}, fmt.Errorf("%w: unknown product %d", ErrValidation, line.ProductID)
			}
		}
	}
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}
	po := PurchaseOrder{
		Number:     input.Number,
		SupplierID: input.SupplierID,
		Stage:      StageDraft,
		CreatedBy:  input.CreatedBy,
		Remarks:    input.Remarks,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		poID, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = poID
		for _, line := range input.Lines {
			l := POLine{POID: poID, ProductID: line.ProductID, OrderedQty: line.OrderedQty, UnitPrice: line.UnitPrice, BacklogQty: line.OrderedQty}
			if err := tx.InsertPOLine(ctx, l); err != nil {
				return err
			}
			po.Lines = append(po.Lines, l)
		}
		return tx.AppendWorkflow(ctx, WorkflowEntry{
			POID:    poID,
			Stage:   StageDraft,
			Action:  ActionUpdate,
			ActorID: input.CreatedBy,
			At:      time.Now().UTC(),
			Remarks: "purchase order created",
		})
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "PO_CREATE", po.ID, map[string]any{"number": po.Number})
	return po, nil
}

// SubmitPurchaseOrder moves a draft into the approval chain.
func (s *Service) SubmitPurchaseOrder(ctx context.Context, poID, actorID int64, remarks string) error {
	return s.transition(ctx, poID, ActionSubmit, actorID, remarks, nil)
}

// ApprovePurchaseOrder advances exactly one approval level per call. The
// third approval places the order and fires the ordered notification.
func (s *Service) ApprovePurchaseOrder(ctx context.Context, poID, actorID int64, remarks string) error {
	var ordered *POOrderedEvent
	err := s.transitionWithHook(ctx, poID, ActionApprove, actorID, remarks, nil, func(tx TxRepository, po PurchaseOrder, next POStage) error {
		now := time.Now().UTC()
		switch next {
		case StageApprovedL1:
			return tx.SetPOApprovalTimestamp(ctx, poID, "approved_l1_at", now)
		case StageApprovedFinal:
			return tx.SetPOApprovalTimestamp(ctx, poID, "approved_final_at", now)
		case StageOrdered:
			if err := tx.SetPOApprovalTimestamp(ctx, poID, "ordered_at", now); err != nil {
				return err
			}
			evt := buildOrderedEvent(po, now)
			ordered = &evt
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ordered != nil && s.notifier != nil {
		// Fire and forget: a notification failure must not fail the
		// committed transition.
		_ = s.notifier.NotifyPOOrdered(ctx, *ordered)
	}
	return nil
}

// RejectPurchaseOrder terminates the order from any stage whose action set
// admits rejection.
func (s *Service) RejectPurchaseOrder(ctx context.Context, poID, actorID int64, remarks string) error {
	return s.transition(ctx, poID, ActionReject, actorID, remarks, nil)
}

// CancelPurchaseOrder cancels a pre-terminal order.
func (s *Service) CancelPurchaseOrder(ctx context.Context, poID, actorID int64, remarks string) error {
	return s.transition(ctx, poID, ActionCancel, actorID, remarks, nil)
}

// UpdatePOLines replaces the ordered lines. Permitted only while the current
// stage's action set includes UPDATE; the workflow entry carries a field diff.
func (s *Service) UpdatePOLines(ctx context.Context, poID, actorID int64, lines []POLineInput, remarks string) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range lines {
		if line.ProductID == 0 || line.OrderedQty <= 0 {
			return fmt.Errorf("%w: product and positive qty required", ErrInvalidQuantity)
		}
	}
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if !ActionAllowed(po.Stage, ActionUpdate) {
		return &ForbiddenTransitionError{Stage: po.Stage, Action: ActionUpdate}
	}
	before := make(map[string]any, len(po.Lines))
	for _, l := range po.Lines {
		before[fmt.Sprintf("product_%d", l.ProductID)] = l.OrderedQty
	}
	after := make(map[string]any, len(lines))
	for _, l := range lines {
		after[fmt.Sprintf("product_%d", l.ProductID)] = l.OrderedQty
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetPOForUpdate(ctx, poID); err != nil {
			return err
		}
		if err := tx.ReplacePOLines(ctx, poID, toPOLines(poID, lines)); err != nil {
			return err
		}
		if err := tx.AppendWorkflow(ctx, WorkflowEntry{
			POID:    poID,
			Stage:   po.Stage,
			Action:  ActionUpdate,
			ActorID: actorID,
			At:      time.Now().UTC(),
			Remarks: remarks,
			Changes: map[string]any{"before": before, "after": after},
		}); err != nil {
			return err
		}
		return s.recomputeLocked(ctx, tx, poID)
	})
}

// GetPurchaseOrder returns the PO with its projected lines.
func (s *Service) GetPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, error) {
	return s.repo.GetPO(ctx, poID)
}

// ListFilters narrows PO listings.
type ListFilters struct {
	Status     POStatus
	SupplierID int64
	Search     string
}

// ListPurchaseOrders returns a page of purchase orders.
func (s *Service) ListPurchaseOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseOrder, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListPOs(ctx, limit, offset, filters)
}

// GetWorkflowLog returns the append-only history for a purchase order.
func (s *Service) GetWorkflowLog(ctx context.Context, poID int64) ([]WorkflowEntry, error) {
	if _, err := s.repo.GetPO(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.GetWorkflow(ctx, poID)
}

// MarkQCPassed records the QC manager's approval on the PO workflow.
func (s *Service) MarkQCPassed(ctx context.Context, poID int64) error {
	return s.transition(ctx, poID, ActionQCPass, 0, "quality control passed", nil)
}

// RejectReceivingChain marks a receiving record rejected downstream (QC or
// warehouse refusal) and moves the PO to QC_FAILED where admissible.
func (s *Service) RejectReceivingChain(ctx context.Context, receivingID int64) error {
	rec, err := s.repo.GetReceiving(ctx, receivingID)
	if err != nil {
		return err
	}
	if rec.Status == ReceivingRejected {
		return nil
	}
	if rec.Status == ReceivingCompleted {
		return ErrReceivingImmutable
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, rec.POID)
		if err != nil {
			return err
		}
		if err := tx.UpdateReceivingStatus(ctx, receivingID, ReceivingRejected); err != nil {
			return err
		}
		if ActionAllowed(po.Stage, ActionQCFail) {
			if err := tx.UpdatePOStage(ctx, rec.POID, StageQCFailed); err != nil {
				return err
			}
			if err := tx.AppendWorkflow(ctx, WorkflowEntry{
				POID:    rec.POID,
				Stage:   StageQCFailed,
				Action:  ActionQCFail,
				At:      time.Now().UTC(),
				Remarks: fmt.Sprintf("receiving %d rejected", receivingID),
			}); err != nil {
				return err
			}
		}
		return s.recomputeLocked(ctx, tx, rec.POID)
	})
}

// CompleteReceivingChain marks a receiving record completed after warehouse
// approval and closes the PO when nothing remains outstanding.
func (s *Service) CompleteReceivingChain(ctx context.Context, receivingID int64) error {
	rec, err := s.repo.GetReceiving(ctx, receivingID)
	if err != nil {
		return err
	}
	if rec.Status == ReceivingCompleted {
		return nil
	}
	if rec.Status != ReceivingSubmitted {
		return ErrReceivingImmutable
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, rec.POID)
		if err != nil {
			return err
		}
		if err := tx.UpdateReceivingStatus(ctx, receivingID, ReceivingCompleted); err != nil {
			return err
		}
		if ActionAllowed(po.Stage, ActionQCPass) && po.Stage == StageQCPending {
			po.Stage = StageQCPassed
			if err := tx.UpdatePOStage(ctx, rec.POID, StageQCPassed); err != nil {
				return err
			}
			if err := tx.AppendWorkflow(ctx, WorkflowEntry{
				POID:    rec.POID,
				Stage:   StageQCPassed,
				Action:  ActionQCPass,
				At:      time.Now().UTC(),
				Remarks: fmt.Sprintf("receiving %d cleared quality control", receivingID),
			}); err != nil {
				return err
			}
		}
		fullyReceived, err := s.fullyReceived(ctx, tx, rec.POID)
		if err != nil {
			return err
		}
		if fullyReceived && ActionAllowed(po.Stage, ActionComplete) {
			if err := tx.UpdatePOStage(ctx, rec.POID, StageCompleted); err != nil {
				return err
			}
			if err := tx.AppendWorkflow(ctx, WorkflowEntry{
				POID:    rec.POID,
				Stage:   StageCompleted,
				Action:  ActionComplete,
				At:      time.Now().UTC(),
				Remarks: "all received goods accepted into inventory",
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// transition applies a single workflow action and appends its history entry.
func (s *Service) transition(ctx context.Context, poID int64, action Action, actorID int64, remarks string, changes map[string]any) error {
	return s.transitionWithHook(ctx, poID, action, actorID, remarks, changes, nil)
}

func (s *Service) transitionWithHook(ctx context.Context, poID int64, action Action, actorID int64, remarks string, changes map[string]any, hook func(TxRepository, PurchaseOrder, POStage) error) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		next, err := Advance(po.Stage, action)
		if err != nil {
			return err
		}
		if next != po.Stage {
			if err := tx.UpdatePOStage(ctx, poID, next); err != nil {
				return err
			}
		}
		if hook != nil {
			if err := hook(tx, po, next); err != nil {
				return err
			}
		}
		return tx.AppendWorkflow(ctx, WorkflowEntry{
			POID:    poID,
			Stage:   next,
			Action:  action,
			ActorID: actorID,
			At:      time.Now().UTC(),
			Remarks: remarks,
			Changes: changes,
		})
	})
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "procurement", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func buildOrderedEvent(po PurchaseOrder, orderedAt time.Time) POOrderedEvent {
	evt := POOrderedEvent{
		POID:       po.ID,
		Number:     po.Number,
		SupplierID: po.SupplierID,
		OrderedAt:  orderedAt,
	}
	for _, line := range po.Lines {
		evt.Lines = append(evt.Lines, POOrderedLine{ProductID: line.ProductID, OrderedQty: line.OrderedQty})
	}
	return evt
}

func toPOLines(poID int64, inputs []POLineInput) []POLine {
	lines := make([]POLine, 0, len(inputs))
	for _, in := range inputs {
		lines = append(lines, POLine{
			POID:       poID,
			ProductID:  in.ProductID,
			OrderedQty: in.OrderedQty,
			UnitPrice:  in.UnitPrice,
			BacklogQty: in.OrderedQty,
		})
	}
	return lines
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
