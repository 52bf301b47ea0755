package quality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pharmaflow/pharmaflow/internal/procurement"
	"github.com/pharmaflow/pharmaflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, id int64) (Record, error)
	GetRecordByReceiving(ctx context.Context, receivingID int64) (Record, error)
	ListRecords(ctx context.Context, limit, offset int, status RecordStatus) ([]Record, int, error)
	GetApproval(ctx context.Context, id int64) (Approval, error)
	ListApprovals(ctx context.Context, limit, offset int, status ApprovalStatus) ([]Approval, int, error)
}

// ProcurementPort drives the upstream purchase order and receiving chain.
type ProcurementPort interface {
	MarkQCPassed(ctx context.Context, poID int64) error
	RejectReceivingChain(ctx context.Context, receivingID int64) error
	CompleteReceivingChain(ctx context.Context, receivingID int64) error
}

// InventoryPort posts accepted batches into stock. Called inside the final
// approval transaction so a failed posting aborts the completion; the
// implementation commits per batch and must be replay-safe per approval,
// because a completion that fails after posting is retried.
type InventoryPort interface {
	CreateFromApproval(ctx context.Context, evt ApprovalCompletedEvent) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the quality control gate and the warehouse approval that
// follows it. Both live in one package so QC approval and warehouse record
// creation commit in one transaction.
type Service struct {
	repo        RepositoryPort
	procurement ProcurementPort
	inventory   InventoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	levels      int
}

// ServiceConfig groups policy parameters.
type ServiceConfig struct {
	// ApprovalLevels is the number of manager levels required to complete a
	// warehouse approval. Level 1 must always be recorded.
	ApprovalLevels int
}

// NewService constructs the quality service.
func NewService(repo RepositoryPort, proc ProcurementPort, inv InventoryPort, audit AuditPort, idem *shared.IdempotencyStore, cfg ServiceConfig) *Service {
	levels := cfg.ApprovalLevels
	if levels <= 0 {
		levels = 2
	}
	return &Service{
		repo:        repo,
		procurement: proc,
		inventory:   inv,
		audit:       audit,
		idempotency: idem,
		levels:      levels,
	}
}

// CreateFromReceiving materialises a quality control record for a submitted
// receiving: one product entry per delivered batch, one pending item detail
// per physical unit received. A receiving that already has a record resolves
// to it, so a submit retried after a downstream failure cannot open a
// duplicate inspection.
func (s *Service) CreateFromReceiving(ctx context.Context, evt procurement.ReceivingSubmittedEvent) (int64, error) {
	existing, err := s.repo.GetRecordByReceiving(ctx, evt.ReceivingID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	rec := Record{
		ReceivingID:   evt.ReceivingID,
		POID:          evt.POID,
		InvoiceNumber: evt.InvoiceNumber,
		Status:        RecordPending,
		OverallResult: ProductPending,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		qcID, err := tx.CreateRecord(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = qcID
		for idx, line := range evt.Lines {
			product := Product{
				QCID:          qcID,
				Idx:           idx,
				CatalogueID:   line.ProductID,
				BatchNumber:   line.BatchNumber,
				ReceivedQty:   line.ReceivedQty,
				OverallStatus: ProductPending,
				MfgDate:       line.MfgDate,
				ExpDate:       line.ExpDate,
				UnitCost:      line.UnitPrice,
			}
			productID, err := tx.InsertProduct(ctx, product)
			if err != nil {
				return err
			}
			for unit := int64(0); unit < line.ReceivedQty; unit++ {
				if err := tx.InsertItem(ctx, Item{ProductID: productID, Idx: int(unit), Status: ItemPending}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// RecordItemResult sets one unit's inspection outcome and recomputes the
// product summary, pass/fail counts, product status and record-level result.
func (s *Service) RecordItemResult(ctx context.Context, qcID int64, productIdx, itemIdx int, status ItemStatus, reasons []string, actorID int64) error {
	if status != ItemPassed && status != ItemFailed {
		return fmt.Errorf("%w: item status must be PASSED or FAILED", ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetRecordForUpdate(ctx, qcID)
		if err != nil {
			return err
		}
		if rec.Status != RecordPending && rec.Status != RecordInProgress {
			return invalidState("qc record", rec.ID, rec.Status)
		}
		if productIdx < 0 || productIdx >= len(rec.Products) {
			return fmt.Errorf("%w: product index %d out of range", ErrNotFound, productIdx)
		}
		product := &rec.Products[productIdx]
		if itemIdx < 0 || itemIdx >= len(product.Items) {
			return fmt.Errorf("%w: item index %d out of range", ErrNotFound, itemIdx)
		}
		item := &product.Items[itemIdx]
		item.Status = status
		item.Reasons = reasons
		if err := tx.UpdateItem(ctx, item.ID, status, reasons); err != nil {
			return err
		}
		if err := s.recomputeProduct(ctx, tx, product); err != nil {
			return err
		}
		next := rec.Status
		if next == RecordPending {
			next = RecordInProgress
		}
		return tx.UpdateRecordStatus(ctx, rec.ID, next, reduceProducts(rec.Products))
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "QC_ITEM_RESULT", qcID, map[string]any{"product": productIdx, "item": itemIdx, "status": status})
	return nil
}

// SubmitForApproval freezes a fully inspected record for the manager
// decision. Any pending unit fails the submission.
func (s *Service) SubmitForApproval(ctx context.Context, qcID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetRecordForUpdate(ctx, qcID)
		if err != nil {
			return err
		}
		if rec.Status != RecordPending && rec.Status != RecordInProgress {
			return invalidState("qc record", rec.ID, rec.Status)
		}
		for _, product := range rec.Products {
			for _, item := range product.Items {
				if item.Status == ItemPending {
					return fmt.Errorf("%w: product %d unit %d not inspected", ErrIncompleteSubmission, product.CatalogueID, item.Idx)
				}
			}
		}
		return tx.UpdateRecordStatus(ctx, rec.ID, RecordPendingApproval, reduceProducts(rec.Products))
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "QC_SUBMIT", qcID, nil)
	return nil
}

// ApproveRecord is the QC manager's terminal accept: the record completes and
// a warehouse approval is seeded, in one transaction, with every passed or
// partially passed product carrying its passed quantity forward.
func (s *Service) ApproveRecord(ctx context.Context, qcID, actorID int64, remarks string) error {
	var approvalID int64
	var poID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetRecordForUpdate(ctx, qcID)
		if err != nil {
			return err
		}
		if rec.Status != RecordPendingApproval {
			return invalidState("qc record", rec.ID, rec.Status)
		}
		if err := tx.UpdateRecordStatus(ctx, rec.ID, RecordCompleted, reduceProducts(rec.Products)); err != nil {
			return err
		}
		approval := Approval{
			QCRecordID:    rec.ID,
			ReceivingID:   rec.ReceivingID,
			POID:          rec.POID,
			Status:        ApprovalInProgress,
			OverallResult: ResultPending,
		}
		approvalID, err = tx.CreateApproval(ctx, approval)
		if err != nil {
			return err
		}
		seeded := 0
		for _, product := range rec.Products {
			if product.OverallStatus != ProductPassed && product.OverallStatus != ProductPartialPass {
				continue
			}
			if err := tx.InsertApprovalProduct(ctx, ApprovalProduct{
				ApprovalID:  approvalID,
				Idx:         seeded,
				CatalogueID: product.CatalogueID,
				BatchNumber: product.BatchNumber,
				CarriedQty:  product.PassedQty,
				Decision:    DecisionPending,
				MfgDate:     product.MfgDate,
				ExpDate:     product.ExpDate,
				UnitCost:    product.UnitCost,
			}); err != nil {
				return err
			}
			seeded++
		}
		if seeded == 0 {
			return fmt.Errorf("%w: no passed quantity to carry forward", ErrValidation)
		}
		poID = rec.POID
		return nil
	})
	if err != nil {
		return err
	}
	if s.procurement != nil {
		if err := s.procurement.MarkQCPassed(ctx, poID); err != nil {
			// Tolerated: a later receiving may already have moved the PO on.
			var forbidden *procurement.ForbiddenTransitionError
			if !errors.As(err, &forbidden) {
				return err
			}
		}
	}
	s.recordAudit(ctx, actorID, "QC_APPROVE", qcID, map[string]any{"approval_id": approvalID, "remarks": remarks})
	return nil
}

// RejectRecord is the QC manager's terminal refusal: the record and its
// parent receiving chain are rejected, no warehouse approval is created.
func (s *Service) RejectRecord(ctx context.Context, qcID, actorID int64, remarks string) error {
	var receivingID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetRecordForUpdate(ctx, qcID)
		if err != nil {
			return err
		}
		if rec.Status != RecordPendingApproval {
			return invalidState("qc record", rec.ID, rec.Status)
		}
		receivingID = rec.ReceivingID
		return tx.UpdateRecordStatus(ctx, rec.ID, RecordRejected, reduceProducts(rec.Products))
	})
	if err != nil {
		return err
	}
	if s.procurement != nil {
		if err := s.procurement.RejectReceivingChain(ctx, receivingID); err != nil {
			return err
		}
	}
	s.recordAudit(ctx, actorID, "QC_REJECT", qcID, map[string]any{"remarks": remarks})
	return nil
}

// GetRecord returns one quality control record with products and items.
func (s *Service) GetRecord(ctx context.Context, qcID int64) (Record, error) {
	return s.repo.GetRecord(ctx, qcID)
}

// GetRecordByReceiving resolves the record opened for a receiving.
func (s *Service) GetRecordByReceiving(ctx context.Context, receivingID int64) (Record, error) {
	return s.repo.GetRecordByReceiving(ctx, receivingID)
}

// ListRecords returns a page of records, optionally filtered by status.
func (s *Service) ListRecords(ctx context.Context, limit, offset int, status RecordStatus) ([]Record, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListRecords(ctx, limit, offset, status)
}

// CheckInput is the warehouse verdict on one product.
type CheckInput struct {
	Decision    Decision
	ApprovedQty int64
	WarehouseID int64
	Location    string
	Conditions  string
}

// RecordWarehouseCheck stores the warehouse decision for one product.
// Approved takes the full carried quantity, rejected takes zero, partial
// requires an explicit quantity within (0, carried]. When the last product is
// decided the record advances to pending manager approval.
func (s *Service) RecordWarehouseCheck(ctx context.Context, approvalID int64, productIdx int, input CheckInput, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		approval, err := tx.GetApprovalForUpdate(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Status != ApprovalInProgress {
			return invalidState("warehouse approval", approval.ID, approval.Status)
		}
		if productIdx < 0 || productIdx >= len(approval.Products) {
			return fmt.Errorf("%w: product index %d out of range", ErrNotFound, productIdx)
		}
		product := &approval.Products[productIdx]
		switch input.Decision {
		case DecisionApproved:
			product.ApprovedQty = product.CarriedQty
		case DecisionRejected:
			product.ApprovedQty = 0
		case DecisionPartialApproved:
			if input.ApprovedQty <= 0 || input.ApprovedQty > product.CarriedQty {
				return fmt.Errorf("%w: partial approval of %d outside (0, %d]", ErrInvalidQuantity, input.ApprovedQty, product.CarriedQty)
			}
			product.ApprovedQty = input.ApprovedQty
		default:
			return fmt.Errorf("%w: unknown decision %q", ErrValidation, input.Decision)
		}
		product.Decision = input.Decision
		product.WarehouseID = input.WarehouseID
		product.Location = input.Location
		product.Conditions = input.Conditions
		if err := tx.UpdateApprovalProduct(ctx, *product); err != nil {
			return err
		}
		result := reduceDecisions(approval.Products)
		if result == ResultPending {
			return nil
		}
		return tx.UpdateApprovalStatus(ctx, approval.ID, ApprovalPendingManager, result)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "WAREHOUSE_CHECK", approvalID, map[string]any{"product": productIdx, "decision": input.Decision})
	return nil
}

// RecordManagerAction appends one manager sign-off event. An approval at the
// final level completes the record and posts every accepted batch into stock;
// a rejection at any level rejects the record and its receiving chain.
func (s *Service) RecordManagerAction(ctx context.Context, approvalID int64, level int, action ManagerActionType, actorID int64, remarks string) error {
	if action != ManagerApprove && action != ManagerReject {
		return fmt.Errorf("%w: unknown manager action %q", ErrValidation, action)
	}
	if level < 1 || level > s.levels {
		return fmt.Errorf("%w: level must be within [1, %d]", ErrValidation, s.levels)
	}

	var completed *ApprovalCompletedEvent
	var rejectedReceiving int64
	idemKey := fmt.Sprintf("WAREHOUSE:%d:POST", approvalID)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		approval, err := tx.GetApprovalForUpdate(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Status != ApprovalPendingManager {
			return invalidState("warehouse approval", approval.ID, approval.Status)
		}
		now := time.Now().UTC()
		entry := ManagerAction{
			ApprovalID: approvalID,
			Level:      level,
			Action:     action,
			ActorID:    actorID,
			At:         now,
			Remarks:    remarks,
		}
		if err := tx.InsertManagerAction(ctx, entry); err != nil {
			return err
		}
		approval.Actions = append(approval.Actions, entry)

		if action == ManagerReject {
			rejectedReceiving = approval.ReceivingID
			return tx.UpdateApprovalStatus(ctx, approval.ID, ApprovalRejected, approval.OverallResult)
		}
		if level < s.levels {
			return nil
		}
		if !hasLevelOneApproval(approval.Actions) {
			return fmt.Errorf("%w: level-1 approval not recorded", ErrIncompleteSubmission)
		}

		// The key marks that a posting attempt reached inventory. It is
		// never rolled back: the inward posting commits outside this
		// transaction and skips batches already on the ledger, so a retry
		// must be allowed past the marker.
		if s.idempotency != nil {
			if err := s.idempotency.CheckAndInsert(ctx, idemKey, "quality.warehouse"); err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
				return err
			}
		}
		evt := ApprovalCompletedEvent{
			ApprovalID:  approval.ID,
			QCRecordID:  approval.QCRecordID,
			ReceivingID: approval.ReceivingID,
			POID:        approval.POID,
			ActorID:     actorID,
			ApprovedAt:  now,
		}
		for _, product := range approval.Products {
			if product.ApprovedQty <= 0 {
				continue
			}
			evt.Batches = append(evt.Batches, ApprovedBatch{
				ProductID:   product.CatalogueID,
				BatchNumber: product.BatchNumber,
				Qty:         product.ApprovedQty,
				WarehouseID: product.WarehouseID,
				Location:    product.Location,
				Conditions:  product.Conditions,
				MfgDate:     product.MfgDate,
				ExpDate:     product.ExpDate,
				UnitCost:    product.UnitCost,
			})
		}
		if s.inventory != nil && len(evt.Batches) > 0 {
			if err := s.inventory.CreateFromApproval(ctx, evt); err != nil {
				return err
			}
		}
		if err := tx.SetFinalApproval(ctx, approval.ID, now); err != nil {
			return err
		}
		if err := tx.UpdateApprovalStatus(ctx, approval.ID, ApprovalCompleted, approval.OverallResult); err != nil {
			return err
		}
		completed = &evt
		return nil
	})
	if err != nil {
		return err
	}

	if rejectedReceiving != 0 && s.procurement != nil {
		if err := s.procurement.RejectReceivingChain(ctx, rejectedReceiving); err != nil {
			return err
		}
	}
	if completed != nil && s.procurement != nil {
		if err := s.procurement.CompleteReceivingChain(ctx, completed.ReceivingID); err != nil {
			return err
		}
	}
	s.recordAudit(ctx, actorID, "WAREHOUSE_MANAGER_ACTION", approvalID, map[string]any{"level": level, "action": action})
	return nil
}

// GetApproval returns one warehouse approval with products and actions.
func (s *Service) GetApproval(ctx context.Context, approvalID int64) (Approval, error) {
	return s.repo.GetApproval(ctx, approvalID)
}

// ListApprovals returns a page of approvals, optionally filtered by status.
func (s *Service) ListApprovals(ctx context.Context, limit, offset int, status ApprovalStatus) ([]Approval, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListApprovals(ctx, limit, offset, status)
}

// recomputeProduct rebuilds the derived fields after an item mutation.
func (s *Service) recomputeProduct(ctx context.Context, tx TxRepository, product *Product) error {
	passed, failed := int64(0), int64(0)
	for _, item := range product.Items {
		switch item.Status {
		case ItemPassed:
			passed++
		case ItemFailed:
			failed++
		}
	}
	product.PassedQty = passed
	product.FailedQty = failed
	product.OverallStatus = reduceItems(product.Items)
	product.Summary = summarize(product.Items)
	return tx.UpdateProduct(ctx, *product)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "quality", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func hasLevelOneApproval(actions []ManagerAction) bool {
	for _, action := range actions {
		if action.Level == 1 && action.Action == ManagerApprove {
			return true
		}
	}
	return false
}
