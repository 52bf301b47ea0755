package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow/internal/shared"
)

// SubmitReceivingInput describes one delivery event against a purchase order.
type SubmitReceivingInput struct {
	POID          int64
	InvoiceNumber string
	InvoiceDate   time.Time
	InvoiceAmount decimal.Decimal
	CreatedBy     int64
	Lines         []ReceivingLineInput
}

// ReceivingLineInput is one received batch. Zero quantities are accepted and
// logged to document non-delivery of an ordered line.
type ReceivingLineInput struct {
	ProductID   int64
	ReceivedQty int64
	BatchNumber string
	MfgDate     time.Time
	ExpDate     time.Time
}

// receivableStages admit new delivery events. Deliveries keep arriving while
// quality control of earlier ones progresses.
func receivable(stage POStage) bool {
	return ActionAllowed(stage, ActionReceive)
}

// SubmitReceiving validates a delivery against cumulative tolerance and
// persists it as a draft record; the PO projection is recomputed in the same
// transaction.
func (s *Service) SubmitReceiving(ctx context.Context, input SubmitReceivingInput) (ReceivingRecord, error) {
	if len(input.Lines) == 0 {
		return ReceivingRecord{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	po, err := s.repo.GetPO(ctx, input.POID)
	if err != nil {
		return ReceivingRecord{}, err
	}
	if !receivable(po.Stage) {
		return ReceivingRecord{}, fmt.Errorf("%w: po %d status %s", ErrInvalidPOState, po.ID, po.Status())
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 {
			return ReceivingRecord{}, fmt.Errorf("%w: product reference required", ErrValidation)
		}
		if line.ReceivedQty < 0 {
			return ReceivingRecord{}, fmt.Errorf("%w: received qty must be >= 0 for product %d", ErrInvalidQuantity, line.ProductID)
		}
		if line.ReceivedQty > 0 && line.BatchNumber == "" {
			return ReceivingRecord{}, fmt.Errorf("%w: batch number required for product %d", ErrValidation, line.ProductID)
		}
	}

	rec := ReceivingRecord{
		POID:          input.POID,
		InvoiceNumber: input.InvoiceNumber,
		InvoiceDate:   defaultTime(input.InvoiceDate),
		InvoiceAmount: input.InvoiceAmount,
		Status:        ReceivingDraft,
		CreatedBy:     input.CreatedBy,
	}
	if rec.InvoiceNumber == "" {
		rec.InvoiceNumber = generateNumber("INV")
	}
	if rec.InvoiceAmount.IsZero() {
		rec.InvoiceAmount = invoiceAmountFromLines(po, input.Lines)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetPOForUpdate(ctx, input.POID)
		if err != nil {
			return err
		}
		if err := s.checkTolerance(ctx, tx, locked, input.Lines, 0); err != nil {
			return err
		}
		recID, err := tx.CreateReceiving(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = recID
		ordered := orderedByProduct(locked)
		for _, line := range input.Lines {
			l := ReceivingLine{
				ReceivingID: recID,
				ProductID:   line.ProductID,
				OrderedQty:  ordered[line.ProductID],
				ReceivedQty: line.ReceivedQty,
				BatchNumber: line.BatchNumber,
				MfgDate:     line.MfgDate,
				ExpDate:     line.ExpDate,
				Status:      lineStatus(line.ReceivedQty),
			}
			if err := tx.InsertReceivingLine(ctx, l); err != nil {
				return err
			}
			rec.Lines = append(rec.Lines, l)
		}
		return s.recomputeLocked(ctx, tx, input.POID)
	})
	if err != nil {
		return ReceivingRecord{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "RECEIVING_CREATE", rec.ID, map[string]any{"po_id": input.POID, "invoice": rec.InvoiceNumber})
	return rec, nil
}

// UpdateReceiving replaces the lines of a draft record and re-runs tolerance
// validation and the PO projection. Submission freezes the lines: quality
// control materialises one inspection item per received unit, so changing
// quantities afterwards would desync the two.
func (s *Service) UpdateReceiving(ctx context.Context, receivingID int64, lines []ReceivingLineInput, actorID int64) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	rec, err := s.repo.GetReceiving(ctx, receivingID)
	if err != nil {
		return err
	}
	if rec.Status != ReceivingDraft {
		return ErrReceivingImmutable
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, rec.POID)
		if err != nil {
			return err
		}
		if err := s.checkTolerance(ctx, tx, po, lines, receivingID); err != nil {
			return err
		}
		ordered := orderedByProduct(po)
		replacement := make([]ReceivingLine, 0, len(lines))
		for _, line := range lines {
			if line.ProductID == 0 || line.ReceivedQty < 0 {
				return fmt.Errorf("%w: product and non-negative qty required", ErrInvalidQuantity)
			}
			replacement = append(replacement, ReceivingLine{
				ReceivingID: receivingID,
				ProductID:   line.ProductID,
				OrderedQty:  ordered[line.ProductID],
				ReceivedQty: line.ReceivedQty,
				BatchNumber: line.BatchNumber,
				MfgDate:     line.MfgDate,
				ExpDate:     line.ExpDate,
				Status:      lineStatus(line.ReceivedQty),
			})
		}
		if err := tx.ReplaceReceivingLines(ctx, receivingID, replacement); err != nil {
			return err
		}
		return s.recomputeLocked(ctx, tx, rec.POID)
	})
}

// DeleteReceiving removes a draft record and recomputes the PO projection.
func (s *Service) DeleteReceiving(ctx context.Context, receivingID, actorID int64) error {
	rec, err := s.repo.GetReceiving(ctx, receivingID)
	if err != nil {
		return err
	}
	if rec.Status != ReceivingDraft {
		return ErrReceivingImmutable
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetPOForUpdate(ctx, rec.POID); err != nil {
			return err
		}
		if err := tx.DeleteReceiving(ctx, receivingID); err != nil {
			return err
		}
		return s.recomputeLocked(ctx, tx, rec.POID)
	})
}

// SubmitReceivingRecord moves a draft to submitted, revalidates tolerance now
// that its quantities join the non-draft pool, and opens quality control. The
// QC record creation is guarded by an idempotency key so a replayed submit
// cannot open a duplicate inspection.
func (s *Service) SubmitReceivingRecord(ctx context.Context, receivingID, actorID int64) error {
	rec, err := s.repo.GetReceiving(ctx, receivingID)
	if err != nil {
		return err
	}
	if rec.Status != ReceivingDraft {
		return fmt.Errorf("%w: receiving %d is %s", ErrInvalidPOState, rec.ID, rec.Status)
	}
	// The key only marks that a submit attempt started. It is never rolled
	// back: quality resolves a receiving that already has a record to the
	// existing one, so a retry past the marker stays duplicate-free.
	key := fmt.Sprintf("RECEIVING:%d:SUBMIT", receivingID)
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "procurement.receiving"); err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return err
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, rec.POID)
		if err != nil {
			return err
		}
		if err := s.checkTolerance(ctx, tx, po, nil, receivingID); err != nil {
			return err
		}
		if err := tx.UpdateReceivingStatus(ctx, receivingID, ReceivingSubmitted); err != nil {
			return err
		}
		if s.quality != nil {
			qcID, err := s.quality.CreateFromReceiving(ctx, buildSubmittedEvent(rec, po))
			if err != nil {
				return err
			}
			if err := tx.SetReceivingQCRef(ctx, receivingID, qcID); err != nil {
				return err
			}
		}
		if ActionAllowed(po.Stage, ActionQCStart) {
			if err := tx.UpdatePOStage(ctx, rec.POID, StageQCPending); err != nil {
				return err
			}
			if err := tx.AppendWorkflow(ctx, WorkflowEntry{
				POID:    rec.POID,
				Stage:   StageQCPending,
				Action:  ActionQCStart,
				ActorID: actorID,
				At:      time.Now().UTC(),
				Remarks: fmt.Sprintf("quality control opened for receiving %d", receivingID),
			}); err != nil {
				return err
			}
		}
		return s.recomputeLocked(ctx, tx, rec.POID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "RECEIVING_SUBMIT", receivingID, map[string]any{"po_id": rec.POID})
	return nil
}

// GetReceiving returns one receiving record with lines.
func (s *Service) GetReceiving(ctx context.Context, receivingID int64) (ReceivingRecord, error) {
	return s.repo.GetReceiving(ctx, receivingID)
}

// ListReceivings returns every receiving record for a purchase order.
func (s *Service) ListReceivings(ctx context.Context, poID int64) ([]ReceivingRecord, error) {
	if _, err := s.repo.GetPO(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.ListReceivingsForPO(ctx, poID)
}

// RecomputePOReceipts rebuilds the PO's received/backlog projection from the
// receiving records. Idempotent; also run standalone by the reconciliation
// job to repair drift.
func (s *Service) RecomputePOReceipts(ctx context.Context, poID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetPOForUpdate(ctx, poID); err != nil {
			return err
		}
		return s.recomputeLocked(ctx, tx, poID)
	})
}

// ReconcileAll recomputes every active purchase order, used by the scheduled
// repair job.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	ids, err := s.repo.ListActivePOIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.RecomputePOReceipts(ctx, id); err != nil {
			return 0, fmt.Errorf("reconcile po %d: %w", id, err)
		}
	}
	return len(ids), nil
}

// checkTolerance enforces the cumulative receipt ceiling per product: sums of
// non-draft records for the PO, excluding excludeID, plus the candidate lines,
// must stay within orderedQty x (1 + tolerance). Batches of the same product
// within one submission are summed. Products absent from the order are
// rejected outright.
func (s *Service) checkTolerance(ctx context.Context, tx TxRepository, po PurchaseOrder, candidate []ReceivingLineInput, excludeID int64) error {
	committed, err := tx.SumReceivedByProduct(ctx, po.ID, excludeID)
	if err != nil {
		return err
	}
	pending := make(map[int64]int64, len(candidate))
	for _, line := range candidate {
		pending[line.ProductID] += line.ReceivedQty
	}
	if excludeID != 0 && candidate == nil {
		rec, err := s.repo.GetReceiving(ctx, excludeID)
		if err != nil {
			return err
		}
		for _, line := range rec.Lines {
			pending[line.ProductID] += line.ReceivedQty
		}
	}
	ordered := orderedByProduct(po)
	for productID, qty := range pending {
		orderedQty, ok := ordered[productID]
		if !ok {
			return fmt.Errorf("%w: product %d is not on purchase order %d", ErrValidation, productID, po.ID)
		}
		cumulative := committed[productID] + qty
		limit := float64(orderedQty) * (1 + s.tolerance)
		if float64(cumulative) > limit+1e-9 {
			return &OverReceiptError{
				ProductID:     productID,
				OrderedQty:    orderedQty,
				CumulativeQty: cumulative,
				Tolerance:     s.tolerance,
			}
		}
	}
	return nil
}

// recomputeLocked projects received/backlog quantities onto the PO lines and
// derives the receipt stage. Caller must hold the PO row lock.
func (s *Service) recomputeLocked(ctx context.Context, tx TxRepository, poID int64) error {
	po, err := tx.GetPOForUpdate(ctx, poID)
	if err != nil {
		return err
	}
	received, err := tx.SumReceivedByProduct(ctx, poID, 0)
	if err != nil {
		return err
	}
	anyReceived := false
	allFilled := true
	for _, line := range po.Lines {
		got := received[line.ProductID]
		backlog := line.OrderedQty - got
		if backlog < 0 {
			backlog = 0
		}
		if got > 0 {
			anyReceived = true
		}
		if backlog > 0 {
			allFilled = false
		}
		if got != line.ReceivedQty || backlog != line.BacklogQty {
			if err := tx.UpdatePOLineReceipt(ctx, line.ID, got, backlog); err != nil {
				return err
			}
		}
	}
	var target POStage
	switch {
	case allFilled && anyReceived:
		target = StageReceived
	case anyReceived:
		target = StagePartialReceived
	default:
		return nil
	}
	if target == po.Stage || !receivable(po.Stage) {
		return nil
	}
	// QC stages outrank plain receipt stages; a new delivery reopens them
	// via its own submission, not here.
	if po.Stage == StageQCPending || po.Stage == StageQCPassed || po.Stage == StageQCFailed {
		return nil
	}
	if err := tx.UpdatePOStage(ctx, poID, target); err != nil {
		return err
	}
	return tx.AppendWorkflow(ctx, WorkflowEntry{
		POID:    poID,
		Stage:   target,
		Action:  ActionReceive,
		At:      time.Now().UTC(),
		Remarks: "receipt projection updated",
	})
}

// fullyReceived reports whether every line's backlog is zero with at least
// one unit received.
func (s *Service) fullyReceived(ctx context.Context, tx TxRepository, poID int64) (bool, error) {
	po, err := tx.GetPOForUpdate(ctx, poID)
	if err != nil {
		return false, err
	}
	received, err := tx.SumReceivedByProduct(ctx, poID, 0)
	if err != nil {
		return false, err
	}
	any := false
	for _, line := range po.Lines {
		got := received[line.ProductID]
		if got < line.OrderedQty {
			return false, nil
		}
		if got > 0 {
			any = true
		}
	}
	return any, nil
}

func orderedByProduct(po PurchaseOrder) map[int64]int64 {
	out := make(map[int64]int64, len(po.Lines))
	for _, line := range po.Lines {
		out[line.ProductID] += line.OrderedQty
	}
	return out
}

func invoiceAmountFromLines(po PurchaseOrder, lines []ReceivingLineInput) decimal.Decimal {
	price := make(map[int64]decimal.Decimal, len(po.Lines))
	for _, l := range po.Lines {
		price[l.ProductID] = l.UnitPrice
	}
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(price[line.ProductID].Mul(decimal.NewFromInt(line.ReceivedQty)))
	}
	return total
}

func lineStatus(qty int64) ReceivingLineStatus {
	if qty == 0 {
		return LineNotDelivered
	}
	return LineReceived
}

func buildSubmittedEvent(rec ReceivingRecord, po PurchaseOrder) ReceivingSubmittedEvent {
	evt := ReceivingSubmittedEvent{
		ReceivingID:   rec.ID,
		POID:          rec.POID,
		InvoiceNumber: rec.InvoiceNumber,
	}
	price := make(map[int64]decimal.Decimal, len(po.Lines))
	for _, l := range po.Lines {
		price[l.ProductID] = l.UnitPrice
	}
	for _, line := range rec.Lines {
		if line.ReceivedQty == 0 {
			continue
		}
		evt.Lines = append(evt.Lines, ReceivingLineEvent{
			ProductID:   line.ProductID,
			ReceivedQty: line.ReceivedQty,
			BatchNumber: line.BatchNumber,
			MfgDate:     line.MfgDate,
			ExpDate:     line.ExpDate,
			UnitPrice:   price[line.ProductID],
		})
	}
	return evt
}

func defaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}
