package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. GetPOForUpdate takes the PO
// row lock, serialising writers per aggregate.
type TxRepository interface {
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) error
	ReplacePOLines(ctx context.Context, poID int64, lines []POLine) error
	UpdatePOStage(ctx context.Context, id int64, stage POStage) error
	SetPOApprovalTimestamp(ctx context.Context, id int64, column string, at time.Time) error
	UpdatePOLineReceipt(ctx context.Context, lineID, receivedQty, backlogQty int64) error
	AppendWorkflow(ctx context.Context, entry WorkflowEntry) error
	GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	CreateReceiving(ctx context.Context, rec ReceivingRecord) (int64, error)
	InsertReceivingLine(ctx context.Context, line ReceivingLine) error
	ReplaceReceivingLines(ctx context.Context, receivingID int64, lines []ReceivingLine) error
	UpdateReceivingStatus(ctx context.Context, id int64, status ReceivingStatus) error
	SetReceivingQCRef(ctx context.Context, id, qcID int64) error
	DeleteReceiving(ctx context.Context, id int64) error
	SumReceivedByProduct(ctx context.Context, poID, excludeReceivingID int64) (map[int64]int64, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const poColumns = `id, number, supplier_id, stage, created_by, created_at,
COALESCE(approved_l1_at, 'epoch'), COALESCE(approved_final_at, 'epoch'), COALESCE(ordered_at, 'epoch'), remarks`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &po.Stage, &po.CreatedBy, &po.CreatedAt,
		&po.ApprovedL1At, &po.ApprovedFinalAt, &po.OrderedAt, &po.Remarks)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	return po, nil
}

func loadPOLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, poID int64) ([]POLine, error) {
	rows, err := q.Query(ctx, `SELECT id, po_id, product_id, ordered_qty, unit_price, received_qty, backlog_qty
FROM po_lines WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var line POLine
		var price decimal.Decimal
		if err := rows.Scan(&line.ID, &line.POID, &line.ProductID, &line.OrderedQty, &price, &line.ReceivedQty, &line.BacklogQty); err != nil {
			return nil, err
		}
		line.UnitPrice = price
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// GetPO returns the purchase order with projected lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanPO(r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadPOLines(ctx, r.pool, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// ListPOs returns a filtered page of purchase orders without lines.
func (r *Repository) ListPOs(ctx context.Context, limit, offset int, filters ListFilters) ([]PurchaseOrder, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argNum := 1
	if filters.Status != "" {
		where += fmt.Sprintf(` AND stage = ANY($%d)`, argNum)
		args = append(args, stagesForStatus(filters.Status))
		argNum++
	}
	if filters.SupplierID > 0 {
		where += fmt.Sprintf(` AND supplier_id = $%d`, argNum)
		args = append(args, filters.SupplierID)
		argNum++
	}
	if filters.Search != "" {
		where += fmt.Sprintf(` AND number ILIKE $%d`, argNum)
		args = append(args, "%"+filters.Search+"%")
		argNum++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `SELECT ` + poColumns + ` FROM purchase_orders` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argNum, argNum+1)
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var pos []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, 0, err
		}
		pos = append(pos, po)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return pos, total, nil
}

// stagesForStatus inverts the status derivation for filtering.
func stagesForStatus(status POStatus) []string {
	var stages []string
	for _, stage := range []POStage{
		StageDraft, StagePendingApproval, StageApprovedL1, StageApprovedFinal,
		StageOrdered, StagePartialReceived, StageReceived,
		StageQCPending, StageQCPassed, StageQCFailed,
		StageCompleted, StageCancelled, StageRejected,
	} {
		if StatusForStage(stage) == status {
			stages = append(stages, string(stage))
		}
	}
	return stages
}

// GetWorkflow returns the append-only workflow log, oldest first.
func (r *Repository) GetWorkflow(ctx context.Context, poID int64) ([]WorkflowEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, po_id, stage, action, actor_id, at, remarks, COALESCE(changes, 'null'::jsonb)
FROM po_workflow_log WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []WorkflowEntry
	for rows.Next() {
		var entry WorkflowEntry
		var changes []byte
		if err := rows.Scan(&entry.ID, &entry.POID, &entry.Stage, &entry.Action, &entry.ActorID, &entry.At, &entry.Remarks, &changes); err != nil {
			return nil, err
		}
		if len(changes) > 0 && string(changes) != "null" {
			_ = json.Unmarshal(changes, &entry.Changes)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

const receivingColumns = `id, po_id, invoice_number, invoice_date, invoice_amount, status, COALESCE(qc_record_id, 0), created_by, created_at`

func scanReceiving(row pgx.Row) (ReceivingRecord, error) {
	var rec ReceivingRecord
	var amount decimal.Decimal
	err := row.Scan(&rec.ID, &rec.POID, &rec.InvoiceNumber, &rec.InvoiceDate, &amount, &rec.Status, &rec.QCRecordID, &rec.CreatedBy, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReceivingRecord{}, ErrNotFound
		}
		return ReceivingRecord{}, err
	}
	rec.InvoiceAmount = amount
	return rec, nil
}

func loadReceivingLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, receivingID int64) ([]ReceivingLine, error) {
	rows, err := q.Query(ctx, `SELECT id, receiving_id, product_id, ordered_qty, received_qty, batch_number,
COALESCE(mfg_date, 'epoch'), COALESCE(exp_date, 'epoch'), status
FROM receiving_lines WHERE receiving_id=$1 ORDER BY id`, receivingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []ReceivingLine
	for rows.Next() {
		var line ReceivingLine
		if err := rows.Scan(&line.ID, &line.ReceivingID, &line.ProductID, &line.OrderedQty, &line.ReceivedQty,
			&line.BatchNumber, &line.MfgDate, &line.ExpDate, &line.Status); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// GetReceiving returns one receiving record with lines.
func (r *Repository) GetReceiving(ctx context.Context, id int64) (ReceivingRecord, error) {
	rec, err := scanReceiving(r.pool.QueryRow(ctx, `SELECT `+receivingColumns+` FROM receiving_records WHERE id=$1`, id))
	if err != nil {
		return ReceivingRecord{}, err
	}
	rec.Lines, err = loadReceivingLines(ctx, r.pool, id)
	if err != nil {
		return ReceivingRecord{}, err
	}
	return rec, nil
}

// ListReceivingsForPO returns every receiving record for a PO, oldest first.
func (r *Repository) ListReceivingsForPO(ctx context.Context, poID int64) ([]ReceivingRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+receivingColumns+` FROM receiving_records WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []ReceivingRecord
	for rows.Next() {
		rec, err := scanReceiving(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Lines, err = loadReceivingLines(ctx, r.pool, records[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// ListActivePOIDs returns identifiers of orders still moving through the
// pipeline, for the reconciliation job.
func (r *Repository) ListActivePOIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM purchase_orders WHERE stage NOT IN ('COMPLETED','CANCELLED','REJECTED') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (tx *txRepo) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanPO(tx.tx.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadPOLines(ctx, tx.tx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (tx *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, stage, created_by, remarks, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`, po.Number, po.SupplierID, po.Stage, po.CreatedBy, po.Remarks).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertPOLine(ctx context.Context, line POLine) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO po_lines (po_id, product_id, ordered_qty, unit_price, received_qty, backlog_qty)
VALUES ($1,$2,$3,$4,$5,$6)`, line.POID, line.ProductID, line.OrderedQty, line.UnitPrice, line.ReceivedQty, line.BacklogQty)
	return err
}

func (tx *txRepo) ReplacePOLines(ctx context.Context, poID int64, lines []POLine) error {
	if _, err := tx.tx.Exec(ctx, `DELETE FROM po_lines WHERE po_id=$1`, poID); err != nil {
		return err
	}
	for _, line := range lines {
		if err := tx.InsertPOLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txRepo) UpdatePOStage(ctx context.Context, id int64, stage POStage) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET stage=$1 WHERE id=$2`, stage, id)
	return err
}

func (tx *txRepo) SetPOApprovalTimestamp(ctx context.Context, id int64, column string, at time.Time) error {
	switch column {
	case "approved_l1_at", "approved_final_at", "ordered_at":
	default:
		return fmt.Errorf("procurement: unknown approval column %q", column)
	}
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET `+column+`=$1 WHERE id=$2`, at, id)
	return err
}

func (tx *txRepo) UpdatePOLineReceipt(ctx context.Context, lineID, receivedQty, backlogQty int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE po_lines SET received_qty=$1, backlog_qty=$2 WHERE id=$3`, receivedQty, backlogQty, lineID)
	return err
}

func (tx *txRepo) AppendWorkflow(ctx context.Context, entry WorkflowEntry) error {
	var changes any
	if entry.Changes != nil {
		data, err := json.Marshal(entry.Changes)
		if err != nil {
			return err
		}
		changes = data
	}
	_, err := tx.tx.Exec(ctx, `INSERT INTO po_workflow_log (po_id, stage, action, actor_id, at, remarks, changes)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, entry.POID, entry.Stage, entry.Action, entry.ActorID, entry.At, entry.Remarks, changes)
	return err
}

func (tx *txRepo) CreateReceiving(ctx context.Context, rec ReceivingRecord) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO receiving_records (po_id, invoice_number, invoice_date, invoice_amount, status, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id`,
		rec.POID, rec.InvoiceNumber, rec.InvoiceDate, rec.InvoiceAmount, rec.Status, rec.CreatedBy).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertReceivingLine(ctx context.Context, line ReceivingLine) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO receiving_lines (receiving_id, product_id, ordered_qty, received_qty, batch_number, mfg_date, exp_date, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		line.ReceivingID, line.ProductID, line.OrderedQty, line.ReceivedQty, line.BatchNumber,
		nullTime(line.MfgDate), nullTime(line.ExpDate), line.Status)
	return err
}

func (tx *txRepo) ReplaceReceivingLines(ctx context.Context, receivingID int64, lines []ReceivingLine) error {
	if _, err := tx.tx.Exec(ctx, `DELETE FROM receiving_lines WHERE receiving_id=$1`, receivingID); err != nil {
		return err
	}
	for _, line := range lines {
		if err := tx.InsertReceivingLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txRepo) UpdateReceivingStatus(ctx context.Context, id int64, status ReceivingStatus) error {
	_, err := tx.tx.Exec(ctx, `UPDATE receiving_records SET status=$1 WHERE id=$2`, status, id)
	return err
}

func (tx *txRepo) SetReceivingQCRef(ctx context.Context, id, qcID int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE receiving_records SET qc_record_id=$1 WHERE id=$2`, qcID, id)
	return err
}

func (tx *txRepo) DeleteReceiving(ctx context.Context, id int64) error {
	if _, err := tx.tx.Exec(ctx, `DELETE FROM receiving_lines WHERE receiving_id=$1`, id); err != nil {
		return err
	}
	_, err := tx.tx.Exec(ctx, `DELETE FROM receiving_records WHERE id=$1`, id)
	return err
}

func (tx *txRepo) SumReceivedByProduct(ctx context.Context, poID, excludeReceivingID int64) (map[int64]int64, error) {
	rows, err := tx.tx.Query(ctx, `SELECT l.product_id, COALESCE(SUM(l.received_qty),0)
FROM receiving_lines l
JOIN receiving_records r ON r.id = l.receiving_id
WHERE r.po_id=$1 AND r.status <> 'DRAFT' AND ($2 = 0 OR r.id <> $2)
GROUP BY l.product_id`, poID, excludeReceivingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sums := make(map[int64]int64)
	for rows.Next() {
		var productID, qty int64
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		sums[productID] = qty
	}
	return sums, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
