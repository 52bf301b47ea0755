package quality

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

// TxRepository exposes transactional operations. GetRecordForUpdate and
// GetApprovalForUpdate take the aggregate row lock.
type TxRepository interface {
	CreateRecord(ctx context.Context, rec Record) (int64, error)
	InsertProduct(ctx context.Context, product Product) (int64, error)
	InsertItem(ctx context.Context, item Item) error
	GetRecordForUpdate(ctx context.Context, id int64) (Record, error)
	UpdateItem(ctx context.Context, itemID int64, status ItemStatus, reasons []string) error
	UpdateProduct(ctx context.Context, product Product) error
	UpdateRecordStatus(ctx context.Context, id int64, status RecordStatus, result ProductStatus) error
	CreateApproval(ctx context.Context, approval Approval) (int64, error)
	InsertApprovalProduct(ctx context.Context, product ApprovalProduct) error
	GetApprovalForUpdate(ctx context.Context, id int64) (Approval, error)
	UpdateApprovalProduct(ctx context.Context, product ApprovalProduct) error
	UpdateApprovalStatus(ctx context.Context, id int64, status ApprovalStatus, result ApprovalResult) error
	SetFinalApproval(ctx context.Context, id int64, at time.Time) error
	InsertManagerAction(ctx context.Context, action ManagerAction) error
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

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `id, receiving_id, po_id, invoice_number, status, overall_result, created_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ReceivingID, &rec.POID, &rec.InvoiceNumber, &rec.Status, &rec.OverallResult, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func loadRecordChildren(ctx context.Context, q rowQuerier, rec *Record) error {
	rows, err := q.Query(ctx, `SELECT id, qc_id, idx, product_id, batch_number, received_qty, passed_qty, failed_qty,
overall_status, COALESCE(summary, '{}'::jsonb), COALESCE(mfg_date, 'epoch'), COALESCE(exp_date, 'epoch'), unit_cost
FROM qc_products WHERE qc_id=$1 ORDER BY idx`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p Product
		var summary []byte
		var cost decimal.Decimal
		if err := rows.Scan(&p.ID, &p.QCID, &p.Idx, &p.CatalogueID, &p.BatchNumber, &p.ReceivedQty, &p.PassedQty, &p.FailedQty,
			&p.OverallStatus, &summary, &p.MfgDate, &p.ExpDate, &cost); err != nil {
			return err
		}
		p.UnitCost = cost
		if len(summary) > 0 {
			_ = json.Unmarshal(summary, &p.Summary)
		}
		rec.Products = append(rec.Products, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range rec.Products {
		itemRows, err := q.Query(ctx, `SELECT id, qc_product_id, idx, status, COALESCE(reasons, '{}')
FROM qc_items WHERE qc_product_id=$1 ORDER BY idx`, rec.Products[i].ID)
		if err != nil {
			return err
		}
		for itemRows.Next() {
			var item Item
			if err := itemRows.Scan(&item.ID, &item.ProductID, &item.Idx, &item.Status, &item.Reasons); err != nil {
				itemRows.Close()
				return err
			}
			rec.Products[i].Items = append(rec.Products[i].Items, item)
		}
		if err := itemRows.Err(); err != nil {
			itemRows.Close()
			return err
		}
		itemRows.Close()
	}
	return nil
}

// GetRecord returns a record with products and item details.
func (r *Repository) GetRecord(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM qc_records WHERE id=$1`, id))
	if err != nil {
		return Record{}, err
	}
	if err := loadRecordChildren(ctx, r.pool, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetRecordByReceiving resolves the record opened for a receiving.
func (r *Repository) GetRecordByReceiving(ctx context.Context, receivingID int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM qc_records WHERE receiving_id=$1 ORDER BY id DESC LIMIT 1`, receivingID))
	if err != nil {
		return Record{}, err
	}
	if err := loadRecordChildren(ctx, r.pool, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListRecords returns a page of records without children.
func (r *Repository) ListRecords(ctx context.Context, limit, offset int, status RecordStatus) ([]Record, int, error) {
	where := ``
	args := []any{}
	if status != "" {
		where = ` WHERE status=$1`
		args = append(args, status)
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM qc_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql := `SELECT ` + recordColumns + ` FROM qc_records` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

const approvalColumns = `id, qc_record_id, receiving_id, po_id, status, overall_result,
COALESCE(final_approval_at, 'epoch'), created_at`

func scanApproval(row pgx.Row) (Approval, error) {
	var a Approval
	err := row.Scan(&a.ID, &a.QCRecordID, &a.ReceivingID, &a.POID, &a.Status, &a.OverallResult, &a.FinalApproval, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Approval{}, ErrNotFound
		}
		return Approval{}, err
	}
	return a, nil
}

func loadApprovalChildren(ctx context.Context, q rowQuerier, a *Approval) error {
	rows, err := q.Query(ctx, `SELECT id, approval_id, idx, product_id, batch_number, carried_qty, decision, approved_qty,
COALESCE(warehouse_id, 0), COALESCE(location, ''), COALESCE(conditions, ''), COALESCE(mfg_date, 'epoch'), COALESCE(exp_date, 'epoch'), unit_cost
FROM warehouse_products WHERE approval_id=$1 ORDER BY idx`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p ApprovalProduct
		var cost decimal.Decimal
		if err := rows.Scan(&p.ID, &p.ApprovalID, &p.Idx, &p.CatalogueID, &p.BatchNumber, &p.CarriedQty, &p.Decision,
			&p.ApprovedQty, &p.WarehouseID, &p.Location, &p.Conditions, &p.MfgDate, &p.ExpDate, &cost); err != nil {
			return err
		}
		p.UnitCost = cost
		a.Products = append(a.Products, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	actionRows, err := q.Query(ctx, `SELECT id, approval_id, level, action, actor_id, at, COALESCE(remarks, '')
FROM warehouse_manager_actions WHERE approval_id=$1 ORDER BY id`, a.ID)
	if err != nil {
		return err
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var action ManagerAction
		if err := actionRows.Scan(&action.ID, &action.ApprovalID, &action.Level, &action.Action, &action.ActorID, &action.At, &action.Remarks); err != nil {
			return err
		}
		a.Actions = append(a.Actions, action)
	}
	return actionRows.Err()
}

// GetApproval returns a warehouse approval with products and actions.
func (r *Repository) GetApproval(ctx context.Context, id int64) (Approval, error) {
	a, err := scanApproval(r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM warehouse_approvals WHERE id=$1`, id))
	if err != nil {
		return Approval{}, err
	}
	if err := loadApprovalChildren(ctx, r.pool, &a); err != nil {
		return Approval{}, err
	}
	return a, nil
}

// ListApprovals returns a page of approvals without children.
func (r *Repository) ListApprovals(ctx context.Context, limit, offset int, status ApprovalStatus) ([]Approval, int, error) {
	where := ``
	args := []any{}
	if status != "" {
		where = ` WHERE status=$1`
		args = append(args, status)
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM warehouse_approvals`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql := `SELECT ` + approvalColumns + ` FROM warehouse_approvals` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, 0, err
		}
		approvals = append(approvals, a)
	}
	return approvals, total, rows.Err()
}

func (tx *txRepo) CreateRecord(ctx context.Context, rec Record) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO qc_records (receiving_id, po_id, invoice_number, status, overall_result, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		rec.ReceivingID, rec.POID, rec.InvoiceNumber, rec.Status, rec.OverallResult).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertProduct(ctx context.Context, product Product) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO qc_products (qc_id, idx, product_id, batch_number, received_qty, passed_qty, failed_qty, overall_status, mfg_date, exp_date, unit_cost)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		product.QCID, product.Idx, product.CatalogueID, product.BatchNumber, product.ReceivedQty,
		product.PassedQty, product.FailedQty, product.OverallStatus,
		nullTime(product.MfgDate), nullTime(product.ExpDate), product.UnitCost).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertItem(ctx context.Context, item Item) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO qc_items (qc_product_id, idx, status, reasons)
VALUES ($1,$2,$3,$4)`, item.ProductID, item.Idx, item.Status, item.Reasons)
	return err
}

func (tx *txRepo) GetRecordForUpdate(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(tx.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM qc_records WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Record{}, err
	}
	if err := loadRecordChildren(ctx, tx.tx, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (tx *txRepo) UpdateItem(ctx context.Context, itemID int64, status ItemStatus, reasons []string) error {
	_, err := tx.tx.Exec(ctx, `UPDATE qc_items SET status=$1, reasons=$2 WHERE id=$3`, status, reasons, itemID)
	return err
}

func (tx *txRepo) UpdateProduct(ctx context.Context, product Product) error {
	summary, err := json.Marshal(product.Summary)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(ctx, `UPDATE qc_products SET passed_qty=$1, failed_qty=$2, overall_status=$3, summary=$4 WHERE id=$5`,
		product.PassedQty, product.FailedQty, product.OverallStatus, summary, product.ID)
	return err
}

func (tx *txRepo) UpdateRecordStatus(ctx context.Context, id int64, status RecordStatus, result ProductStatus) error {
	_, err := tx.tx.Exec(ctx, `UPDATE qc_records SET status=$1, overall_result=$2 WHERE id=$3`, status, result, id)
	return err
}

func (tx *txRepo) CreateApproval(ctx context.Context, approval Approval) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO warehouse_approvals (qc_record_id, receiving_id, po_id, status, overall_result, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		approval.QCRecordID, approval.ReceivingID, approval.POID, approval.Status, approval.OverallResult).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertApprovalProduct(ctx context.Context, product ApprovalProduct) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO warehouse_products (approval_id, idx, product_id, batch_number, carried_qty, decision, approved_qty, warehouse_id, location, conditions, mfg_date, exp_date, unit_cost)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		product.ApprovalID, product.Idx, product.CatalogueID, product.BatchNumber, product.CarriedQty,
		product.Decision, product.ApprovedQty, product.WarehouseID, product.Location, product.Conditions,
		nullTime(product.MfgDate), nullTime(product.ExpDate), product.UnitCost)
	return err
}

func (tx *txRepo) GetApprovalForUpdate(ctx context.Context, id int64) (Approval, error) {
	a, err := scanApproval(tx.tx.QueryRow(ctx, `SELECT `+approvalColumns+` FROM warehouse_approvals WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Approval{}, err
	}
	if err := loadApprovalChildren(ctx, tx.tx, &a); err != nil {
		return Approval{}, err
	}
	return a, nil
}

func (tx *txRepo) UpdateApprovalProduct(ctx context.Context, product ApprovalProduct) error {
	_, err := tx.tx.Exec(ctx, `UPDATE warehouse_products SET decision=$1, approved_qty=$2, warehouse_id=$3, location=$4, conditions=$5 WHERE id=$6`,
		product.Decision, product.ApprovedQty, product.WarehouseID, product.Location, product.Conditions, product.ID)
	return err
}

func (tx *txRepo) UpdateApprovalStatus(ctx context.Context, id int64, status ApprovalStatus, result ApprovalResult) error {
	_, err := tx.tx.Exec(ctx, `UPDATE warehouse_approvals SET status=$1, overall_result=$2 WHERE id=$3`, status, result, id)
	return err
}

func (tx *txRepo) SetFinalApproval(ctx context.Context, id int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE warehouse_approvals SET final_approval_at=$1 WHERE id=$2`, at, id)
	return err
}

func (tx *txRepo) InsertManagerAction(ctx context.Context, action ManagerAction) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO warehouse_manager_actions (approval_id, level, action, actor_id, at, remarks)
VALUES ($1,$2,$3,$4,$5,$6)`,
		action.ApprovalID, action.Level, action.Action, action.ActorID, action.At, action.Remarks)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
