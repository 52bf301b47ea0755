package inventory

import (
	"context"
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

// TxRepository exposes transactional operations. Lock acquisition goes
// through GetRecordForUpdate / FindRecordForUpdate / GetReservationForUpdate.
type TxRepository interface {
	CreateRecord(ctx context.Context, rec Record) (int64, error)
	GetRecordForUpdate(ctx context.Context, id int64) (Record, error)
	FindRecordForUpdate(ctx context.Context, productID int64, batch string, warehouseID int64, location string) (Record, error)
	UpdateBalances(ctx context.Context, id, currentStock, reservedStock int64) error
	UpdateLocation(ctx context.Context, id int64, location string) error
	UpdateMinimumStock(ctx context.Context, id, minimum int64) error
	DeactivateRecord(ctx context.Context, id int64) error
	InsertMovement(ctx context.Context, movement Movement) error
	HasApprovalInward(ctx context.Context, recordID, approvalID int64) (bool, error)
	InsertReservation(ctx context.Context, reservation Reservation) (int64, error)
	GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error)
	MarkReservationReleased(ctx context.Context, id int64) error
	InsertUtilization(ctx context.Context, entry UtilizationEntry) error
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

const recordColumns = `id, product_id, batch_number, warehouse_id, COALESCE(location, ''), COALESCE(conditions, ''),
current_stock, reserved_stock, unit_cost, COALESCE(mfg_date, 'epoch'), COALESCE(exp_date, 'epoch'),
minimum_stock, active, COALESCE(po_id, 0), COALESCE(receiving_id, 0), COALESCE(qc_record_id, 0), COALESCE(approval_id, 0), created_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var cost decimal.Decimal
	err := row.Scan(&rec.ID, &rec.ProductID, &rec.BatchNumber, &rec.WarehouseID, &rec.Location, &rec.Conditions,
		&rec.CurrentStock, &rec.ReservedStock, &cost, &rec.MfgDate, &rec.ExpDate,
		&rec.MinimumStock, &rec.Active, &rec.Provenance.POID, &rec.Provenance.ReceivingID,
		&rec.Provenance.QCRecordID, &rec.Provenance.ApprovalID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.UnitCost = cost
	return rec, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadMovements(ctx context.Context, q rowQuerier, recordID int64) ([]Movement, error) {
	rows, err := q.Query(ctx, `SELECT id, record_id, type, qty, COALESCE(reason, ''), actor_id, at,
COALESCE(source_location, ''), COALESCE(dest_location, ''), COALESCE(ref_record_id, 0)
FROM stock_movements WHERE record_id=$1 ORDER BY id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.RecordID, &m.Type, &m.Qty, &m.Reason, &m.ActorID, &m.At,
			&m.SourceLoc, &m.DestLoc, &m.RefRecordID); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func loadReservations(ctx context.Context, q rowQuerier, recordID int64) ([]Reservation, error) {
	rows, err := q.Query(ctx, `SELECT id, record_id, reference, qty, holder, COALESCE(expires_at, 'epoch'), released, created_at
FROM stock_reservations WHERE record_id=$1 ORDER BY id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reservations []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.RecordID, &res.Reference, &res.Qty, &res.Holder, &res.ExpiresAt, &res.Released, &res.CreatedAt); err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

// GetRecord returns a record with its movements and reservations.
func (r *Repository) GetRecord(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory_records WHERE id=$1`, id))
	if err != nil {
		return Record{}, err
	}
	if rec.Movements, err = loadMovements(ctx, r.pool, id); err != nil {
		return Record{}, err
	}
	if rec.Reservations, err = loadReservations(ctx, r.pool, id); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListRecords returns a filtered page of records without children.
func (r *Repository) ListRecords(ctx context.Context, limit, offset int, filters ListFilters) ([]Record, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argNum := 1
	if filters.ProductID > 0 {
		where += fmt.Sprintf(` AND product_id=$%d`, argNum)
		args = append(args, filters.ProductID)
		argNum++
	}
	if filters.WarehouseID > 0 {
		where += fmt.Sprintf(` AND warehouse_id=$%d`, argNum)
		args = append(args, filters.WarehouseID)
		argNum++
	}
	if filters.ActiveOnly {
		where += ` AND active`
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql := `SELECT ` + recordColumns + ` FROM inventory_records` + where +
		fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, argNum, argNum+1)
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

// LoadJourney assembles the upstream trace for one record.
func (r *Repository) LoadJourney(ctx context.Context, recordID int64) (Journey, error) {
	rec, err := r.GetRecord(ctx, recordID)
	if err != nil {
		return Journey{}, err
	}
	journey := Journey{
		RecordID:     rec.ID,
		ProductID:    rec.ProductID,
		BatchNumber:  rec.BatchNumber,
		WarehouseID:  rec.WarehouseID,
		Location:     rec.Location,
		Provenance:   rec.Provenance,
		Movements:    rec.Movements,
		Reservations: rec.Reservations,
	}
	rows, err := r.pool.Query(ctx, `SELECT id, record_id, qty, consumer, actor_id, at
FROM utilization_log WHERE record_id=$1 ORDER BY id`, recordID)
	if err != nil {
		return Journey{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry UtilizationEntry
		if err := rows.Scan(&entry.ID, &entry.RecordID, &entry.Qty, &entry.Consumer, &entry.ActorID, &entry.At); err != nil {
			return Journey{}, err
		}
		journey.Utilizations = append(journey.Utilizations, entry)
	}
	return journey, rows.Err()
}

// ListNearExpiry returns active records with an expiry inside the window,
// expired ones included.
func (r *Repository) ListNearExpiry(ctx context.Context, now time.Time, window time.Duration) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM inventory_records
WHERE active AND exp_date IS NOT NULL AND exp_date < $1 ORDER BY exp_date`, now.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListReorderAlerts returns active records at or below their minimum stock.
func (r *Repository) ListReorderAlerts(ctx context.Context) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM inventory_records
WHERE active AND current_stock - reserved_stock <= minimum_stock ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListExpiredReservationIDs returns active reservations past their expiry.
func (r *Repository) ListExpiredReservationIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM stock_reservations
WHERE NOT released AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY id`, now)
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

func (tx *txRepo) CreateRecord(ctx context.Context, rec Record) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO inventory_records
(product_id, batch_number, warehouse_id, location, conditions, current_stock, reserved_stock, unit_cost,
mfg_date, exp_date, minimum_stock, active, po_id, receiving_id, qc_record_id, approval_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW()) RETURNING id`,
		rec.ProductID, rec.BatchNumber, rec.WarehouseID, rec.Location, rec.Conditions,
		rec.CurrentStock, rec.ReservedStock, rec.UnitCost,
		nullTime(rec.MfgDate), nullTime(rec.ExpDate), rec.MinimumStock, rec.Active,
		nullID(rec.Provenance.POID), nullID(rec.Provenance.ReceivingID),
		nullID(rec.Provenance.QCRecordID), nullID(rec.Provenance.ApprovalID)).Scan(&id)
	return id, err
}

func (tx *txRepo) GetRecordForUpdate(ctx context.Context, id int64) (Record, error) {
	return scanRecord(tx.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory_records WHERE id=$1 FOR UPDATE`, id))
}

func (tx *txRepo) FindRecordForUpdate(ctx context.Context, productID int64, batch string, warehouseID int64, location string) (Record, error) {
	return scanRecord(tx.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory_records
WHERE product_id=$1 AND batch_number=$2 AND warehouse_id=$3 AND COALESCE(location,'')=$4 AND active
FOR UPDATE`, productID, batch, warehouseID, location))
}

func (tx *txRepo) UpdateBalances(ctx context.Context, id, currentStock, reservedStock int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE inventory_records SET current_stock=$1, reserved_stock=$2 WHERE id=$3`,
		currentStock, reservedStock, id)
	return err
}

func (tx *txRepo) UpdateLocation(ctx context.Context, id int64, location string) error {
	_, err := tx.tx.Exec(ctx, `UPDATE inventory_records SET location=$1 WHERE id=$2`, location, id)
	return err
}

func (tx *txRepo) UpdateMinimumStock(ctx context.Context, id, minimum int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE inventory_records SET minimum_stock=$1 WHERE id=$2`, minimum, id)
	return err
}

func (tx *txRepo) DeactivateRecord(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE inventory_records SET active=false WHERE id=$1`, id)
	return err
}

func (tx *txRepo) InsertMovement(ctx context.Context, movement Movement) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO stock_movements (record_id, type, qty, reason, actor_id, at, source_location, dest_location, ref_record_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		movement.RecordID, movement.Type, movement.Qty, movement.Reason, movement.ActorID, movement.At,
		movement.SourceLoc, movement.DestLoc, nullID(movement.RefRecordID))
	return err
}

func (tx *txRepo) HasApprovalInward(ctx context.Context, recordID, approvalID int64) (bool, error) {
	var exists bool
	err := tx.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements
WHERE record_id=$1 AND type=$2 AND reason=$3)`, recordID, MovementInward, ApprovalReason(approvalID)).Scan(&exists)
	return exists, err
}

func (tx *txRepo) InsertReservation(ctx context.Context, reservation Reservation) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO stock_reservations (record_id, reference, qty, holder, expires_at, released, created_at)
VALUES ($1,$2,$3,$4,$5,false,$6) RETURNING id`,
		reservation.RecordID, reservation.Reference, reservation.Qty, reservation.Holder, nullTime(reservation.ExpiresAt), reservation.CreatedAt).Scan(&id)
	return id, err
}

func (tx *txRepo) GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error) {
	var res Reservation
	err := tx.tx.QueryRow(ctx, `SELECT id, record_id, reference, qty, holder, COALESCE(expires_at, 'epoch'), released, created_at
FROM stock_reservations WHERE id=$1 FOR UPDATE`, id).
		Scan(&res.ID, &res.RecordID, &res.Reference, &res.Qty, &res.Holder, &res.ExpiresAt, &res.Released, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

func (tx *txRepo) MarkReservationReleased(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE stock_reservations SET released=true WHERE id=$1`, id)
	return err
}

func (tx *txRepo) InsertUtilization(ctx context.Context, entry UtilizationEntry) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO utilization_log (record_id, qty, consumer, actor_id, at)
VALUES ($1,$2,$3,$4,$5)`, entry.RecordID, entry.Qty, entry.Consumer, entry.ActorID, entry.At)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
