package masterdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists master data over Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const uniqueViolation = "23505"

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateCode
	}
	return err
}

// Product operations

func (r *Repository) ListProducts(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	where, args := productWhere(filters)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT id, sku, name, manufacturer, unit_price, storage_class, cold_chain, shelf_life_months, active, created_at, updated_at
		FROM products` + where + ` ORDER BY name` + pageClause(len(args))
	args = append(args, pageArgs(filters)...)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Manufacturer, &p.UnitPrice, &p.StorageClass, &p.ColdChain, &p.ShelfLifeMonth, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	query := `SELECT id, sku, name, manufacturer, unit_price, storage_class, cold_chain, shelf_life_months, active, created_at, updated_at
		FROM products WHERE id = $1`
	var p Product
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.SKU, &p.Name, &p.Manufacturer, &p.UnitPrice, &p.StorageClass, &p.ColdChain, &p.ShelfLifeMonth, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, mapErr(err)
	}
	return p, nil
}

func (r *Repository) CreateProduct(ctx context.Context, p Product) (Product, error) {
	query := `INSERT INTO products (sku, name, manufacturer, unit_price, storage_class, cold_chain, shelf_life_months, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $8) RETURNING id`
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, query, p.SKU, p.Name, p.Manufacturer, p.UnitPrice, p.StorageClass, p.ColdChain, p.ShelfLifeMonth, now).Scan(&p.ID)
	if err != nil {
		return Product{}, mapErr(err)
	}
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p, nil
}

func (r *Repository) UpdateProduct(ctx context.Context, id int64, p Product) error {
	query := `UPDATE products SET sku = $1, name = $2, manufacturer = $3, unit_price = $4, storage_class = $5, cold_chain = $6, shelf_life_months = $7, updated_at = $8
		WHERE id = $9`
	tag, err := r.pool.Exec(ctx, query, p.SKU, p.Name, p.Manufacturer, p.UnitPrice, p.StorageClass, p.ColdChain, p.ShelfLifeMonth, time.Now().UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetProductActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET active = $1, updated_at = $2 WHERE id = $3`, active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ProductExists reports whether an active product exists. Used by ordering to
// validate line references.
func (r *Repository) ProductExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND active)`, id).Scan(&exists)
	return exists, err
}

// Warehouse operations

func (r *Repository) ListWarehouses(ctx context.Context, filters ListFilters) ([]Warehouse, int, error) {
	where, args := codeNameWhere(filters)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM warehouses`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT id, code, name, address, temp_range, controlled, active, created_at, updated_at
		FROM warehouses` + where + ` ORDER BY name` + pageClause(len(args))
	args = append(args, pageArgs(filters)...)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var warehouses []Warehouse
	for rows.Next() {
		var w Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name, &w.Address, &w.TempRange, &w.Controlled, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, 0, err
		}
		warehouses = append(warehouses, w)
	}
	return warehouses, total, rows.Err()
}

func (r *Repository) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	query := `SELECT id, code, name, address, temp_range, controlled, active, created_at, updated_at
		FROM warehouses WHERE id = $1`
	var w Warehouse
	err := r.pool.QueryRow(ctx, query, id).Scan(&w.ID, &w.Code, &w.Name, &w.Address, &w.TempRange, &w.Controlled, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Warehouse{}, mapErr(err)
	}
	return w, nil
}

func (r *Repository) CreateWarehouse(ctx context.Context, w Warehouse) (Warehouse, error) {
	query := `INSERT INTO warehouses (code, name, address, temp_range, controlled, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6) RETURNING id`
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, query, w.Code, w.Name, w.Address, w.TempRange, w.Controlled, now).Scan(&w.ID)
	if err != nil {
		return Warehouse{}, mapErr(err)
	}
	w.Active = true
	w.CreatedAt = now
	w.UpdatedAt = now
	return w, nil
}

func (r *Repository) UpdateWarehouse(ctx context.Context, id int64, w Warehouse) error {
	query := `UPDATE warehouses SET code = $1, name = $2, address = $3, temp_range = $4, controlled = $5, updated_at = $6 WHERE id = $7`
	tag, err := r.pool.Exec(ctx, query, w.Code, w.Name, w.Address, w.TempRange, w.Controlled, time.Now().UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WarehouseExists reports whether an active warehouse exists.
func (r *Repository) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM warehouses WHERE id = $1 AND active)`, id).Scan(&exists)
	return exists, err
}

// Supplier operations

func (r *Repository) ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error) {
	where, args := codeNameWhere(filters)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM suppliers`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT id, code, name, phone, email, address, active, created_at, updated_at
		FROM suppliers` + where + ` ORDER BY name` + pageClause(len(args))
	args = append(args, pageArgs(filters)...)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var suppliers []Supplier
	for rows.Next() {
		var s Supplier
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Phone, &s.Email, &s.Address, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, err
		}
		suppliers = append(suppliers, s)
	}
	return suppliers, total, rows.Err()
}

func (r *Repository) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	query := `SELECT id, code, name, phone, email, address, active, created_at, updated_at FROM suppliers WHERE id = $1`
	var s Supplier
	err := r.pool.QueryRow(ctx, query, id).Scan(&s.ID, &s.Code, &s.Name, &s.Phone, &s.Email, &s.Address, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Supplier{}, mapErr(err)
	}
	return s, nil
}

func (r *Repository) CreateSupplier(ctx context.Context, s Supplier) (Supplier, error) {
	query := `INSERT INTO suppliers (code, name, phone, email, address, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6) RETURNING id`
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, query, s.Code, s.Name, s.Phone, s.Email, s.Address, now).Scan(&s.ID)
	if err != nil {
		return Supplier{}, mapErr(err)
	}
	s.Active = true
	s.CreatedAt = now
	s.UpdatedAt = now
	return s, nil
}

func (r *Repository) UpdateSupplier(ctx context.Context, id int64, s Supplier) error {
	query := `UPDATE suppliers SET code = $1, name = $2, phone = $3, email = $4, address = $5, updated_at = $6 WHERE id = $7`
	tag, err := r.pool.Exec(ctx, query, s.Code, s.Name, s.Phone, s.Email, s.Address, time.Now().UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SupplierExists reports whether an active supplier exists.
func (r *Repository) SupplierExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1 AND active)`, id).Scan(&exists)
	return exists, err
}

func productWhere(filters ListFilters) (string, []any) {
	var clauses []string
	var args []any
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(name ILIKE $%d OR sku ILIKE $%d)", len(args), len(args)))
	}
	if filters.ActiveOnly {
		clauses = append(clauses, "active")
	}
	return buildWhere(clauses), args
}

func codeNameWhere(filters ListFilters) (string, []any) {
	var clauses []string
	var args []any
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(name ILIKE $%d OR code ILIKE $%d)", len(args), len(args)))
	}
	if filters.ActiveOnly {
		clauses = append(clauses, "active")
	}
	return buildWhere(clauses), args
}

func buildWhere(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where
}

func pageClause(argOffset int) string {
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", argOffset+1, argOffset+2)
}

func pageArgs(filters ListFilters) []any {
	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	return []any{limit, filters.Offset}
}
