package masterdata

import (
	"context"
	"fmt"
	"strings"
)

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	ListProducts(ctx context.Context, filters ListFilters) ([]Product, int, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	CreateProduct(ctx context.Context, p Product) (Product, error)
	UpdateProduct(ctx context.Context, id int64, p Product) error
	SetProductActive(ctx context.Context, id int64, active bool) error
	ProductExists(ctx context.Context, id int64) (bool, error)

	ListWarehouses(ctx context.Context, filters ListFilters) ([]Warehouse, int, error)
	GetWarehouse(ctx context.Context, id int64) (Warehouse, error)
	CreateWarehouse(ctx context.Context, w Warehouse) (Warehouse, error)
	UpdateWarehouse(ctx context.Context, id int64, w Warehouse) error
	WarehouseExists(ctx context.Context, id int64) (bool, error)

	ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error)
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
	CreateSupplier(ctx context.Context, s Supplier) (Supplier, error)
	UpdateSupplier(ctx context.Context, id int64, s Supplier) error
	SupplierExists(ctx context.Context, id int64) (bool, error)
}

// Service validates and serves master data.
type Service struct {
	repo RepositoryPort
}

// NewService constructs the master data service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Products

func (s *Service) ListProducts(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	return s.repo.ListProducts(ctx, filters)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, p Product) (Product, error) {
	if err := validateProduct(p); err != nil {
		return Product{}, err
	}
	return s.repo.CreateProduct(ctx, p)
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, p Product) error {
	if err := validateProduct(p); err != nil {
		return err
	}
	return s.repo.UpdateProduct(ctx, id, p)
}

func (s *Service) DeactivateProduct(ctx context.Context, id int64) error {
	return s.repo.SetProductActive(ctx, id, false)
}

func (s *Service) ReactivateProduct(ctx context.Context, id int64) error {
	return s.repo.SetProductActive(ctx, id, true)
}

// ProductExists reports whether an active product exists. Satisfies the
// ordering side's catalogue check.
func (s *Service) ProductExists(ctx context.Context, id int64) (bool, error) {
	return s.repo.ProductExists(ctx, id)
}

// Warehouses

func (s *Service) ListWarehouses(ctx context.Context, filters ListFilters) ([]Warehouse, int, error) {
	return s.repo.ListWarehouses(ctx, filters)
}

func (s *Service) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	return s.repo.GetWarehouse(ctx, id)
}

func (s *Service) CreateWarehouse(ctx context.Context, w Warehouse) (Warehouse, error) {
	if strings.TrimSpace(w.Code) == "" || strings.TrimSpace(w.Name) == "" {
		return Warehouse{}, fmt.Errorf("%w: code and name required", ErrValidation)
	}
	return s.repo.CreateWarehouse(ctx, w)
}

func (s *Service) UpdateWarehouse(ctx context.Context, id int64, w Warehouse) error {
	if strings.TrimSpace(w.Code) == "" || strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: code and name required", ErrValidation)
	}
	return s.repo.UpdateWarehouse(ctx, id, w)
}

func (s *Service) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	return s.repo.WarehouseExists(ctx, id)
}

// Suppliers

func (s *Service) ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error) {
	return s.repo.ListSuppliers(ctx, filters)
}

func (s *Service) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	return s.repo.GetSupplier(ctx, id)
}

func (s *Service) CreateSupplier(ctx context.Context, sup Supplier) (Supplier, error) {
	if strings.TrimSpace(sup.Code) == "" || strings.TrimSpace(sup.Name) == "" {
		return Supplier{}, fmt.Errorf("%w: code and name required", ErrValidation)
	}
	return s.repo.CreateSupplier(ctx, sup)
}

func (s *Service) UpdateSupplier(ctx context.Context, id int64, sup Supplier) error {
	if strings.TrimSpace(sup.Code) == "" || strings.TrimSpace(sup.Name) == "" {
		return fmt.Errorf("%w: code and name required", ErrValidation)
	}
	return s.repo.UpdateSupplier(ctx, id, sup)
}

func (s *Service) SupplierExists(ctx context.Context, id int64) (bool, error) {
	return s.repo.SupplierExists(ctx, id)
}

func validateProduct(p Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return fmt.Errorf("%w: sku required", ErrValidation)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if p.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price cannot be negative", ErrValidation)
	}
	if p.ShelfLifeMonth < 0 {
		return fmt.Errorf("%w: shelf life cannot be negative", ErrValidation)
	}
	return nil
}
