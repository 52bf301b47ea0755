package masterdata

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a purchasable catalogue item. Soft-deactivated, never removed,
// so historical orders keep resolving.
type Product struct {
	ID             int64           `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Manufacturer   string          `json:"manufacturer"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	StorageClass   string          `json:"storage_class"`
	ColdChain      bool            `json:"cold_chain"`
	ShelfLifeMonth int             `json:"shelf_life_months"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Warehouse is a storage site. Temperature-controlled sites can hold
// cold-chain batches.
type Warehouse struct {
	ID         int64     `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	TempRange  string    `json:"temp_range"`
	Controlled bool      `json:"controlled"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Supplier is an ordering counterparty.
type Supplier struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	Address   string    `json:"address"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilters narrows master data listings.
type ListFilters struct {
	Search     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

var (
	// ErrNotFound indicates a missing master data row.
	ErrNotFound = errors.New("masterdata: not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("masterdata: invalid input")
	// ErrDuplicateCode indicates a code or SKU collision.
	ErrDuplicateCode = errors.New("masterdata: code already in use")
)
