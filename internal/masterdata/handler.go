package masterdata

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow/internal/platform/httpx"
)

// Handler exposes the master data HTTP API.
type Handler struct {
	svc      *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Routes mounts the master data endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.listProducts)
		r.Post("/", h.createProduct)
		r.Get("/{id}", h.getProduct)
		r.Put("/{id}", h.updateProduct)
		r.Delete("/{id}", h.deactivateProduct)
		r.Post("/{id}/reactivate", h.reactivateProduct)
	})
	r.Route("/warehouses", func(r chi.Router) {
		r.Get("/", h.listWarehouses)
		r.Post("/", h.createWarehouse)
		r.Get("/{id}", h.getWarehouse)
		r.Put("/{id}", h.updateWarehouse)
	})
	r.Route("/suppliers", func(r chi.Router) {
		r.Get("/", h.listSuppliers)
		r.Post("/", h.createSupplier)
		r.Get("/{id}", h.getSupplier)
		r.Put("/{id}", h.updateSupplier)
	})
	return r
}

func listFiltersFromQuery(r *http.Request) ListFilters {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return ListFilters{
		Search:     q.Get("search"),
		ActiveOnly: q.Get("active") == "true",
		Limit:      limit,
		Offset:     offset,
	}
}

type productRequest struct {
	SKU            string `json:"sku" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Manufacturer   string `json:"manufacturer"`
	UnitPrice      string `json:"unitPrice" validate:"required"`
	StorageClass   string `json:"storageClass"`
	ColdChain      bool   `json:"coldChain"`
	ShelfLifeMonth int    `json:"shelfLifeMonths" validate:"gte=0"`
}

func (h *Handler) decodeProduct(w http.ResponseWriter, r *http.Request) (Product, bool) {
	var req productRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return Product{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return Product{}, false
	}
	price, err := decimal.NewFromString(req.UnitPrice)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", "unitPrice must be a decimal string")
		return Product{}, false
	}
	return Product{
		SKU:            req.SKU,
		Name:           req.Name,
		Manufacturer:   req.Manufacturer,
		UnitPrice:      price,
		StorageClass:   req.StorageClass,
		ColdChain:      req.ColdChain,
		ShelfLifeMonth: req.ShelfLifeMonth,
	}, true
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, total, err := h.svc.ListProducts(r.Context(), listFiltersFromQuery(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": products, "total": total})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	product, err := h.svc.GetProduct(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	product, ok := h.decodeProduct(w, r)
	if !ok {
		return
	}
	created, err := h.svc.CreateProduct(r.Context(), product)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	product, ok := h.decodeProduct(w, r)
	if !ok {
		return
	}
	if err := h.svc.UpdateProduct(r.Context(), id, product); err != nil {
		h.respondError(w, r, err)
		return
	}
	updated, err := h.svc.GetProduct(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) deactivateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeactivateProduct(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reactivateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.ReactivateProduct(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type warehouseRequest struct {
	Code       string `json:"code" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Address    string `json:"address"`
	TempRange  string `json:"tempRange"`
	Controlled bool   `json:"controlled"`
}

func (h *Handler) listWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, total, err := h.svc.ListWarehouses(r.Context(), listFiltersFromQuery(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": warehouses, "total": total})
}

func (h *Handler) getWarehouse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	warehouse, err := h.svc.GetWarehouse(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, warehouse)
}

func (h *Handler) createWarehouse(w http.ResponseWriter, r *http.Request) {
	var req warehouseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	created, err := h.svc.CreateWarehouse(r.Context(), Warehouse{
		Code: req.Code, Name: req.Name, Address: req.Address,
		TempRange: req.TempRange, Controlled: req.Controlled,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateWarehouse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req warehouseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	err := h.svc.UpdateWarehouse(r.Context(), id, Warehouse{
		Code: req.Code, Name: req.Name, Address: req.Address,
		TempRange: req.TempRange, Controlled: req.Controlled,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	updated, err := h.svc.GetWarehouse(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

type supplierRequest struct {
	Code    string `json:"code" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Phone   string `json:"phone"`
	Email   string `json:"email" validate:"omitempty,email"`
	Address string `json:"address"`
}

func (h *Handler) listSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, total, err := h.svc.ListSuppliers(r.Context(), listFiltersFromQuery(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": suppliers, "total": total})
}

func (h *Handler) getSupplier(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	supplier, err := h.svc.GetSupplier(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, supplier)
}

func (h *Handler) createSupplier(w http.ResponseWriter, r *http.Request) {
	var req supplierRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	created, err := h.svc.CreateSupplier(r.Context(), Supplier{
		Code: req.Code, Name: req.Name, Phone: req.Phone,
		Email: req.Email, Address: req.Address,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateSupplier(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req supplierRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	err := h.svc.UpdateSupplier(r.Context(), id, Supplier{
		Code: req.Code, Name: req.Name, Phone: req.Phone,
		Email: req.Email, Address: req.Address,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	updated, err := h.svc.GetSupplier(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid identifier", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.Is(err, ErrDuplicateCode):
		httpx.Problem(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.Error("masterdata request failed", "path", r.URL.Path, "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "unexpected failure")
	}
}
