package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pharmaflow/pharmaflow/internal/platform/httpx"
	"github.com/pharmaflow/pharmaflow/internal/shared"
)

// Handler exposes the stock ledger HTTP API.
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

// Routes mounts the inventory endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/inventory", func(r chi.Router) {
		r.Get("/", h.listRecords)
		r.Get("/alerts/reorder", h.reorderAlerts)
		r.Get("/alerts/near-expiry", h.nearExpiry)
		r.Route("/{recordID}", func(r chi.Router) {
			r.Get("/", h.getRecord)
			r.Get("/journey", h.journey)
			r.Post("/add", h.addStock)
			r.Post("/remove", h.removeStock)
			r.Post("/adjust", h.adjustStock)
			r.Post("/reserve", h.reserveStock)
			r.Post("/transfer", h.transferStock)
			r.Post("/utilize", h.recordUtilization)
			r.Put("/minimum-stock", h.setMinimumStock)
			r.Delete("/", h.deactivate)
		})
	})
	r.Post("/reservations/{reservationID}/release", h.releaseReservation)
	return r
}

type movementResponse struct {
	Type      MovementType `json:"type"`
	Qty       int64        `json:"qty"`
	Reason    string       `json:"reason,omitempty"`
	ActorID   int64        `json:"actorId,omitempty"`
	At        time.Time    `json:"at"`
	SourceLoc string       `json:"sourceLocation,omitempty"`
	DestLoc   string       `json:"destLocation,omitempty"`
}

type reservationResponse struct {
	ID        int64      `json:"id"`
	Reference string     `json:"reference"`
	Qty       int64      `json:"qty"`
	Holder    string     `json:"holder"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Released  bool       `json:"released"`
}

type recordResponse struct {
	ID             int64                 `json:"id"`
	ProductID      int64                 `json:"productId"`
	BatchNumber    string                `json:"batchNumber"`
	WarehouseID    int64                 `json:"warehouseId"`
	Location       string                `json:"location,omitempty"`
	CurrentStock   int64                 `json:"currentStock"`
	ReservedStock  int64                 `json:"reservedStock"`
	AvailableStock int64                 `json:"availableStock"`
	UnitCost       string                `json:"unitCost"`
	TotalValue     string                `json:"totalValue"`
	ExpDate        *time.Time            `json:"expDate,omitempty"`
	ExpiryStatus   ExpiryStatus          `json:"expiryStatus"`
	MinimumStock   int64                 `json:"minimumStock"`
	NeedsReorder   bool                  `json:"needsReorder"`
	Active         bool                  `json:"active"`
	Movements      []movementResponse    `json:"movements,omitempty"`
	Reservations   []reservationResponse `json:"reservations,omitempty"`
}

func (h *Handler) toRecordResponse(rec Record) recordResponse {
	resp := recordResponse{
		ID:             rec.ID,
		ProductID:      rec.ProductID,
		BatchNumber:    rec.BatchNumber,
		WarehouseID:    rec.WarehouseID,
		Location:       rec.Location,
		CurrentStock:   rec.CurrentStock,
		ReservedStock:  rec.ReservedStock,
		AvailableStock: rec.AvailableStock(),
		UnitCost:       rec.UnitCost.String(),
		TotalValue:     rec.TotalValue().String(),
		ExpiryStatus:   rec.ExpiryStatusAt(time.Now().UTC(), h.svc.window),
		MinimumStock:   rec.MinimumStock,
		NeedsReorder:   rec.NeedsReorder(),
		Active:         rec.Active,
	}
	if !rec.ExpDate.IsZero() {
		t := rec.ExpDate
		resp.ExpDate = &t
	}
	for _, m := range rec.Movements {
		resp.Movements = append(resp.Movements, movementResponse{
			Type: m.Type, Qty: m.Qty, Reason: m.Reason, ActorID: m.ActorID,
			At: m.At, SourceLoc: m.SourceLoc, DestLoc: m.DestLoc,
		})
	}
	for _, res := range rec.Reservations {
		rr := reservationResponse{ID: res.ID, Reference: res.Reference, Qty: res.Qty, Holder: res.Holder, Released: res.Released}
		if !res.ExpiresAt.IsZero() {
			t := res.ExpiresAt
			rr.ExpiresAt = &t
		}
		resp.Reservations = append(resp.Reservations, rr)
	}
	return resp
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	productID, _ := strconv.ParseInt(q.Get("productId"), 10, 64)
	warehouseID, _ := strconv.ParseInt(q.Get("warehouseId"), 10, 64)
	filters := ListFilters{
		ProductID:   productID,
		WarehouseID: warehouseID,
		ActiveOnly:  q.Get("active") == "true",
	}
	records, total, err := h.svc.ListRecords(r.Context(), limit, offset, filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, h.toRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	rec, err := h.svc.GetRecord(r.Context(), recordID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.toRecordResponse(rec))
}

func (h *Handler) journey(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	journey, err := h.svc.ProductJourney(r.Context(), recordID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, journey)
}

type quantityRequest struct {
	Qty    int64  `json:"qty" validate:"required,gt=0"`
	Reason string `json:"reason"`
}

func (h *Handler) addStock(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, h.svc.AddStock)
}

func (h *Handler) removeStock(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, h.svc.RemoveStock)
}

func (h *Handler) stockOp(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, recordID, qty int64, reason string, actorID int64) error) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	var req quantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if err := fn(r.Context(), recordID, req.Qty, req.Reason, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondRecord(w, r, recordID)
}

type adjustRequest struct {
	Delta  int64  `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if err := h.svc.AdjustStock(r.Context(), recordID, req.Delta, req.Reason, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondRecord(w, r, recordID)
}

type reserveRequest struct {
	Qty       int64  `json:"qty" validate:"required,gt=0"`
	Holder    string `json:"holder" validate:"required"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *Handler) reserveStock(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	var req reserveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	var expiresAt time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "validation failed", "expiresAt must be RFC3339")
			return
		}
		expiresAt = parsed
	}
	reservation, err := h.svc.ReserveStock(r.Context(), recordID, req.Qty, req.Holder, expiresAt)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"reservationId": reservation.ID, "reference": reservation.Reference, "qty": reservation.Qty})
}

func (h *Handler) releaseReservation(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := pathID(w, r, "reservationID")
	if !ok {
		return
	}
	if err := h.svc.ReleaseReservation(r.Context(), reservationID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "released"})
}

type transferRequest struct {
	Qty         int64  `json:"qty" validate:"required,gt=0"`
	WarehouseID int64  `json:"warehouseId"`
	Location    string `json:"location" validate:"required"`
}

func (h *Handler) transferStock(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	destID, err := h.svc.TransferStock(r.Context(), recordID, req.Qty, req.WarehouseID, req.Location, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"destinationRecordId": destID})
}

type utilizeRequest struct {
	Qty      int64  `json:"qty" validate:"required,gt=0"`
	Consumer string `json:"consumer" validate:"required"`
}

func (h *Handler) recordUtilization(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	var req utilizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if err := h.svc.RecordUtilization(r.Context(), recordID, req.Qty, req.Consumer, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondRecord(w, r, recordID)
}

func (h *Handler) setMinimumStock(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	var req struct {
		Minimum int64 `json:"minimum" validate:"gte=0"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.svc.SetMinimumStock(r.Context(), recordID, req.Minimum); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondRecord(w, r, recordID)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(w, r, "recordID")
	if !ok {
		return
	}
	if err := h.svc.Deactivate(r.Context(), recordID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reorderAlerts(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.ReorderAlerts(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, h.toRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) nearExpiry(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.NearExpiry(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, h.toRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) respondRecord(w http.ResponseWriter, r *http.Request, recordID int64) {
	rec, err := h.svc.GetRecord(r.Context(), recordID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.toRecordResponse(rec))
}

// respondError maps domain errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusUnprocessableEntity, "insufficient stock", err.Error())
	case errors.Is(err, ErrInactiveRecord):
		httpx.Problem(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.Error("inventory request failed", "path", r.URL.Path, "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "unexpected failure")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid identifier", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}
