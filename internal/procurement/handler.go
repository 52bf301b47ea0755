package procurement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow/internal/platform/httpx"
	"github.com/pharmaflow/pharmaflow/internal/shared"
)

// Handler exposes the procurement HTTP API.
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

// Routes mounts the procurement endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/", h.listPOs)
		r.Post("/", h.createPO)
		r.Route("/{poID}", func(r chi.Router) {
			r.Get("/", h.getPO)
			r.Put("/lines", h.updateLines)
			r.Post("/submit", h.submitPO)
			r.Post("/approve", h.approvePO)
			r.Post("/reject", h.rejectPO)
			r.Post("/cancel", h.cancelPO)
			r.Get("/workflow", h.workflowLog)
			r.Get("/receivings", h.listReceivings)
		})
	})
	r.Route("/receivings", func(r chi.Router) {
		r.Post("/", h.createReceiving)
		r.Route("/{receivingID}", func(r chi.Router) {
			r.Get("/", h.getReceiving)
			r.Put("/lines", h.updateReceiving)
			r.Delete("/", h.deleteReceiving)
			r.Post("/submit", h.submitReceiving)
		})
	})
	return r
}

type poLineRequest struct {
	ProductID  int64  `json:"productId" validate:"required,gt=0"`
	OrderedQty int64  `json:"orderedQty" validate:"required,gt=0"`
	UnitPrice  string `json:"unitPrice"`
}

type createPORequest struct {
	Number     string          `json:"number"`
	SupplierID int64           `json:"supplierId" validate:"required,gt=0"`
	Remarks    string          `json:"remarks"`
	Lines      []poLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type actionRequest struct {
	Remarks string `json:"remarks"`
}

type poLineResponse struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"productId"`
	OrderedQty  int64  `json:"orderedQty"`
	UnitPrice   string `json:"unitPrice"`
	ReceivedQty int64  `json:"receivedQty"`
	BacklogQty  int64  `json:"backlogQty"`
}

type poResponse struct {
	ID         int64            `json:"id"`
	Number     string           `json:"number"`
	SupplierID int64            `json:"supplierId"`
	Stage      POStage          `json:"stage"`
	Status     POStatus         `json:"status"`
	CreatedBy  int64            `json:"createdBy"`
	CreatedAt  time.Time        `json:"createdAt"`
	Remarks    string           `json:"remarks,omitempty"`
	Lines      []poLineResponse `json:"lines,omitempty"`
}

func toPOResponse(po PurchaseOrder) poResponse {
	resp := poResponse{
		ID:         po.ID,
		Number:     po.Number,
		SupplierID: po.SupplierID,
		Stage:      po.Stage,
		Status:     po.Status(),
		CreatedBy:  po.CreatedBy,
		CreatedAt:  po.CreatedAt,
		Remarks:    po.Remarks,
	}
	for _, line := range po.Lines {
		resp.Lines = append(resp.Lines, poLineResponse{
			ID:          line.ID,
			ProductID:   line.ProductID,
			OrderedQty:  line.OrderedQty,
			UnitPrice:   line.UnitPrice.String(),
			ReceivedQty: line.ReceivedQty,
			BacklogQty:  line.BacklogQty,
		})
	}
	return resp
}

func (h *Handler) createPO(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input := CreatePOInput{
		Number:     req.Number,
		SupplierID: req.SupplierID,
		CreatedBy:  shared.ActorFromContext(r.Context()),
		Remarks:    req.Remarks,
	}
	for _, line := range req.Lines {
		price, err := parsePrice(line.UnitPrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "validation failed", "invalid unit price")
			return
		}
		input.Lines = append(input.Lines, POLineInput{ProductID: line.ProductID, OrderedQty: line.OrderedQty, UnitPrice: price})
	}
	po, err := h.svc.CreatePurchaseOrder(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPOResponse(po))
}

func (h *Handler) getPO(w http.ResponseWriter, r *http.Request) {
	poID, ok := pathID(w, r, "poID")
	if !ok {
		return
	}
	po, err := h.svc.GetPurchaseOrder(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) listPOs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	supplierID, _ := strconv.ParseInt(q.Get("supplierId"), 10, 64)
	filters := ListFilters{
		Status:     POStatus(q.Get("status")),
		SupplierID: supplierID,
		Search:     q.Get("search"),
	}
	pos, total, err := h.svc.ListPurchaseOrders(r.Context(), limit, offset, filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]poResponse, 0, len(pos))
	for _, po := range pos {
		items = append(items, toPOResponse(po))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	poID, ok := pathID(w, r, "poID")
	if !ok {
		return
	}
	var req struct {
		Remarks string          `json:"remarks"`
		Lines   []poLineRequest `json:"lines" validate:"required,min=1,dive"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	lines := make([]POLineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		price, err := parsePrice(line.UnitPrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "validation failed", "invalid unit price")
			return
		}
		lines = append(lines, POLineInput{ProductID: line.ProductID, OrderedQty: line.OrderedQty, UnitPrice: price})
	}
	if err := h.svc.UpdatePOLines(r.Context(), poID, shared.ActorFromContext(r.Context()), lines, req.Remarks); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (h *Handler) submitPO(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.SubmitPurchaseOrder)
}

func (h *Handler) approvePO(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.ApprovePurchaseOrder)
}

func (h *Handler) rejectPO(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.RejectPurchaseOrder)
}

func (h *Handler) cancelPO(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.CancelPurchaseOrder)
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, poID, actorID int64, remarks string) error) {
	poID, ok := pathID(w, r, "poID")
	if !ok {
		return
	}
	var req actionRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := fn(r.Context(), poID, shared.ActorFromContext(r.Context()), req.Remarks); err != nil {
		h.respondError(w, r, err)
		return
	}
	po, err := h.svc.GetPurchaseOrder(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) workflowLog(w http.ResponseWriter, r *http.Request) {
	poID, ok := pathID(w, r, "poID")
	if !ok {
		return
	}
	entries, err := h.svc.GetWorkflowLog(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	type entryResponse struct {
		Stage   POStage        `json:"stage"`
		Action  Action         `json:"action"`
		ActorID int64          `json:"actorId"`
		At      time.Time      `json:"at"`
		Remarks string         `json:"remarks,omitempty"`
		Changes map[string]any `json:"changes,omitempty"`
	}
	items := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryResponse{Stage: e.Stage, Action: e.Action, ActorID: e.ActorID, At: e.At, Remarks: e.Remarks, Changes: e.Changes})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

type receivingLineRequest struct {
	ProductID   int64  `json:"productId" validate:"required,gt=0"`
	ReceivedQty int64  `json:"receivedQty" validate:"gte=0"`
	BatchNumber string `json:"batchNumber"`
	MfgDate     string `json:"mfgDate"`
	ExpDate     string `json:"expDate"`
}

type createReceivingRequest struct {
	POID          int64                  `json:"poId" validate:"required,gt=0"`
	InvoiceNumber string                 `json:"invoiceNumber"`
	InvoiceDate   string                 `json:"invoiceDate"`
	InvoiceAmount string                 `json:"invoiceAmount"`
	Lines         []receivingLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type receivingLineResponse struct {
	ID          int64               `json:"id"`
	ProductID   int64               `json:"productId"`
	OrderedQty  int64               `json:"orderedQty"`
	ReceivedQty int64               `json:"receivedQty"`
	BatchNumber string              `json:"batchNumber,omitempty"`
	MfgDate     *time.Time          `json:"mfgDate,omitempty"`
	ExpDate     *time.Time          `json:"expDate,omitempty"`
	Status      ReceivingLineStatus `json:"status"`
}

type receivingResponse struct {
	ID            int64                   `json:"id"`
	POID          int64                   `json:"poId"`
	InvoiceNumber string                  `json:"invoiceNumber"`
	InvoiceDate   time.Time               `json:"invoiceDate"`
	InvoiceAmount string                  `json:"invoiceAmount"`
	Status        ReceivingStatus         `json:"status"`
	QCRecordID    int64                   `json:"qcRecordId,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	Lines         []receivingLineResponse `json:"lines,omitempty"`
}

func toReceivingResponse(rec ReceivingRecord) receivingResponse {
	resp := receivingResponse{
		ID:            rec.ID,
		POID:          rec.POID,
		InvoiceNumber: rec.InvoiceNumber,
		InvoiceDate:   rec.InvoiceDate,
		InvoiceAmount: rec.InvoiceAmount.String(),
		Status:        rec.Status,
		QCRecordID:    rec.QCRecordID,
		CreatedAt:     rec.CreatedAt,
	}
	for _, line := range rec.Lines {
		resp.Lines = append(resp.Lines, receivingLineResponse{
			ID:          line.ID,
			ProductID:   line.ProductID,
			OrderedQty:  line.OrderedQty,
			ReceivedQty: line.ReceivedQty,
			BatchNumber: line.BatchNumber,
			MfgDate:     timePtr(line.MfgDate),
			ExpDate:     timePtr(line.ExpDate),
			Status:      line.Status,
		})
	}
	return resp
}

func (h *Handler) createReceiving(w http.ResponseWriter, r *http.Request) {
	var req createReceivingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input := SubmitReceivingInput{
		POID:          req.POID,
		InvoiceNumber: req.InvoiceNumber,
		CreatedBy:     shared.ActorFromContext(r.Context()),
	}
	if req.InvoiceDate != "" {
		date, err := time.Parse("2006-01-02", req.InvoiceDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "validation failed", "invoiceDate must be YYYY-MM-DD")
			return
		}
		input.InvoiceDate = date
	}
	if req.InvoiceAmount != "" {
		amount, err := decimal.NewFromString(req.InvoiceAmount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "validation failed", "invalid invoice amount")
			return
		}
		input.InvoiceAmount = amount
	}
	lines, err := toReceivingLineInputs(req.Lines)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input.Lines = lines
	rec, err := h.svc.SubmitReceiving(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReceivingResponse(rec))
}

func (h *Handler) getReceiving(w http.ResponseWriter, r *http.Request) {
	recID, ok := pathID(w, r, "receivingID")
	if !ok {
		return
	}
	rec, err := h.svc.GetReceiving(r.Context(), recID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReceivingResponse(rec))
}

func (h *Handler) listReceivings(w http.ResponseWriter, r *http.Request) {
	poID, ok := pathID(w, r, "poID")
	if !ok {
		return
	}
	records, err := h.svc.ListReceivings(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]receivingResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toReceivingResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) updateReceiving(w http.ResponseWriter, r *http.Request) {
	recID, ok := pathID(w, r, "receivingID")
	if !ok {
		return
	}
	var req struct {
		Lines []receivingLineRequest `json:"lines" validate:"required,min=1,dive"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	lines, err := toReceivingLineInputs(req.Lines)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if err := h.svc.UpdateReceiving(r.Context(), recID, lines, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (h *Handler) deleteReceiving(w http.ResponseWriter, r *http.Request) {
	recID, ok := pathID(w, r, "receivingID")
	if !ok {
		return
	}
	if err := h.svc.DeleteReceiving(r.Context(), recID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitReceiving(w http.ResponseWriter, r *http.Request) {
	recID, ok := pathID(w, r, "receivingID")
	if !ok {
		return
	}
	if err := h.svc.SubmitReceivingRecord(r.Context(), recID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	rec, err := h.svc.GetReceiving(r.Context(), recID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReceivingResponse(rec))
}

// respondError maps domain errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var forbidden *ForbiddenTransitionError
	var overReceipt *OverReceiptError
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.As(err, &forbidden), errors.Is(err, ErrInvalidPOState), errors.Is(err, ErrReceivingImmutable), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &overReceipt):
		httpx.Problem(w, http.StatusUnprocessableEntity, "over-receipt", err.Error())
	default:
		h.logger.Error("procurement request failed", "path", r.URL.Path, "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "unexpected failure")
	}
}

func toReceivingLineInputs(reqs []receivingLineRequest) ([]ReceivingLineInput, error) {
	lines := make([]ReceivingLineInput, 0, len(reqs))
	for _, line := range reqs {
		in := ReceivingLineInput{
			ProductID:   line.ProductID,
			ReceivedQty: line.ReceivedQty,
			BatchNumber: line.BatchNumber,
		}
		var err error
		if in.MfgDate, err = parseDate(line.MfgDate); err != nil {
			return nil, err
		}
		if in.ExpDate, err = parseDate(line.ExpDate); err != nil {
			return nil, err
		}
		lines = append(lines, in)
	}
	return lines, nil
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", value)
}

func parsePrice(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid identifier", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
