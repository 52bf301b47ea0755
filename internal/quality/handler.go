package quality

import (
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

// Handler exposes the quality control and warehouse approval HTTP API.
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

// Routes mounts the quality endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/qc-records", func(r chi.Router) {
		r.Get("/", h.listRecords)
		r.Route("/{qcID}", func(r chi.Router) {
			r.Get("/", h.getRecord)
			r.Post("/items", h.recordItemResult)
			r.Post("/submit", h.submitForApproval)
			r.Post("/approve", h.approveRecord)
			r.Post("/reject", h.rejectRecord)
		})
	})
	r.Route("/warehouse-approvals", func(r chi.Router) {
		r.Get("/", h.listApprovals)
		r.Route("/{approvalID}", func(r chi.Router) {
			r.Get("/", h.getApproval)
			r.Post("/checks", h.recordCheck)
			r.Post("/manager-actions", h.managerAction)
		})
	})
	return r
}

type itemResponse struct {
	Idx     int        `json:"idx"`
	Status  ItemStatus `json:"status"`
	Reasons []string   `json:"reasons,omitempty"`
}

type productResponse struct {
	Idx           int              `json:"idx"`
	ProductID     int64            `json:"productId"`
	BatchNumber   string           `json:"batchNumber"`
	ReceivedQty   int64            `json:"receivedQty"`
	PassedQty     int64            `json:"passedQty"`
	FailedQty     int64            `json:"failedQty"`
	OverallStatus ProductStatus    `json:"overallStatus"`
	Summary       map[string]int64 `json:"summary,omitempty"`
	Items         []itemResponse   `json:"items,omitempty"`
}

type recordResponse struct {
	ID            int64             `json:"id"`
	ReceivingID   int64             `json:"receivingId"`
	POID          int64             `json:"poId"`
	InvoiceNumber string            `json:"invoiceNumber"`
	Status        RecordStatus      `json:"status"`
	OverallResult ProductStatus     `json:"overallResult"`
	CreatedAt     time.Time         `json:"createdAt"`
	Products      []productResponse `json:"products,omitempty"`
}

func toRecordResponse(rec Record) recordResponse {
	resp := recordResponse{
		ID:            rec.ID,
		ReceivingID:   rec.ReceivingID,
		POID:          rec.POID,
		InvoiceNumber: rec.InvoiceNumber,
		Status:        rec.Status,
		OverallResult: rec.OverallResult,
		CreatedAt:     rec.CreatedAt,
	}
	for _, p := range rec.Products {
		pr := productResponse{
			Idx:           p.Idx,
			ProductID:     p.CatalogueID,
			BatchNumber:   p.BatchNumber,
			ReceivedQty:   p.ReceivedQty,
			PassedQty:     p.PassedQty,
			FailedQty:     p.FailedQty,
			OverallStatus: p.OverallStatus,
			Summary:       p.Summary,
		}
		for _, item := range p.Items {
			pr.Items = append(pr.Items, itemResponse{Idx: item.Idx, Status: item.Status, Reasons: item.Reasons})
		}
		resp.Products = append(resp.Products, pr)
	}
	return resp
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	records, total, err := h.svc.ListRecords(r.Context(), limit, offset, RecordStatus(q.Get("status")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	qcID, ok := pathID(w, r, "qcID")
	if !ok {
		return
	}
	rec, err := h.svc.GetRecord(r.Context(), qcID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecordResponse(rec))
}

type itemResultRequest struct {
	ProductIdx int        `json:"productIdx" validate:"gte=0"`
	ItemIdx    int        `json:"itemIdx" validate:"gte=0"`
	Status     ItemStatus `json:"status" validate:"required,oneof=PASSED FAILED"`
	Reasons    []string   `json:"reasons"`
}

func (h *Handler) recordItemResult(w http.ResponseWriter, r *http.Request) {
	qcID, ok := pathID(w, r, "qcID")
	if !ok {
		return
	}
	var req itemResultRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if err := h.svc.RecordItemResult(r.Context(), qcID, req.ProductIdx, req.ItemIdx, req.Status, req.Reasons, actor); err != nil {
		h.respondError(w, r, err)
		return
	}
	rec, err := h.svc.GetRecord(r.Context(), qcID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecordResponse(rec))
}

type remarksRequest struct {
	Remarks string `json:"remarks"`
}

func (h *Handler) submitForApproval(w http.ResponseWriter, r *http.Request) {
	qcID, ok := pathID(w, r, "qcID")
	if !ok {
		return
	}
	if err := h.svc.SubmitForApproval(r.Context(), qcID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "submitted"})
}

func (h *Handler) approveRecord(w http.ResponseWriter, r *http.Request) {
	qcID, ok := pathID(w, r, "qcID")
	if !ok {
		return
	}
	var req remarksRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.svc.ApproveRecord(r.Context(), qcID, shared.ActorFromContext(r.Context()), req.Remarks); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "completed"})
}

func (h *Handler) rejectRecord(w http.ResponseWriter, r *http.Request) {
	qcID, ok := pathID(w, r, "qcID")
	if !ok {
		return
	}
	var req remarksRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.svc.RejectRecord(r.Context(), qcID, shared.ActorFromContext(r.Context()), req.Remarks); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "rejected"})
}

type approvalProductResponse struct {
	Idx         int      `json:"idx"`
	ProductID   int64    `json:"productId"`
	BatchNumber string   `json:"batchNumber"`
	CarriedQty  int64    `json:"carriedQty"`
	Decision    Decision `json:"decision"`
	ApprovedQty int64    `json:"approvedQty"`
	WarehouseID int64    `json:"warehouseId,omitempty"`
	Location    string   `json:"location,omitempty"`
	Conditions  string   `json:"conditions,omitempty"`
}

type managerActionResponse struct {
	Level   int               `json:"level"`
	Action  ManagerActionType `json:"action"`
	ActorID int64             `json:"actorId"`
	At      time.Time         `json:"at"`
	Remarks string            `json:"remarks,omitempty"`
}

type approvalResponse struct {
	ID            int64                     `json:"id"`
	QCRecordID    int64                     `json:"qcRecordId"`
	ReceivingID   int64                     `json:"receivingId"`
	POID          int64                     `json:"poId"`
	Status        ApprovalStatus            `json:"status"`
	OverallResult ApprovalResult            `json:"overallResult"`
	FinalApproval *time.Time                `json:"finalApprovalAt,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
	Products      []approvalProductResponse `json:"products,omitempty"`
	Actions       []managerActionResponse   `json:"managerActions,omitempty"`
}

func toApprovalResponse(a Approval) approvalResponse {
	resp := approvalResponse{
		ID:            a.ID,
		QCRecordID:    a.QCRecordID,
		ReceivingID:   a.ReceivingID,
		POID:          a.POID,
		Status:        a.Status,
		OverallResult: a.OverallResult,
		CreatedAt:     a.CreatedAt,
	}
	if !a.FinalApproval.IsZero() {
		t := a.FinalApproval
		resp.FinalApproval = &t
	}
	for _, p := range a.Products {
		resp.Products = append(resp.Products, approvalProductResponse{
			Idx:         p.Idx,
			ProductID:   p.CatalogueID,
			BatchNumber: p.BatchNumber,
			CarriedQty:  p.CarriedQty,
			Decision:    p.Decision,
			ApprovedQty: p.ApprovedQty,
			WarehouseID: p.WarehouseID,
			Location:    p.Location,
			Conditions:  p.Conditions,
		})
	}
	for _, action := range a.Actions {
		resp.Actions = append(resp.Actions, managerActionResponse{
			Level:   action.Level,
			Action:  action.Action,
			ActorID: action.ActorID,
			At:      action.At,
			Remarks: action.Remarks,
		})
	}
	return resp
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	approvals, total, err := h.svc.ListApprovals(r.Context(), limit, offset, ApprovalStatus(q.Get("status")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]approvalResponse, 0, len(approvals))
	for _, a := range approvals {
		items = append(items, toApprovalResponse(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) getApproval(w http.ResponseWriter, r *http.Request) {
	approvalID, ok := pathID(w, r, "approvalID")
	if !ok {
		return
	}
	a, err := h.svc.GetApproval(r.Context(), approvalID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toApprovalResponse(a))
}

type checkRequest struct {
	ProductIdx  int      `json:"productIdx" validate:"gte=0"`
	Decision    Decision `json:"decision" validate:"required,oneof=APPROVED REJECTED PARTIAL_APPROVED"`
	ApprovedQty int64    `json:"approvedQty" validate:"gte=0"`
	WarehouseID int64    `json:"warehouseId"`
	Location    string   `json:"location"`
	Conditions  string   `json:"conditions"`
}

func (h *Handler) recordCheck(w http.ResponseWriter, r *http.Request) {
	approvalID, ok := pathID(w, r, "approvalID")
	if !ok {
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input := CheckInput{
		Decision:    req.Decision,
		ApprovedQty: req.ApprovedQty,
		WarehouseID: req.WarehouseID,
		Location:    req.Location,
		Conditions:  req.Conditions,
	}
	if err := h.svc.RecordWarehouseCheck(r.Context(), approvalID, req.ProductIdx, input, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	a, err := h.svc.GetApproval(r.Context(), approvalID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toApprovalResponse(a))
}

type managerActionRequest struct {
	Level   int               `json:"level" validate:"required,gte=1"`
	Action  ManagerActionType `json:"action" validate:"required,oneof=APPROVE REJECT"`
	Remarks string            `json:"remarks"`
}

func (h *Handler) managerAction(w http.ResponseWriter, r *http.Request) {
	approvalID, ok := pathID(w, r, "approvalID")
	if !ok {
		return
	}
	var req managerActionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if err := h.svc.RecordManagerAction(r.Context(), approvalID, req.Level, req.Action, actor, req.Remarks); err != nil {
		h.respondError(w, r, err)
		return
	}
	a, err := h.svc.GetApproval(r.Context(), approvalID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toApprovalResponse(a))
}

// respondError maps domain errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.Is(err, ErrIncompleteSubmission):
		httpx.Problem(w, http.StatusUnprocessableEntity, "incomplete submission", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.Error("quality request failed", "path", r.URL.Path, "error", err)
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
