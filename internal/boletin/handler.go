package boletin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/shigulys/boletines-medicion-sub000/internal/orders"
	"github.com/shigulys/boletines-medicion-sub000/internal/platform/httpx"
	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
	"github.com/shigulys/boletines-medicion-sub000/jobs"
)

// Notifier enqueues outbound notifications. The core never sends them; the
// handler fires the event after a successful transition.
type Notifier interface {
	EnqueueRequestApproved(ctx context.Context, payload jobs.RequestEventPayload) error
	EnqueueRequestCreated(ctx context.Context, payload jobs.RequestEventPayload) error
}

// Handler manages payment request endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	oracle   orders.Oracle
	notify   Notifier
	validate *validator.Validate
}

// NewHandler builds a Handler instance. notify may be nil.
func NewHandler(logger *slog.Logger, service *Service, oracle orders.Oracle, notify Notifier) *Handler {
	return &Handler{logger: logger, service: service, oracle: oracle, notify: notify, validate: validator.New()}
}

// MountRoutes registers payment request routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/requests", h.list)
	r.Get("/requests/eligible", h.listEligible)
	r.Get("/requests/{id}", h.get)
	r.Post("/requests", h.create)
	r.Put("/requests/{id}", h.edit)
	r.Post("/requests/{id}/status", h.setStatus)
	r.Post("/requests/{id}/override", h.override)
}

type linePayload struct {
	ItemID              string  `json:"item_id" validate:"required"`
	Unit                string  `json:"unit" validate:"required"`
	Quantity            float64 `json:"quantity" validate:"gt=0"`
	TaxPercent          float64 `json:"tax_pct" validate:"gte=0,lte=100"`
	RetentionPercent    float64 `json:"retention_pct" validate:"gte=0,lte=100"`
	TaxRetentionPercent float64 `json:"tax_retention_pct" validate:"gte=0,lte=100"`
}

type requestPayload struct {
	OrderID          string        `json:"order_id" validate:"required"`
	Date             string        `json:"date"`
	RetentionPercent float64       `json:"retention_pct" validate:"gte=0,lte=100"`
	AdvancePercent   float64       `json:"advance_pct" validate:"gte=0,lte=100"`
	ISRPercent       float64       `json:"isr_pct" validate:"gte=0,lte=100"`
	Notify           string        `json:"notify" validate:"omitempty,email"`
	Lines            []linePayload `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	requests, err := h.service.List(r.Context(), ListFilters{
		Status:  Status(q.Get("status")),
		OrderID: q.Get("order_id"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.logger.Error("list requests", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (h *Handler) listEligible(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.ListEligible(r.Context())
	if err != nil {
		h.logger.Error("list eligible requests", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	request, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, request)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	input, payload, ok := h.buildInput(w, r, 0)
	if !ok {
		return
	}
	request, err := h.service.BuildOrUpdate(r.Context(), *input)
	if err != nil {
		h.logger.Error("create request", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.notify != nil && payload.Notify != "" {
		if err := h.notify.EnqueueRequestCreated(r.Context(), jobs.RequestEventPayload{
			DocNumber:  request.DocNumber,
			OrderID:    request.OrderID,
			VendorName: request.VendorName,
			NetTotal:   request.NetTotal,
			Recipient:  payload.Notify,
		}); err != nil {
			h.logger.Warn("enqueue created notification", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusCreated, request)
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	input, _, ok := h.buildInput(w, r, id)
	if !ok {
		return
	}
	request, err := h.service.BuildOrUpdate(r.Context(), *input)
	if err != nil {
		h.logger.Error("edit request", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, request)
}

type statusPayload struct {
	Status          string `json:"status" validate:"required"`
	RejectionReason string `json:"rejection_reason"`
	Notify          string `json:"notify" validate:"omitempty,email"`
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.CanApproveFinance() {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "approval requires an accounting or admin role")
		return
	}
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var payload statusPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	request, err := h.service.SetStatus(r.Context(), id, Status(payload.Status), payload.RejectionReason)
	if err != nil {
		h.logger.Error("set request status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.notify != nil && request.Status == StatusApproved && payload.Notify != "" {
		if err := h.notify.EnqueueRequestApproved(r.Context(), jobs.RequestEventPayload{
			DocNumber:  request.DocNumber,
			OrderID:    request.OrderID,
			VendorName: request.VendorName,
			NetTotal:   request.NetTotal,
			Recipient:  payload.Notify,
		}); err != nil {
			h.logger.Warn("enqueue approved notification", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusOK, request)
}

func (h *Handler) override(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || actor.Role != shared.RoleAdmin {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "status override requires the admin role")
		return
	}
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var payload statusPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	request, err := h.service.OverrideStatus(r.Context(), id, Status(payload.Status), payload.RejectionReason, actor)
	if err != nil {
		h.logger.Error("override request status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, request)
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request id")
		return 0, false
	}
	return id, true
}

// buildInput decodes the payload and joins it with the order oracle: vendor
// and project come from the order header, descriptions, prices and received
// quantities from the order lines.
func (h *Handler) buildInput(w http.ResponseWriter, r *http.Request, editingID int64) (*BuildInput, *requestPayload, bool) {
	var payload requestPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return nil, nil, false
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return nil, nil, false
	}

	header, orderLines, err := h.oracle.GetOrder(r.Context(), payload.OrderID)
	if err != nil {
		h.logger.Error("load order", slog.Any("error", err))
		httpx.RespondError(w, err)
		return nil, nil, false
	}
	byItem := make(map[string]orders.OrderLine, len(orderLines))
	for _, line := range orderLines {
		byItem[line.ItemID] = line
	}

	input := BuildInput{
		OrderID:          payload.OrderID,
		VendorName:       header.VendorName,
		VendorFiscalID:   header.VendorFiscalID,
		ProjectName:      header.ProjectName,
		RetentionPercent: payload.RetentionPercent,
		AdvancePercent:   payload.AdvancePercent,
		ISRPercent:       payload.ISRPercent,
		EditingRequestID: editingID,
	}
	if payload.Date != "" {
		date, err := time.Parse("2006-01-02", payload.Date)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
			return nil, nil, false
		}
		input.Date = date
	}
	for _, line := range payload.Lines {
		orderLine, ok := byItem[line.ItemID]
		if !ok {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item "+line.ItemID+" is not on order "+payload.OrderID)
			return nil, nil, false
		}
		received := orderLine.ReceivedQuantity
		input.Lines = append(input.Lines, LineInput{
			ItemID:              line.ItemID,
			Description:         orderLine.Description,
			UnitOfMeasure:       line.Unit,
			Quantity:            line.Quantity,
			UnitPrice:           orderLine.UnitPrice,
			TaxPercent:          line.TaxPercent,
			RetentionPercent:    line.RetentionPercent,
			TaxRetentionPercent: line.TaxRetentionPercent,
			ReceivedQuantity:    &received,
		})
	}
	return &input, &payload, true
}
