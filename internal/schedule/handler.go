package schedule

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/shigulys/boletines-medicion-sub000/internal/platform/httpx"
	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

const idempotencyModule = "payment_schedule"

// Handler manages payment schedule endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency *shared.IdempotencyStore
	validate    *validator.Validate
}

// NewHandler builds a Handler instance. idempotency may be nil, in which case
// the Idempotency-Key header is not honoured.
func NewHandler(logger *slog.Logger, service *Service, idempotency *shared.IdempotencyStore) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idempotency, validate: validator.New()}
}

// MountRoutes registers payment schedule routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/schedules", h.list)
	r.Get("/schedules/{id}", h.get)
	r.Post("/schedules", h.create)
	r.Put("/schedules/{id}", h.edit)
	r.Post("/schedules/{id}/approve", h.approve)
	r.Post("/schedules/{id}/send", h.sendToFinance)
	r.Post("/schedules/{id}/restart", h.restart)
	r.Post("/schedules/{id}/cancel", h.cancel)
}

type schedulePayload struct {
	RequestIDs     []int64 `json:"request_ids" validate:"omitempty,min=1"`
	CommitmentDate string  `json:"commitment_date" validate:"required"`
	PaymentDate    string  `json:"payment_date" validate:"required"`
	Notes          string  `json:"notes"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	schedules, err := h.service.List(r.Context(), ListFilters{
		Status: Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.logger.Error("list schedules", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.scheduleID(w, r)
	if !ok {
		return
	}
	sched, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sched)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.financeActor(w, r)
	if !ok {
		return
	}
	var payload schedulePayload
	if !h.decode(w, r, &payload) {
		return
	}
	if len(payload.RequestIDs) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request_ids is required")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Conflict", "request already processed")
				return
			}
			h.logger.Error("idempotency check", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	sched, err := h.service.Create(r.Context(), CreateInput{
		RequestIDs:     payload.RequestIDs,
		CommitmentDate: payload.CommitmentDate,
		PaymentDate:    payload.PaymentDate,
		Notes:          payload.Notes,
		Actor:          actor,
	})
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		h.logger.Error("create schedule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sched)
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.financeActor(w, r)
	if !ok {
		return
	}
	id, ok := h.scheduleID(w, r)
	if !ok {
		return
	}
	var payload schedulePayload
	if !h.decode(w, r, &payload) {
		return
	}
	result, err := h.service.Update(r.Context(), id, UpdateInput{
		RequestIDs:     payload.RequestIDs,
		CommitmentDate: payload.CommitmentDate,
		PaymentDate:    payload.PaymentDate,
		Notes:          payload.Notes,
		Actor:          actor,
	})
	if err != nil {
		h.logger.Error("edit schedule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"schedule":       result.Schedule,
		"changed":        result.Changed,
		"approval_reset": result.ApprovalReset,
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

func (h *Handler) sendToFinance(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.SendToFinance)
}

func (h *Handler) restart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.RestartFlow)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64, actor shared.Actor) (PaymentSchedule, error)) {
	actor, ok := h.financeActor(w, r)
	if !ok {
		return
	}
	id, ok := h.scheduleID(w, r)
	if !ok {
		return
	}
	sched, err := fn(r.Context(), id, actor)
	if err != nil {
		h.logger.Error("schedule transition", slog.Int64("schedule_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sched)
}

func (h *Handler) financeActor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.CanApproveFinance() {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "schedule management requires an accounting or admin role")
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) scheduleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid schedule id")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, payload *schedulePayload) bool {
	if err := httpx.DecodeJSON(r, payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return false
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}
