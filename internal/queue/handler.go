package queue

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

// Handler is the inbound trigger used by the card mutation path.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// EnqueueRequest request body for the enqueue endpoint.
type EnqueueRequest struct {
	CardID     string            `json:"cardId"`
	UpdateKind string            `json:"updateKind"`
	Metadata   json.RawMessage   `json:"metadata"`
	Platforms  []entity.Platform `json:"platforms"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid enqueue payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	it, err := h.svc.Enqueue(r.Context(), req.CardID, entity.UpdateKind(req.UpdateKind), req.Metadata, req.Platforms...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, it)
}

func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.svc.ListFailed(r.Context(), limit)
	if err != nil {
		h.writeError(w, apperr.Internal("list failed", "queue unavailable", err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) ListByCard(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListByCard(r.Context(), chi.URLParam(r, "cardId"))
	if err != nil {
		h.writeError(w, apperr.Internal("list card items", "queue unavailable", err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, apperr.Validation("retry", "queue id must be numeric"))
		return
	}
	it, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, it)
}

func nonNil(items []entity.Item) []entity.Item {
	if items == nil {
		return []entity.Item{}
	}
	return items
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.logger.Debugw("queue request failed", "err", err)
	h.writeJSON(w, apperr.HTTPStatus(err), map[string]any{"error": apperr.Public(err)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
