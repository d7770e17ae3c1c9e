package registration

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
)

const authScheme = "ApplePass "

// Handler serves the device web service under the pass's webServiceURL.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes are relative to <webServiceURL>/v1.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/devices/{device}/registrations/{passType}/{serial}", h.Register)
	r.Delete("/devices/{device}/registrations/{passType}/{serial}", h.Unregister)
	r.Get("/devices/{device}/registrations/{passType}", h.UpdatedSerials)
	r.Get("/passes/{passType}/{serial}", h.LatestPass)
	r.Post("/log", h.Log)
	return r
}

type registerRequest struct {
	PushToken string `json:"pushToken"`
}

type serialsResponse struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}

type logRequest struct {
	Logs []string `json:"logs"`
}

func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), authScheme)
	err := h.svc.Authorize(chi.URLParam(r, "passType"), chi.URLParam(r, "serial"), token)
	if err != nil || !strings.HasPrefix(r.Header.Get("Authorization"), authScheme) {
		h.logger.Debugw("rejected device request", "path", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid registration payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	created, err := h.svc.Register(r.Context(), chi.URLParam(r, "device"),
		chi.URLParam(r, "passType"), chi.URLParam(r, "serial"), req.PushToken)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	err := h.svc.Unregister(r.Context(), chi.URLParam(r, "device"),
		chi.URLParam(r, "passType"), chi.URLParam(r, "serial"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UpdatedSerials is unauthenticated: the device only learns serials it registered.
func (h *Handler) UpdatedSerials(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if tag := r.URL.Query().Get("passesUpdatedSince"); tag != "" {
		sec, err := strconv.ParseInt(tag, 10, 64)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid passesUpdatedSince"})
			return
		}
		since = time.Unix(sec, 0).UTC()
	}
	serials, last, err := h.svc.SerialsUpdatedSince(r.Context(), chi.URLParam(r, "device"), chi.URLParam(r, "passType"), since)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(serials) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, serialsResponse{
		SerialNumbers: serials,
		LastUpdated:   strconv.FormatInt(last.Unix(), 10),
	})
}

func (h *Handler) LatestPass(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	arc, updated, err := h.svc.LatestPass(r.Context(), chi.URLParam(r, "passType"), chi.URLParam(r, "serial"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ims, perr := http.ParseTime(r.Header.Get("If-Modified-Since")); perr == nil && !updated.After(ims) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", arc.ContentType)
	w.Header().Set("Last-Modified", updated.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(arc.Bytes)
}

func (h *Handler) Log(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	for _, line := range req.Logs {
		h.logger.Warnw("wallet device log", "message", line)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, ErrUnknownPass):
		w.WriteHeader(http.StatusNotFound)
	default:
		h.logger.Warnw("device web service failed", "err", err)
		h.writeJSON(w, apperr.HTTPStatus(err), map[string]any{"error": apperr.Public(err)})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
