package pass

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
)

// Handler exposes pass downloads for each platform.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Apple(w http.ResponseWriter, r *http.Request) {
	arc, err := h.svc.Apple(r.Context(), chi.URLParam(r, "cardId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", arc.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+arc.Filename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(arc.Bytes)
}

type googleResponse struct {
	SaveURL  string         `json:"saveUrl"`
	ClassID  string         `json:"classId"`
	ObjectID string         `json:"objectId"`
	JWT      string         `json:"jwt,omitempty"`
	Handoff  google.Handoff `json:"handoff"`
}

// Google answers with a redirect (default), json, or json plus the raw jwt.
func (h *Handler) Google(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	switch format {
	case "", "redirect", "json", "jwt":
	default:
		h.writeError(w, apperr.Validation("google pass", "format must be redirect, json or jwt"))
		return
	}
	res, err := h.svc.Google(r.Context(), chi.URLParam(r, "cardId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	body := googleResponse{
		SaveURL:  res.SaveURL,
		ClassID:  res.ClassID,
		ObjectID: res.ObjectID,
		Handoff:  google.HandoffPayload(res.SaveURL),
	}
	switch format {
	case "json":
		h.writeJSON(w, http.StatusOK, body)
	case "jwt":
		body.JWT = res.JWT
		h.writeJSON(w, http.StatusOK, body)
	default:
		http.Redirect(w, r, res.SaveURL, http.StatusFound)
	}
}

func (h *Handler) PWA(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.PWA(r.Context(), chi.URLParam(r, "cardId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warnw("pass generation failed", "err", err)
	} else {
		h.logger.Debugw("pass request rejected", "err", err)
	}
	h.writeJSON(w, status, map[string]any{"error": apperr.Public(err)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
