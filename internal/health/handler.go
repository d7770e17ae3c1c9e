package health

import (
	"encoding/json"
	"net/http"
)

type Handler struct {
	m *Monitor
}

func NewHandler(m *Monitor) *Handler { return &Handler{m: m} }

// Health always answers 200; operators read the status field.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.m.CheckHealth(r.Context()))
}

// Compliance answers 503 when critical so deploy pipelines can gate on the status code.
func (h *Handler) Compliance(w http.ResponseWriter, r *http.Request) {
	rep := h.m.CheckCompliance(r.Context())
	status := http.StatusOK
	if rep.Status == StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
