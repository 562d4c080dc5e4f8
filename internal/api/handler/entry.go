package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/engine"
)

// EntryHandler - исправление и откат записей, их аудит.
type EntryHandler struct {
	orch   *engine.Orchestrator
	logger *zap.Logger
}

func NewEntryHandler(orch *engine.Orchestrator, logger *zap.Logger) *EntryHandler {
	return &EntryHandler{orch: orch, logger: logger.Named("entries-api")}
}

// Routes Маршруты для Chi, монтируются в /v1/entries
func (h *EntryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/revalidate", h.Revalidate)
		r.Post("/undo", h.Undo)
		r.Get("/audit", h.Audit)
	})
	return r
}

// GET /v1/entries/{id}
func (h *EntryHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.orch.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type revalidateRequest struct {
	Updates map[string]string `json:"updates"`
}

// Revalidate применяет правки и пересчитывает запись.
// POST /v1/entries/{id}/revalidate
func (h *EntryHandler) Revalidate(w http.ResponseWriter, r *http.Request) {
	var req revalidateRequest
	if !decode(w, r, &req) {
		return
	}

	e, err := h.orch.RevalidateEntry(r.Context(), chi.URLParam(r, "id"), req.Updates)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type undoRequest struct {
	Steps int `json:"steps"`
}

// Undo откатывает последние шаги истории. Без тела - один шаг.
// POST /v1/entries/{id}/undo
func (h *EntryHandler) Undo(w http.ResponseWriter, r *http.Request) {
	req := undoRequest{Steps: 1}
	if !decode(w, r, &req) {
		return
	}

	e, err := h.orch.UndoChanges(r.Context(), chi.URLParam(r, "id"), req.Steps)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GET /v1/entries/{id}/audit
func (h *EntryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	logs, err := h.orch.GetAuditLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
