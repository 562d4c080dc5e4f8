package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/engine"
	"github.com/xela07ax/formguard/internal/predict"
)

// SessionHandler обслуживает живую форму: телеметрию полей, подсказки и отправку записи.
type SessionHandler struct {
	orch     *engine.Orchestrator
	sessions *engine.SessionManager
	logger   *zap.Logger
}

func NewSessionHandler(orch *engine.Orchestrator, sessions *engine.SessionManager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{orch: orch, sessions: sessions, logger: logger.Named("sessions-api")}
}

// Routes Маршруты для Chi, монтируются в /v1/sessions
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{sid}", func(r chi.Router) {
		r.Delete("/", h.Close)
		r.Route("/fields/{field}", func(r chi.Router) {
			r.Post("/focus", h.Focus)
			r.Post("/keystroke", h.Keystroke)
			r.Post("/paste", h.Paste)
			r.Post("/copy", h.Copy)
			r.Post("/blur", h.Blur)
		})
		r.Post("/predictions", h.Predictions)
		r.Post("/learn", h.Learn)
		r.Post("/entries", h.Submit)
	})
	return r
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// Create открывает новую сессию формы.
// POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create()
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: s.ID})
}

// DELETE /v1/sessions/{sid}
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "sid")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// session достает сессию из пути или сразу отвечает ошибкой.
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) Focus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.StartFieldMonitoring(chi.URLParam(r, "field"))
	w.WriteHeader(http.StatusNoContent)
}

// At во всех событиях телеметрии - время на клиенте в unix ms. Ноль - время прихода запроса.
type keystrokeRequest struct {
	Key string `json:"key"`
	At  int64  `json:"at,omitempty"`
}

func eventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (h *SessionHandler) Keystroke(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req keystrokeRequest
	if !decode(w, r, &req) {
		return
	}
	s.RecordKeystroke(chi.URLParam(r, "field"), req.Key, eventTime(req.At))
	w.WriteHeader(http.StatusNoContent)
}

type clipboardRequest struct {
	Length int   `json:"length"`
	At     int64 `json:"at,omitempty"`
}

func (h *SessionHandler) Paste(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req clipboardRequest
	if !decode(w, r, &req) {
		return
	}
	s.RecordPaste(chi.URLParam(r, "field"), req.Length, eventTime(req.At))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Copy(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req clipboardRequest
	if !decode(w, r, &req) {
		return
	}
	s.RecordCopy(chi.URLParam(r, "field"), req.Length, eventTime(req.At))
	w.WriteHeader(http.StatusNoContent)
}

type blurRequest struct {
	Value string `json:"value"`
}

func (h *SessionHandler) Blur(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req blurRequest
	if !decode(w, r, &req) {
		return
	}
	s.StopFieldMonitoring(chi.URLParam(r, "field"), req.Value)
	w.WriteHeader(http.StatusNoContent)
}

type predictionRequest struct {
	Field   string           `json:"field"`
	Value   string           `json:"value"`
	Context *predict.Context `json:"context,omitempty"`
}

// Predictions - подсказки для живого ввода.
// POST /v1/sessions/{sid}/predictions
func (h *SessionHandler) Predictions(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req predictionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Field == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "field is required"})
		return
	}
	writeJSON(w, http.StatusOK, h.orch.GetPredictions(s, req.Field, req.Value, req.Context))
}

type learnRequest struct {
	Field    string `json:"field"`
	Value    string `json:"value"`
	Accepted bool   `json:"accepted"`
}

func (h *SessionHandler) Learn(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req learnRequest
	if !decode(w, r, &req) {
		return
	}
	s.LearnFromInput(req.Field, req.Value, req.Accepted)
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Data map[string]string `json:"data"`
}

// Submit прогоняет форму через конвейер.
// POST /v1/sessions/{sid}/entries
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "data is required"})
		return
	}

	e, err := h.orch.ProcessEntry(r.Context(), s, req.Data)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}
