package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/anomaly"
	"github.com/xela07ax/formguard/internal/domain"
	"github.com/xela07ax/formguard/internal/infra/auth"
)

// AdminService Описываем, что нам нужно от оркестратора для админских ручек
type AdminService interface {
	GetValidationStats(ctx context.Context) (domain.ValidationStats, error)
	GetAllAuditLogs(ctx context.Context) ([]domain.AuditLogEntry, error)
	GetValidationRules() anomaly.Rules
	UpdateValidationRules(ctx context.Context, raw json.RawMessage) (domain.RulesUpdateResult, error)
}

type AdminHandler struct {
	service AdminService
	logger  *zap.Logger
}

func NewAdminHandler(s AdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{service: s, logger: logger.Named("admin-api")}
}

// GetStats считает агрегаты по коллекциям в момент запроса.
// GET /v1/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetValidationStats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetLogs возвращает весь журнал аудита.
// GET /v1/audit
func (h *AdminHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.service.GetAllAuditLogs(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// GET /v1/rules
func (h *AdminHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetValidationRules())
}

// UpdateRules накладывает заплатку правил и перевалидирует staging.
// PUT /v1/rules
func (h *AdminHandler) UpdateRules(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.service.UpdateValidationRules(r.Context(), raw)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	userID := ""
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		userID = claims.UserID
	}
	h.logger.Info("rules updated via api",
		zap.String("user_id", userID),
		zap.Int("entries_revalidated", res.EntriesRevalidated),
	)
	writeJSON(w, http.StatusOK, res)
}
