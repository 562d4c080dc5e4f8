package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/domain"
)

// maxBodyBytes - верхняя граница тела запроса: форма, правила или правки.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor раскладывает доменные ошибки по HTTP кодам. Всё неизвестное - 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrEntryNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientHistory):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRules),
		errors.Is(err, domain.ErrInvalidThresholds),
		errors.Is(err, domain.ErrInvalidWeights):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidSteps):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError не отдает наружу детали внутренних ошибок.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// decode читает JSON тело. Пустое тело допустимо и оставляет v нетронутым.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}
