package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/formguard/internal/anomaly"
	"github.com/xela07ax/formguard/internal/api/handler"
	"github.com/xela07ax/formguard/internal/confidence"
	"github.com/xela07ax/formguard/internal/domain"
	"github.com/xela07ax/formguard/internal/engine"
	"github.com/xela07ax/formguard/internal/infra"
	"github.com/xela07ax/formguard/internal/infra/auth"
	"github.com/xela07ax/formguard/internal/predict"
	"github.com/xela07ax/formguard/internal/repository/memory"
)

type testAPI struct {
	srv *Server
	key *rsa.PrivateKey
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	logger := zap.NewNop()
	scorer, err := confidence.NewScorer(confidence.DefaultConfig())
	require.NoError(t, err)

	orch := engine.NewOrchestrator(memory.NewStore(), anomaly.NewDetector(), scorer, nil, logger, engine.OrchestratorConfig{})
	sessions := engine.NewSessionManager(time.Hour, 100, 5, nil, logger)

	cfg := &infra.Config{Auth: infra.AuthConfig{AdminScope: domain.ScopeRulesWrite}}
	srv := NewServer(cfg, logger, auth.NewRSAValidator(&key.PublicKey),
		handler.NewSessionHandler(orch, sessions, logger),
		handler.NewEntryHandler(orch, logger),
		handler.NewAdminHandler(orch, logger),
	)
	return &testAPI{srv: srv, key: key}
}

func (a *testAPI) token(t *testing.T, scopes map[string]bool) string {
	t.Helper()
	claims := domain.CustomClaims{
		UserID: "admin-1",
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	require.NoError(t, err)
	return "Bearer " + s
}

func (a *testAPI) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(engine.TraceHeader))
}

func TestEntryLifecycle(t *testing.T) {
	api := newTestAPI(t)

	// 1. Сессия формы
	rec := api.do(t, http.MethodPost, "/v1/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := decodeBody[map[string]string](t, rec)["session_id"]
	require.NotEmpty(t, sid)

	// 2. Телеметрия поля
	base := "/v1/sessions/" + sid
	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/fields/email/focus", nil, "").Code)
	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/fields/email/keystroke", map[string]string{"key": "j"}, "").Code)
	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/fields/email/paste", map[string]int{"length": 9}, "").Code)
	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/fields/email/copy", map[string]int{"length": 9}, "").Code)
	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/fields/email/blur", map[string]string{"value": "john@gmial"}, "").Code)

	// 3. Подсказки
	rec = api.do(t, http.MethodPost, base+"/predictions", map[string]any{"field": "email", "value": "john@gmial"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	suggestions := decodeBody[[]domain.Suggestion](t, rec)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "john@gmail.com", suggestions[0].Value)

	rec = api.do(t, http.MethodPost, base+"/predictions", predictRequestWithContext(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/learn",
		map[string]any{"field": "email", "value": "john@gmail.com", "accepted": true}, "").Code)

	// 4. Отправка записи, которая уходит в карантин
	rec = api.do(t, http.MethodPost, base+"/entries", map[string]any{"data": map[string]string{
		"firstName": "AAAAAAA", "email": "spam@test.com", "phone": "123",
	}}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	entry := decodeBody[domain.Entry](t, rec)
	assert.Equal(t, domain.StatusQuarantine, entry.Status)

	rec = api.do(t, http.MethodGet, "/v1/entries/"+entry.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// 5. Исправление
	rec = api.do(t, http.MethodPost, "/v1/entries/"+entry.ID+"/revalidate", map[string]any{"updates": map[string]string{
		"firstName": "Ada", "email": "ada@example.com", "phone": "9876543210",
	}}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	fixed := decodeBody[domain.Entry](t, rec)
	require.Len(t, fixed.ChangeHistory, 1)
	assert.Equal(t, domain.StatusQuarantine, fixed.ChangeHistory[0].PreviousStatus)

	// 6. Откат: без тела - один шаг
	rec = api.do(t, http.MethodPost, "/v1/entries/"+entry.ID+"/undo", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[domain.Entry](t, rec).ChangeHistory)

	rec = api.do(t, http.MethodPost, "/v1/entries/"+entry.ID+"/undo", map[string]int{"steps": 1}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/entries/"+entry.ID+"/undo", map[string]int{"steps": 0}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 7. Аудит и статистика
	rec = api.do(t, http.MethodGet, "/v1/entries/"+entry.ID+"/audit", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[[]domain.AuditLogEntry](t, rec)
	require.Len(t, logs, 3)
	assert.Equal(t, domain.ActionCreated, logs[0].Action)
	assert.NotEmpty(t, logs[0].TraceID)

	rec = api.do(t, http.MethodGet, "/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[domain.ValidationStats](t, rec)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 3, stats.AuditLogCount)

	// 8. Закрытие сессии
	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, base, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, base+"/fields/email/focus", nil, "").Code)
}

func predictRequestWithContext() map[string]any {
	return map[string]any{
		"field":   "email",
		"value":   "jo",
		"context": predict.Context{RelatedFields: map[string]string{"firstName": "John"}},
	}
}

func TestErrors(t *testing.T) {
	api := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/v1/sessions/nope/entries", map[string]any{"data": map[string]string{"a": "b"}}, "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/v1/entries/nope", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/v1/entries/nope/revalidate", map[string]any{}, "").Code)

	sid := decodeBody[map[string]string](t, api.do(t, http.MethodPost, "/v1/sessions", nil, ""))["session_id"]
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/v1/sessions/"+sid+"/entries", "{broken", "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/v1/sessions/"+sid+"/entries", map[string]any{}, "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/v1/sessions/"+sid+"/predictions", map[string]any{"value": "x"}, "").Code)
}

func TestRulesAdmin(t *testing.T) {
	api := newTestAPI(t)
	patch := map[string]any{"name": map[string]any{"min_length": 2, "max_length": 50}}

	rec := api.do(t, http.MethodGet, "/v1/rules", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decodeBody[anomaly.Rules](t, rec)
	assert.Equal(t, 100, rules[domain.FieldName].MaxLength)

	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodPut, "/v1/rules", patch, "").Code)
	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodPut, "/v1/rules", patch, api.token(t, map[string]bool{"audit.read": true})).Code)

	admin := api.token(t, map[string]bool{domain.ScopeRulesWrite: true})
	rec = api.do(t, http.MethodPut, "/v1/rules", patch, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[domain.RulesUpdateResult](t, rec)
	assert.True(t, res.RulesUpdated)

	rules = decodeBody[anomaly.Rules](t, api.do(t, http.MethodGet, "/v1/rules", nil, ""))
	assert.Equal(t, 50, rules[domain.FieldName].MaxLength)

	rec = api.do(t, http.MethodPut, "/v1/rules", map[string]any{"name": map[string]any{"pattern": "/([/"}}, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/v1/audit", nil, "").Code)
	rec = api.do(t, http.MethodGet, "/v1/audit", nil, api.token(t, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesDisabledWithoutKey(t *testing.T) {
	logger := zap.NewNop()
	scorer, err := confidence.NewScorer(confidence.DefaultConfig())
	require.NoError(t, err)
	orch := engine.NewOrchestrator(memory.NewStore(), anomaly.NewDetector(), scorer, nil, logger, engine.OrchestratorConfig{})

	srv := NewServer(&infra.Config{}, logger, nil,
		handler.NewSessionHandler(orch, engine.NewSessionManager(0, 0, 0, nil, logger), logger),
		handler.NewEntryHandler(orch, logger),
		handler.NewAdminHandler(orch, logger),
	)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/rules", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(rate.Limit(0), 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestKeystrokeClientTimestamps(t *testing.T) {
	api := newTestAPI(t)
	sid := decodeBody[map[string]string](t, api.do(t, http.MethodPost, "/v1/sessions", nil, ""))["session_id"]
	base := "/v1/sessions/" + sid

	// Все запросы уходят сразу, интервалы задает клиентская отметка at
	require.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/fields/firstName/focus", nil, "").Code)
	typedAt := time.Now().Add(-time.Minute).UnixMilli()
	for _, r := range "Ada" {
		typedAt += 200
		rec := api.do(t, http.MethodPost, base+"/fields/firstName/keystroke", map[string]any{"key": string(r), "at": typedAt}, "")
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	require.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, base+"/fields/firstName/blur", map[string]string{"value": "Ada"}, "").Code)

	rec := api.do(t, http.MethodPost, base+"/entries", map[string]any{"data": map[string]string{"firstName": "Ada"}}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decodeBody[domain.Entry](t, rec).Behavior["firstName"]

	assert.InDelta(t, 200.0, b.Metrics.AvgKeystrokeIntervalMs, 0.001)
	assert.NotContains(t, b.Flags, domain.FlagRapidEntry)
}
