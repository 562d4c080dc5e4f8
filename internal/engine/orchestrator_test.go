package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/anomaly"
	"github.com/xela07ax/formguard/internal/confidence"
	"github.com/xela07ax/formguard/internal/domain"
	"github.com/xela07ax/formguard/internal/repository/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingNotifier struct{ calls int }

func (n *countingNotifier) NotifyRulesUpdate(context.Context) error {
	n.calls++
	return nil
}

type fixture struct {
	o     *Orchestrator
	store *memory.Store
	clock *fakeClock
	sess  *Session
}

func newFixture(t *testing.T, mode UndoMode) *fixture {
	t.Helper()

	clock := newFakeClock()
	scorer, err := confidence.NewScorer(confidence.DefaultConfig())
	require.NoError(t, err)

	store := memory.NewStore()
	o := NewOrchestrator(store, anomaly.NewDetectorWithClock(clock.Now), scorer, nil, zap.NewNop(), OrchestratorConfig{
		DeviceID: "device_test",
		UndoMode: mode,
		Now:      clock.Now,
	})

	return &fixture{
		o:     o,
		store: store,
		clock: clock,
		sess:  NewSession("s-1", 100, 5, clock.Now),
	}
}

// typeField имитирует ручной ввод: нажатие раз в 150мс.
func (f *fixture) typeField(field, value string) {
	f.sess.StartFieldMonitoring(field)
	for _, r := range value {
		f.clock.Advance(150 * time.Millisecond)
		f.sess.RecordKeystroke(field, string(r), time.Time{})
	}
	f.sess.StopFieldMonitoring(field, value)
}

// Данные, которые без телеметрии уходят в карантин (балл ~0.598)
func riskyData() map[string]string {
	return map[string]string{
		"firstName": "AAAAAAA",
		"email":     "spam@test.com",
		"phone":     "123",
	}
}

func correctedData() map[string]string {
	return map[string]string{
		"firstName": "Ada",
		"email":     "ada@example.com",
		"phone":     "9876543210",
	}
}

func TestProcessEntry_RepetitiveNameStaysInStaging(t *testing.T) {
	f := newFixture(t, UndoCurrent)
	ctx := context.Background()

	e, err := f.o.ProcessEntry(ctx, f.sess, map[string]string{"firstName": "AAAAAAA", "email": "a@b.com"})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Contains(t, anomalyTypesOf(e.Anomalies["firstName"]), domain.AnomalyRepetition)

	// behavior 0.7 (нет телеметрии), anomaly 0.7, format 1, completeness 1
	assert.InDelta(t, 0.805, e.Confidence.Score, 1e-9)
	assert.Equal(t, domain.ScoreReview, e.Confidence.Status)
	assert.Equal(t, domain.StatusStaging, e.Status)
	assert.True(t, e.NeedsReview)
	assert.Equal(t, domain.FieldName, e.FieldTypes["firstName"])
	assert.Equal(t, "device_test", e.Metadata.DeviceID)
	assert.Equal(t, 1, e.Metadata.Version)
	assert.Empty(t, e.ChangeHistory)

	stored, err := f.store.Get(ctx, domain.StatusStaging, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Data, stored.Data)

	logs, err := f.o.GetAuditLog(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.ActionCreated, logs[0].Action)
	assert.Equal(t, e.Data, logs[0].Data)
}

func TestProcessEntry_TypedCleanEntryIsValidated(t *testing.T) {
	f := newFixture(t, UndoCurrent)

	data := map[string]string{"fullName": "Ada Lovelace", "email": "ada@example.com"}
	for field, value := range data {
		f.typeField(field, value)
	}

	e, err := f.o.ProcessEntry(context.Background(), f.sess, data)
	require.NoError(t, err)

	assert.Equal(t, domain.RiskLow, e.Behavior["fullName"].Risk)
	assert.InDelta(t, 0.9, e.Confidence.Breakdown.Behavior, 1e-9)
	assert.InDelta(t, 0.97, e.Confidence.Score, 1e-9)
	assert.Equal(t, domain.StatusValidated, e.Status)
	assert.False(t, e.NeedsReview)

	// Телеметрия не переносится на следующую запись
	assert.Empty(t, f.sess.Monitor.Fields())

	// validated на месте не перевалидируется
	_, err = f.o.RevalidateEntry(context.Background(), e.ID, map[string]string{"fullName": "Ada"})
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)

	got, err := f.o.GetEntry(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, got.Status)
}

func TestProcessEntry_BehaviorFeedsAnomalies(t *testing.T) {
	f := newFixture(t, UndoCurrent)

	// Вставка за 200мс: paste-detected + minimal-interaction + high-cadence, риск high
	f.sess.StartFieldMonitoring("phone")
	f.clock.Advance(100 * time.Millisecond)
	f.sess.RecordPaste("phone", 10, time.Time{})
	f.clock.Advance(100 * time.Millisecond)
	f.sess.StopFieldMonitoring("phone", "9876543210")

	e, err := f.o.ProcessEntry(context.Background(), f.sess, map[string]string{"phone": "9876543210"})
	require.NoError(t, err)

	b := e.Behavior["phone"]
	assert.Contains(t, b.Flags, domain.FlagPasteDetected)
	assert.Contains(t, b.Flags, domain.FlagMinimalInteraction)
	assert.Equal(t, domain.RiskHigh, b.Risk)
	assert.Contains(t, anomalyTypesOf(e.Anomalies["phone"]), domain.AnomalyBehavior)
}

func TestRevalidate_MovesBetweenCollections(t *testing.T) {
	f := newFixture(t, UndoCurrent)
	ctx := WithTraceID(context.Background(), "trace-1")

	e, err := f.o.ProcessEntry(ctx, f.sess, riskyData())
	require.NoError(t, err)
	require.Equal(t, domain.StatusQuarantine, e.Status)
	assert.Less(t, e.Confidence.Score, 0.70)

	f.clock.Advance(time.Minute)
	fixed, err := f.o.RevalidateEntry(ctx, e.ID, correctedData())
	require.NoError(t, err)

	assert.InDelta(t, 0.91, fixed.Confidence.Score, 1e-9)
	assert.Equal(t, domain.StatusStaging, fixed.Status)
	assert.Equal(t, 2, fixed.Metadata.Version)

	require.Len(t, fixed.ChangeHistory, 1)
	rec := fixed.ChangeHistory[0]
	assert.Equal(t, domain.StatusQuarantine, rec.PreviousStatus)
	assert.Equal(t, domain.StatusStaging, rec.NewStatus)
	assert.Equal(t, domain.ReasonManualCorrection, rec.Reason)
	assert.Equal(t, riskyData(), rec.PreviousData)

	// Ровно одна коллекция держит запись
	_, err = f.store.Get(ctx, domain.StatusQuarantine, e.ID)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
	_, err = f.store.Get(ctx, domain.StatusStaging, e.ID)
	assert.NoError(t, err)

	logs, err := f.o.GetAuditLog(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.ActionRevalidated, logs[1].Action)
	assert.Equal(t, "trace-1", logs[1].TraceID)
	assert.Equal(t, correctedData(), logs[1].Changes)
}

// pasteField имитирует вставку значения за 200мс: риск поведения high.
func (f *fixture) pasteField(field, value string) {
	f.sess.StartFieldMonitoring(field)
	f.clock.Advance(100 * time.Millisecond)
	f.sess.RecordPaste(field, len(value), time.Time{})
	f.clock.Advance(100 * time.Millisecond)
	f.sess.StopFieldMonitoring(field, value)
}

func TestRevalidate_NoOpKeepsStatus(t *testing.T) {
	cases := []struct {
		name  string
		paste bool
		data  map[string]string
	}{
		{"without telemetry", false, map[string]string{"firstName": "AAAAAAA", "email": "a@b.com"}},
		{"with risky telemetry", true, map[string]string{"phone": "9876543210", "email": "ada@example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, UndoCurrent)
			ctx := context.Background()

			if tc.paste {
				for field, value := range tc.data {
					f.pasteField(field, value)
				}
			}

			e, err := f.o.ProcessEntry(ctx, f.sess, tc.data)
			require.NoError(t, err)
			if tc.paste {
				require.Equal(t, domain.RiskHigh, e.Behavior["phone"].Risk)
			}

			again, err := f.o.RevalidateEntry(ctx, e.ID, map[string]string{})
			require.NoError(t, err)

			assert.Equal(t, e.Status, again.Status)
			assert.InDelta(t, e.Confidence.Score, again.Confidence.Score, 1e-9)
			assert.Equal(t, e.Anomalies, again.Anomalies)
			assert.Equal(t, e.Behavior, again.Behavior)
			assert.Len(t, again.ChangeHistory, 1)
		})
	}
}

func TestRevalidate_NotFound(t *testing.T) {
	f := newFixture(t, UndoCurrent)

	_, err := f.o.RevalidateEntry(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestUndo_CurrentModeKeepsValues(t *testing.T) {
	f := newFixture(t, UndoCurrent)
	ctx := context.Background()

	e, err := f.o.ProcessEntry(ctx, f.sess, riskyData())
	require.NoError(t, err)
	before := len(e.ChangeHistory)

	_, err = f.o.RevalidateEntry(ctx, e.ID, correctedData())
	require.NoError(t, err)

	undone, err := f.o.UndoChanges(ctx, e.ID, 1)
	require.NoError(t, err)

	assert.Len(t, undone.ChangeHistory, before)
	// Значения не восстанавливаются: пересчитаны текущие
	assert.Equal(t, correctedData(), undone.Data)
	assert.Equal(t, domain.StatusStaging, undone.Status)

	logs, err := f.o.GetAuditLog(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, domain.ActionUndone, logs[2].Action)
}

func TestUndo_SnapshotModeRestoresValues(t *testing.T) {
	f := newFixture(t, UndoSnapshot)
	ctx := context.Background()

	e, err := f.o.ProcessEntry(ctx, f.sess, riskyData())
	require.NoError(t, err)

	_, err = f.o.RevalidateEntry(ctx, e.ID, correctedData())
	require.NoError(t, err)

	undone, err := f.o.UndoChanges(ctx, e.ID, 1)
	require.NoError(t, err)

	assert.Empty(t, undone.ChangeHistory)
	assert.Equal(t, riskyData(), undone.Data)
	assert.Equal(t, domain.StatusQuarantine, undone.Status)

	_, err = f.store.Get(ctx, domain.StatusQuarantine, e.ID)
	assert.NoError(t, err)
	_, err = f.store.Get(ctx, domain.StatusStaging, e.ID)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestUndo_Errors(t *testing.T) {
	f := newFixture(t, UndoCurrent)
	ctx := context.Background()

	e, err := f.o.ProcessEntry(ctx, f.sess, riskyData())
	require.NoError(t, err)

	_, err = f.o.UndoChanges(ctx, e.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientHistory)

	_, err = f.o.UndoChanges(ctx, e.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSteps)

	_, err = f.o.UndoChanges(ctx, "missing", 1)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestUpdateValidationRules(t *testing.T) {
	f := newFixture(t, UndoCurrent)
	ctx := context.Background()
	notifier := &countingNotifier{}
	f.o.SetNotifier(notifier)

	staged, err := f.o.ProcessEntry(ctx, f.sess, map[string]string{"firstName": "AAAAAAA", "email": "a@b.com"})
	require.NoError(t, err)
	quarantined, err := f.o.ProcessEntry(ctx, f.sess, riskyData())
	require.NoError(t, err)

	// Правило name без подозрительных паттернов
	res, err := f.o.UpdateValidationRules(ctx, []byte(`{"name":{"min_length":2,"max_length":100}}`))
	require.NoError(t, err)

	assert.True(t, res.RulesUpdated)
	assert.Equal(t, 1, res.EntriesRevalidated)
	assert.Equal(t, 1, notifier.calls)
	assert.Empty(t, f.o.GetValidationRules()[domain.FieldName].SuspiciousPatterns)

	got, err := f.store.Get(ctx, domain.StatusStaging, staged.ID)
	require.NoError(t, err)
	require.Len(t, got.ChangeHistory, 1)
	assert.Equal(t, domain.ReasonRulesUpdate, got.ChangeHistory[0].Reason)
	assert.NotContains(t, anomalyTypesOf(got.Anomalies["firstName"]), domain.AnomalyPattern)
	assert.Greater(t, got.Confidence.Score, staged.Confidence.Score)

	// Карантин по правилам не пересчитывается
	q, err := f.store.Get(ctx, domain.StatusQuarantine, quarantined.ID)
	require.NoError(t, err)
	assert.Empty(t, q.ChangeHistory)

	rec, err := f.store.GetRules(ctx, domain.RulesIDCustom)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "user_defined", rec.Category)

	// Вторая заплатка копится поверх первой
	_, err = f.o.UpdateValidationRules(ctx, []byte(`{"phone":{"min_length":3,"max_length":15}}`))
	require.NoError(t, err)
	rec, err = f.store.GetRules(ctx, domain.RulesIDCustom)
	require.NoError(t, err)
	patch, err := anomaly.ParseRules(rec.Rules)
	require.NoError(t, err)
	assert.Contains(t, patch, domain.FieldName)
	assert.Contains(t, patch, domain.FieldPhone)
}

func TestUpdateValidationRules_RejectsMalformed(t *testing.T) {
	f := newFixture(t, UndoCurrent)
	notifier := &countingNotifier{}
	f.o.SetNotifier(notifier)
	before := f.o.GetValidationRules()

	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"email":{"pattern":"/([a-z/"}}`,
		`{"unknownType":{"min_length":1}}`,
		`{"name":{"min_length":10,"max_length":2}}`,
	} {
		_, err := f.o.UpdateValidationRules(context.Background(), []byte(raw))
		assert.ErrorIs(t, err, domain.ErrInvalidRules, raw)
	}

	assert.Equal(t, before, f.o.GetValidationRules())
	assert.Zero(t, notifier.calls)

	rec, err := f.store.GetRules(context.Background(), domain.RulesIDCustom)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReloadRules(t *testing.T) {
	f := newFixture(t, UndoCurrent)
	ctx := context.Background()

	_, err := f.o.UpdateValidationRules(ctx, []byte(`{"name":{"min_length":5}}`))
	require.NoError(t, err)

	// Второй инстанс над тем же хранилищем
	scorer, err := confidence.NewScorer(confidence.DefaultConfig())
	require.NoError(t, err)
	other := NewOrchestrator(f.store, anomaly.NewDetector(), scorer, nil, zap.NewNop(), OrchestratorConfig{})
	assert.Equal(t, anomaly.DefaultRules(), other.GetValidationRules())

	require.NoError(t, other.ReloadRules(ctx))
	assert.Equal(t, 5, other.GetValidationRules()[domain.FieldName].MinLength)
	assert.Equal(t, anomaly.DefaultRules()[domain.FieldEmail], other.GetValidationRules()[domain.FieldEmail])
	assert.NotEmpty(t, other.DeviceID())
}

func anomalyTypesOf(r domain.AnomalyReport) []string {
	out := make([]string, 0, len(r.Anomalies))
	for _, a := range r.Anomalies {
		out = append(out, a.Type)
	}
	return out
}

// failingStore - хранилище в памяти с отказами отдельных операций.
type failingStore struct {
	*memory.Store
	auditErr error
	rulesErr error
}

func (s *failingStore) AppendAudit(ctx context.Context, l *domain.AuditLogEntry) error {
	if s.auditErr != nil {
		return s.auditErr
	}
	return s.Store.AppendAudit(ctx, l)
}

func (s *failingStore) SaveRules(ctx context.Context, rec *domain.RulesRecord) error {
	if s.rulesErr != nil {
		return s.rulesErr
	}
	return s.Store.SaveRules(ctx, rec)
}

func newFailingOrchestrator(t *testing.T, store *failingStore) *Orchestrator {
	t.Helper()
	scorer, err := confidence.NewScorer(confidence.DefaultConfig())
	require.NoError(t, err)
	return NewOrchestrator(store, anomaly.NewDetector(), scorer, nil, zap.NewNop(), OrchestratorConfig{})
}

func TestProcessEntry_AuditFailureStillResetsTelemetry(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(), auditErr: errors.New("audit unavailable")}
	o := newFailingOrchestrator(t, store)
	sess := NewSession("s-1", 0, 0, nil)

	sess.StartFieldMonitoring("email")
	sess.StopFieldMonitoring("email", "ada@example.com")
	require.NotEmpty(t, sess.Monitor.Fields())

	_, err := o.ProcessEntry(context.Background(), sess, map[string]string{"email": "ada@example.com"})
	require.ErrorIs(t, err, store.auditErr)

	assert.Empty(t, sess.Monitor.Fields())

	// Запись сохранена до сбоя аудита
	var total int
	for _, status := range []domain.EntryStatus{domain.StatusStaging, domain.StatusQuarantine, domain.StatusValidated} {
		list, err := store.List(context.Background(), status)
		require.NoError(t, err)
		total += len(list)
	}
	assert.Equal(t, 1, total)
}

func TestUpdateValidationRules_SaveFailureKeepsLiveRules(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(), rulesErr: errors.New("db down")}
	o := newFailingOrchestrator(t, store)
	before := o.GetValidationRules()

	_, err := o.UpdateValidationRules(context.Background(), []byte(`{"name":{"min_length":5}}`))
	require.ErrorIs(t, err, store.rulesErr)

	assert.Equal(t, before, o.GetValidationRules())
}
