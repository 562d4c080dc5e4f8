package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/anomaly"
	"github.com/xela07ax/formguard/internal/confidence"
	"github.com/xela07ax/formguard/internal/domain"
	"github.com/xela07ax/formguard/internal/predict"
)

// UndoMode определяет, какие значения полей пересчитываются при откате.
type UndoMode string

const (
	// UndoCurrent пересчитывает текущие значения: откат режет историю, но данные не восстанавливает.
	UndoCurrent UndoMode = "current"
	// UndoSnapshot восстанавливает значения из снимка самой старой отмененной записи истории.
	UndoSnapshot UndoMode = "snapshot"
)

// RulesNotifier оповещает другие инстансы, что заплатка правил в БД изменилась.
type RulesNotifier interface {
	NotifyRulesUpdate(ctx context.Context) error
}

// OrchestratorConfig - всё, что оркестратору нужно кроме зависимостей.
type OrchestratorConfig struct {
	DeviceID       string
	UndoMode       UndoMode
	MaxSuggestions int
	Now            func() time.Time
}

// Orchestrator - единственный писатель записей. Держит инвариант:
// коллекция, в которой лежит запись, всегда совпадает с её статусом.
type Orchestrator struct {
	store     Store
	detector  *anomaly.Detector
	scorer    *confidence.Scorer
	predictor *predict.Predictor // Подсказки при перевалидации, без истории сессии
	notifier  RulesNotifier
	metrics   *Metrics
	logger    *zap.Logger

	deviceID string
	undoMode UndoMode
	now      func() time.Time

	// Переходы жизненного цикла идут строго по одному
	mu sync.Mutex
}

func NewOrchestrator(store Store, detector *anomaly.Detector, scorer *confidence.Scorer, metrics *Metrics, logger *zap.Logger, cfg OrchestratorConfig) *Orchestrator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "device_" + uuid.New().String()
	}
	if cfg.UndoMode == "" {
		cfg.UndoMode = UndoCurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		store:     store,
		detector:  detector,
		scorer:    scorer,
		predictor: predict.NewPredictor(0, cfg.MaxSuggestions),
		metrics:   metrics,
		logger:    logger.Named("orchestrator"),
		deviceID:  cfg.DeviceID,
		undoMode:  cfg.UndoMode,
		now:       cfg.Now,
	}
}

// SetNotifier подключает межинстансовое оповещение. nil - работаем одним инстансом.
func (o *Orchestrator) SetNotifier(n RulesNotifier) {
	o.notifier = n
}

func (o *Orchestrator) DeviceID() string { return o.deviceID }

// ProcessEntry прогоняет значения формы через весь конвейер и сохраняет запись
// в коллекцию, соответствующую статусу. Телеметрия сессии сбрасывается.
func (o *Orchestrator) ProcessEntry(ctx context.Context, sess *Session, data map[string]string) (*domain.Entry, error) {
	start := time.Now()
	defer func() { o.metrics.PipelineDuration.WithLabelValues("create").Observe(time.Since(start).Seconds()) }()

	sess.processing.Lock()
	defer sess.processing.Unlock()
	sess.touch()

	// 1. Поведенческий отчет по закрытым полям сессии.
	// Телеметрия не переносится на следующую запись, даже если запись не сохранилась.
	report := sess.Monitor.Report()
	defer sess.Monitor.Reset()

	// 2. Аномалии по каждому полю с учетом поведения
	data = maps.Clone(data)
	if data == nil {
		data = map[string]string{}
	}
	anomalies := make(map[string]domain.AnomalyReport, len(data))
	for field, value := range data {
		var ba *domain.BehaviorAnalysis
		if a, ok := report[field]; ok {
			ba = &a
		}
		anomalies[field] = o.detector.Detect(field, value, ba)
	}

	// 3. Подсказки для UI на решение не влияют
	suggestions := make(map[string][]domain.Suggestion, len(data))
	for field, value := range data {
		suggestions[field] = sess.Predictor.Predict(field, value, nil)
	}

	now := o.now()
	e := &domain.Entry{
		Data:        data,
		FieldTypes:  domain.InferFieldTypes(data),
		Behavior:    report,
		Anomalies:   anomalies,
		Suggestions: suggestions,
		Metadata: domain.EntryMetadata{
			DeviceID:  o.deviceID,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		ChangeHistory: []domain.ChangeRecord{},
	}

	// 4. Балл и статус
	o.applyConfidence(e, o.scorer.CalculateConfidence(e))

	o.mu.Lock()
	defer o.mu.Unlock()

	// 5. Запись в коллекцию статуса
	if err := o.store.Insert(ctx, e); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		return nil, fmt.Errorf("store entry: %w", err)
	}

	// 6. Аудит. Запись уже лежит в коллекции, поэтому её id обязательно попадает в лог.
	if err := o.audit(ctx, e, domain.ActionCreated, nil, data); err != nil {
		o.logger.Error("entry stored without created audit record",
			zap.String("entry_id", e.ID),
			zap.String("status", string(e.Status)),
		)
		return nil, err
	}

	o.observe("create", e)
	o.logger.Info("entry created",
		zap.String("entry_id", e.ID),
		zap.String("status", string(e.Status)),
		zap.Float64("confidence", e.Confidence.Score),
		zap.Bool("needs_review", e.NeedsReview),
	)
	return e, nil
}

// RevalidateEntry применяет правки к записи из staging или quarantine и пересчитывает её.
// Поведенческая телеметрия не пересчитывается: правки не подозреваются по таймингам.
func (o *Orchestrator) RevalidateEntry(ctx context.Context, id string, updates map[string]string) (*domain.Entry, error) {
	start := time.Now()
	defer func() { o.metrics.PipelineDuration.WithLabelValues("revalidate").Observe(time.Since(start).Seconds()) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	e, err := o.findMutable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.revalidate(ctx, e, updates, domain.ReasonManualCorrection); err != nil {
		return nil, err
	}
	return e, nil
}

// revalidate пересчитывает загруженную запись, дописывает историю, перемещает и пишет аудит.
func (o *Orchestrator) revalidate(ctx context.Context, e *domain.Entry, updates map[string]string, reason string) error {
	prevStatus := e.Status
	prevData := maps.Clone(e.Data)

	merged := maps.Clone(e.Data)
	if merged == nil {
		merged = map[string]string{}
	}
	maps.Copy(merged, updates)

	o.rescore(e, merged)

	changes := maps.Clone(updates)
	if changes == nil {
		changes = map[string]string{}
	}
	e.ChangeHistory = append(e.ChangeHistory, domain.ChangeRecord{
		Timestamp:      o.now(),
		Changes:        changes,
		PreviousData:   prevData,
		PreviousStatus: prevStatus,
		NewStatus:      e.Status,
		Reason:         reason,
	})

	if err := o.persist(ctx, prevStatus, e); err != nil {
		return err
	}
	if err := o.audit(ctx, e, domain.ActionRevalidated, changes, nil); err != nil {
		return err
	}

	o.observe("revalidate", e)
	o.logger.Info("entry revalidated",
		zap.String("entry_id", e.ID),
		zap.String("reason", reason),
		zap.String("from", string(prevStatus)),
		zap.String("status", string(e.Status)),
		zap.Float64("confidence", e.Confidence.Score),
	)
	return nil
}

// UndoChanges отрезает последние steps записей истории и пересчитывает запись.
// Новая запись истории не добавляется: длина истории возвращается к прежней.
func (o *Orchestrator) UndoChanges(ctx context.Context, id string, steps int) (*domain.Entry, error) {
	if steps < 1 {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidSteps, steps)
	}

	start := time.Now()
	defer func() { o.metrics.PipelineDuration.WithLabelValues("undo").Observe(time.Since(start).Seconds()) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	e, err := o.findMutable(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(e.ChangeHistory) < steps {
		o.metrics.ErrorTotal.WithLabelValues("insufficient_history").Inc()
		return nil, fmt.Errorf("%w: have %d, want %d", domain.ErrInsufficientHistory, len(e.ChangeHistory), steps)
	}

	target := len(e.ChangeHistory) - steps
	restorePoint := e.ChangeHistory[target]

	data := maps.Clone(e.Data)
	if o.undoMode == UndoSnapshot && restorePoint.PreviousData != nil {
		data = maps.Clone(restorePoint.PreviousData)
	}

	prevStatus := e.Status
	e.ChangeHistory = e.ChangeHistory[:target]
	o.rescore(e, data)

	if err := o.persist(ctx, prevStatus, e); err != nil {
		return nil, err
	}
	if err := o.audit(ctx, e, domain.ActionUndone, nil, data); err != nil {
		return nil, err
	}

	o.observe("undo", e)
	o.logger.Info("entry changes undone",
		zap.String("entry_id", e.ID),
		zap.Int("steps", steps),
		zap.String("undo_mode", string(o.undoMode)),
		zap.String("status", string(e.Status)),
	)
	return e, nil
}

// GetEntry ищет запись во всех трех коллекциях.
func (o *Orchestrator) GetEntry(ctx context.Context, id string) (*domain.Entry, error) {
	for _, status := range []domain.EntryStatus{domain.StatusStaging, domain.StatusQuarantine, domain.StatusValidated} {
		e, err := o.store.Get(ctx, status, id)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, domain.ErrEntryNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, id)
}

// GetPredictions - подсказки для живого ввода в рамках сессии.
func (o *Orchestrator) GetPredictions(sess *Session, field, value string, pctx *predict.Context) []domain.Suggestion {
	sess.touch()
	return sess.Predictor.Predict(field, value, pctx)
}

// findMutable: validated записи на месте не перевалидируются.
func (o *Orchestrator) findMutable(ctx context.Context, id string) (*domain.Entry, error) {
	for _, status := range []domain.EntryStatus{domain.StatusStaging, domain.StatusQuarantine} {
		e, err := o.store.Get(ctx, status, id)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, domain.ErrEntryNotFound) {
			o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
			return nil, err
		}
	}
	o.metrics.ErrorTotal.WithLabelValues("not_found").Inc()
	return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, id)
}

// rescore пересчитывает аномалии, подсказки и балл по новым данным.
// Поведенческий снимок не перемеряется, но участвует в аномалиях так же, как при создании.
func (o *Orchestrator) rescore(e *domain.Entry, data map[string]string) {
	anomalies := make(map[string]domain.AnomalyReport, len(data))
	suggestions := make(map[string][]domain.Suggestion, len(data))
	for field, value := range data {
		var ba *domain.BehaviorAnalysis
		if a, ok := e.Behavior[field]; ok {
			ba = &a
		}
		anomalies[field] = o.detector.Detect(field, value, ba)
		suggestions[field] = o.predictor.Predict(field, value, nil)
	}

	e.Data = data
	e.FieldTypes = domain.InferFieldTypes(data)
	e.Anomalies = anomalies
	e.Suggestions = suggestions
	e.Metadata.UpdatedAt = o.now()
	e.Metadata.Version++

	o.applyConfidence(e, o.scorer.CalculateConfidence(e))
}

func (o *Orchestrator) applyConfidence(e *domain.Entry, res domain.ConfidenceResult) {
	e.Confidence = res
	e.Status = domain.PersistedStatus(res.Status)
	e.NeedsReview = res.Status == domain.ScoreReview
}

// persist обновляет запись на месте или переносит её в коллекцию нового статуса.
func (o *Orchestrator) persist(ctx context.Context, from domain.EntryStatus, e *domain.Entry) error {
	var err error
	if from == e.Status {
		err = o.store.Update(ctx, e)
	} else {
		err = o.store.Move(ctx, from, e)
	}
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		return fmt.Errorf("persist entry %s: %w", e.ID, err)
	}
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, e *domain.Entry, action string, changes, data map[string]string) error {
	l := &domain.AuditLogEntry{
		EntryID:    e.ID,
		Action:     action,
		Status:     e.Status,
		Confidence: e.Confidence.Score,
		DeviceID:   o.deviceID,
		TraceID:    TraceID(ctx),
		Changes:    changes,
		Data:       data,
		Timestamp:  o.now(),
	}
	if err := o.store.AppendAudit(ctx, l); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		o.logger.Error("audit write failed", zap.String("entry_id", e.ID), zap.String("action", action), zap.Error(err))
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (o *Orchestrator) observe(op string, e *domain.Entry) {
	o.metrics.EntriesProcessed.WithLabelValues(op, string(e.Status)).Inc()
	o.metrics.ConfidenceScore.Observe(e.Confidence.Score)
}

// GetValidationRules возвращает живые правила детектора.
func (o *Orchestrator) GetValidationRules() anomaly.Rules {
	return o.detector.Rules()
}

// UpdateValidationRules: проверка → наложение на живые правила → сохранение заплатки →
// сигнал другим инстансам → перевалидация всех staging записей.
func (o *Orchestrator) UpdateValidationRules(ctx context.Context, raw json.RawMessage) (domain.RulesUpdateResult, error) {
	patch, err := anomaly.ParseRules(raw)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("invalid_rules").Inc()
		return domain.RulesUpdateResult{}, err
	}

	// 1. Заплатка проверяется целиком до любых изменений
	if err := anomaly.ValidateRules(patch); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("invalid_rules").Inc()
		o.logger.Warn("rules update rejected", zap.Error(err))
		return domain.RulesUpdateResult{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// 2. Сначала БД: при сбое записи живые правила остаются как были.
	// В БД лежит накопленная заплатка: предыдущие типы + новые
	if err := o.saveRulesPatch(ctx, patch); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		return domain.RulesUpdateResult{}, err
	}

	// 3. Живые правила
	if err := o.detector.UpdateRules(patch); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("invalid_rules").Inc()
		return domain.RulesUpdateResult{}, err
	}
	o.metrics.RulesUpdates.WithLabelValues("local").Inc()

	// 4. Другие инстансы перечитают заплатку сами, сбой сигнала не критичен
	if o.notifier != nil {
		if err := o.notifier.NotifyRulesUpdate(ctx); err != nil {
			o.logger.Warn("rules update signal failed", zap.Error(err))
		}
	}

	// 5. Staging записи пересчитываются по новым правилам
	staged, err := o.store.List(ctx, domain.StatusStaging)
	if err != nil {
		return domain.RulesUpdateResult{RulesUpdated: true}, fmt.Errorf("list staging: %w", err)
	}

	res := domain.RulesUpdateResult{RulesUpdated: true}
	for _, e := range staged {
		if err := o.revalidate(ctx, e, nil, domain.ReasonRulesUpdate); err != nil {
			return res, err
		}
		res.EntriesRevalidated++
	}

	o.logger.Info("validation rules updated",
		zap.Int("types", len(patch)),
		zap.Int("entries_revalidated", res.EntriesRevalidated),
	)
	return res, nil
}

func (o *Orchestrator) saveRulesPatch(ctx context.Context, patch anomaly.Rules) error {
	cumulative := anomaly.Rules{}
	rec, err := o.store.GetRules(ctx, domain.RulesIDCustom)
	if err != nil {
		return fmt.Errorf("load rules patch: %w", err)
	}
	if rec != nil {
		prev, err := anomaly.ParseRules(rec.Rules)
		if err != nil {
			// Сломанная заплатка в БД перезаписывается новой
			o.logger.Warn("stored rules patch is invalid, overwriting", zap.Error(err))
		} else {
			cumulative = prev
		}
	}
	maps.Copy(cumulative, patch)

	raw, err := json.Marshal(cumulative)
	if err != nil {
		return fmt.Errorf("encode rules patch: %w", err)
	}
	return o.store.SaveRules(ctx, &domain.RulesRecord{
		ID:        domain.RulesIDCustom,
		Category:  "user_defined",
		Rules:     raw,
		UpdatedAt: o.now(),
	})
}

// ReloadRules пересобирает живые правила из заплатки в БД. Вызывается на старте
// и по сигналу от другого инстанса.
func (o *Orchestrator) ReloadRules(ctx context.Context) error {
	rec, err := o.store.GetRules(ctx, domain.RulesIDCustom)
	if err != nil {
		return fmt.Errorf("load rules patch: %w", err)
	}

	var patch anomaly.Rules
	if rec != nil {
		if patch, err = anomaly.ParseRules(rec.Rules); err != nil {
			return err
		}
	}
	return o.detector.ApplyPatch(patch)
}

// GetAuditLog - история переходов одной записи.
func (o *Orchestrator) GetAuditLog(ctx context.Context, entryID string) ([]domain.AuditLogEntry, error) {
	return o.store.AuditForEntry(ctx, entryID)
}

func (o *Orchestrator) GetAllAuditLogs(ctx context.Context) ([]domain.AuditLogEntry, error) {
	return o.store.ListAudit(ctx)
}
