package domain

import (
	"errors"
	"maps"
	"time"
)

// EntryStatus - статус хранения записи. Совпадает с коллекцией, в которой она лежит.
type EntryStatus string

const (
	StatusStaging    EntryStatus = "staging"    // Ждет доработки или ревью
	StatusQuarantine EntryStatus = "quarantine" // Слишком рискованная запись
	StatusValidated  EntryStatus = "validated"  // Готова для downstream-потребителей
)

// ScoreStatus - метка, которую выставляет скорер. Богаче, чем EntryStatus: есть review.
type ScoreStatus string

const (
	ScoreValidated  ScoreStatus = "validated"
	ScoreReview     ScoreStatus = "review"
	ScoreStaging    ScoreStatus = "staging"
	ScoreQuarantine ScoreStatus = "quarantine"
)

// PersistedStatus сводит метку скорера к статусу хранения.
// review отдельной коллекции не имеет и хранится в staging (флаг Entry.NeedsReview).
func PersistedStatus(s ScoreStatus) EntryStatus {
	switch s {
	case ScoreValidated:
		return StatusValidated
	case ScoreQuarantine:
		return StatusQuarantine
	default:
		return StatusStaging
	}
}

// Причины изменений в истории записи
const (
	ReasonManualCorrection = "manual_correction"
	ReasonRulesUpdate      = "rules_update"
)

var (
	ErrEntryNotFound       = errors.New("entry not found")
	ErrInsufficientHistory = errors.New("not enough history to undo")
	ErrUnknownCollection   = errors.New("unknown collection")
	ErrInvalidThresholds   = errors.New("invalid confidence thresholds")
	ErrInvalidWeights      = errors.New("invalid confidence weights")
	ErrInvalidSteps        = errors.New("undo steps must be positive")
	ErrSessionNotFound     = errors.New("form session not found")
)

// ChangeRecord - одна запись append-only истории изменений.
type ChangeRecord struct {
	Timestamp      time.Time         `json:"timestamp"`
	Changes        map[string]string `json:"changes"`
	PreviousData   map[string]string `json:"previous_data,omitempty"` // Снимок полей до изменения
	PreviousStatus EntryStatus       `json:"previous_status"`
	NewStatus      EntryStatus       `json:"new_status"`
	Reason         string            `json:"reason"`
}

type EntryMetadata struct {
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// Entry - единица работы конвейера валидации.
// Мутируется только через оркестратор (create, revalidate, undo).
type Entry struct {
	ID         string               `json:"id"`
	Data       map[string]string    `json:"data"`
	FieldTypes map[string]FieldType `json:"field_types"` // Побочная таблица выведенных типов

	Behavior    map[string]BehaviorAnalysis `json:"behavior_analysis"`
	Anomalies   map[string]AnomalyReport    `json:"anomaly_detection"`
	Suggestions map[string][]Suggestion     `json:"suggestions,omitempty"`
	Confidence  ConfidenceResult            `json:"confidence"`

	Status      EntryStatus `json:"status"`
	NeedsReview bool        `json:"needs_review"` // Скорер поставил review, запись лежит в staging

	Metadata      EntryMetadata  `json:"metadata"`
	ChangeHistory []ChangeRecord `json:"change_history"`
}

// Clone делает глубокую копию, чтобы хранилище не делило мапы с вызывающим кодом.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Data = maps.Clone(e.Data)
	c.FieldTypes = maps.Clone(e.FieldTypes)
	c.Behavior = maps.Clone(e.Behavior)
	c.Anomalies = maps.Clone(e.Anomalies)
	c.Suggestions = maps.Clone(e.Suggestions)
	c.ChangeHistory = append([]ChangeRecord(nil), e.ChangeHistory...)
	return &c
}
