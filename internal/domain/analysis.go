package domain

// RiskLevel - уровень поведенческого риска поля.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Флаги поведенческого анализа
const (
	FlagRapidEntry         = "rapid-entry"
	FlagHighCadence        = "high-cadence"
	FlagPasteDetected      = "paste-detected"
	FlagMinimalInteraction = "minimal-interaction"
	FlagCopyPastePattern   = "copy-paste-pattern"
)

type BehaviorMetrics struct {
	AvgKeystrokeIntervalMs float64 `json:"avg_keystroke_interval_ms"`
	TypingCadence          float64 `json:"typing_cadence"` // символов в секунду
	TimeSpentMs            int64   `json:"time_spent_ms"`
	PasteCount             int     `json:"paste_count"`
	CopyCount              int     `json:"copy_count"`
	KeystrokeCount         int     `json:"keystroke_count"`
	CharacterCount         int     `json:"character_count"`
	RapidEntryDetected     bool    `json:"rapid_entry_detected"`
	Closed                 bool    `json:"closed"` // Сессия поля закрывалась хотя бы раз
}

// BehaviorAnalysis - результат analyzeBehavior по одному полю.
type BehaviorAnalysis struct {
	Risk      RiskLevel       `json:"risk"`
	RiskScore int             `json:"risk_score"`
	Flags     []string        `json:"flags"`
	Metrics   BehaviorMetrics `json:"metrics"`
}

// HasFlag проверяет наличие флага.
func (b BehaviorAnalysis) HasFlag(flag string) bool {
	for _, f := range b.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Severity - тяжесть аномалии.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Типы находок детектора аномалий
const (
	AnomalyLength     = "length"
	AnomalyFormat     = "format"
	AnomalyDate       = "date"
	AnomalyPattern    = "pattern"
	AnomalyRepetition = "repetition"
	AnomalySequential = "sequential"
	AnomalyFormatting = "formatting"
	AnomalyBehavior   = "behavior"
)

type Anomaly struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// AnomalyReport иммутабелен после создания, живет внутри снимка Entry.
type AnomalyReport struct {
	Anomalies []Anomaly `json:"anomalies"`
	Severity  Severity  `json:"severity"`
	Score     int       `json:"score"`
	FieldType FieldType `json:"field_type,omitempty"`
}

// SuggestionType - источник подсказки.
type SuggestionType string

const (
	SuggestFormat     SuggestionType = "format"
	SuggestCompletion SuggestionType = "completion"
	SuggestCorrection SuggestionType = "correction"
	SuggestHistory    SuggestionType = "history"
	SuggestValidation SuggestionType = "validation"
)

// Suggestion эфемерна и нужна только UI.
type Suggestion struct {
	Value      string         `json:"value"`
	Reason     string         `json:"reason"`
	Type       SuggestionType `json:"type"`
	Confidence float64        `json:"confidence"`
}

type ScoreBreakdown struct {
	Behavior     float64 `json:"behavior"`
	Anomaly      float64 `json:"anomaly"`
	Format       float64 `json:"format"`
	Completeness float64 `json:"completeness"`
}

// Приоритет рекомендации
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

type Recommendation struct {
	Message     string   `json:"message"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
	Priority    string   `json:"priority"`
}

type ConfidenceResult struct {
	Score          float64        `json:"score"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	Status         ScoreStatus    `json:"status"`
	Recommendation Recommendation `json:"recommendation"`
}
