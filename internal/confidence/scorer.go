// Package confidence сводит поведенческий анализ, аномалии, формат и полноту
// в один взвешенный балл доверия и метку статуса.
package confidence

import (
	"regexp"
	"strings"
	"sync"

	"github.com/xela07ax/formguard/internal/domain"
)

// Нейтральные значения при отсутствии данных
const (
	neutralBehavior = 0.7
	neutralAnomaly  = 0.8
	neutralFormat   = 0.5
	optionalBonus   = 0.2
)

// Планки рекомендаций не зависят от порогов статуса
const (
	barBehavior     = 0.6
	barAnomaly      = 0.6
	barFormat       = 0.7
	barCompleteness = 0.8
)

// Мягкие проверки формата, намеренно свободнее правил детектора аномалий
var formatPatterns = map[domain.FieldType]*regexp.Regexp{
	domain.FieldPhone:   regexp.MustCompile(`^[\d\s\-\+\(\)]{10,}$`),
	domain.FieldEmail:   regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`),
	domain.FieldName:    regexp.MustCompile(`^[a-zA-Z\s\-'.]{2,}$`),
	domain.FieldDate:    regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
	domain.FieldZipCode: regexp.MustCompile(`^\d{5,10}$`),
}

var requiredMarkers = []string{"name", "email", "phone"}

// Scorer - чистые вычисления поверх конфигурации, которую можно менять на лету.
type Scorer struct {
	mu  sync.RWMutex
	cfg Config
}

// NewScorer проверяет конфигурацию. С невалидной лестницей порогов скорер не создается.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// UpdateConfig заменяет конфигурацию целиком. Невалидная отклоняется, текущая остается.
func (s *Scorer) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Scorer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// CalculateConfidence считает балл по данным, поведенческому и аномальному снимкам записи.
func (s *Scorer) CalculateConfidence(e *domain.Entry) domain.ConfidenceResult {
	cfg := s.Config()

	b := domain.ScoreBreakdown{
		Behavior:     ScoreBehavior(e.Behavior),
		Anomaly:      ScoreAnomalies(e.Anomalies),
		Format:       ScoreFormat(e.Data),
		Completeness: ScoreCompleteness(e.Data),
	}

	w := cfg.Weights
	score := b.Behavior*w.Behavior + b.Anomaly*w.Anomaly + b.Format*w.Format + b.Completeness*w.Completeness

	return domain.ConfidenceResult{
		Score:          score,
		Breakdown:      b,
		Status:         cfg.Thresholds.Status(score),
		Recommendation: recommend(score, b, cfg.Thresholds),
	}
}

// Status - строгая лестница порогов без пересечений.
func (t Thresholds) Status(score float64) domain.ScoreStatus {
	switch {
	case score >= t.AutoValidate:
		return domain.ScoreValidated
	case score >= t.RequiresReview:
		return domain.ScoreReview
	case score >= t.AutoQuarantine:
		return domain.ScoreStaging
	}
	return domain.ScoreQuarantine
}

// ScoreBehavior: 1.0 минус штрафы за риск и флаги каждого поля. Без данных 0.7.
func ScoreBehavior(report map[string]domain.BehaviorAnalysis) float64 {
	if len(report) == 0 {
		return neutralBehavior
	}

	score := 1.0
	for _, a := range report {
		switch a.Risk {
		case domain.RiskHigh:
			score -= 0.25
		case domain.RiskMedium:
			score -= 0.15
		case domain.RiskLow:
			score -= 0.05
		}
		if a.HasFlag(domain.FlagRapidEntry) {
			score -= 0.10
		}
		if a.HasFlag(domain.FlagPasteDetected) {
			score -= 0.05
		}
		if a.HasFlag(domain.FlagMinimalInteraction) {
			score -= 0.08
		}
	}
	return clamp01(score)
}

// ScoreAnomalies: 1.0 минус штрафы за тяжесть и за format/pattern находки. Без данных 0.8.
func ScoreAnomalies(reports map[string]domain.AnomalyReport) float64 {
	if len(reports) == 0 {
		return neutralAnomaly
	}

	score := 1.0
	for _, r := range reports {
		switch r.Severity {
		case domain.SeverityHigh:
			score -= 0.30
		case domain.SeverityMedium:
			score -= 0.20
		case domain.SeverityLow:
			score -= 0.10
		}
		for _, a := range r.Anomalies {
			switch a.Type {
			case domain.AnomalyFormat:
				score -= 0.15
			case domain.AnomalyPattern:
				score -= 0.10
			}
		}
	}
	return clamp01(score)
}

// ScoreFormat - доля непустых полей, прошедших мягкую проверку формата.
func ScoreFormat(data map[string]string) float64 {
	valid, total := 0, 0
	for field, value := range data {
		if value == "" {
			continue
		}
		total++
		re, ok := formatPatterns[domain.InferFieldType(field)]
		if !ok || re.MatchString(value) {
			valid++
		}
	}
	if total == 0 {
		return neutralFormat
	}
	return float64(valid) / float64(total)
}

// IsRequiredField - name/email/phone-подобные поля считаются обязательными.
func IsRequiredField(field string) bool {
	lower := strings.ToLower(field)
	for _, m := range requiredMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ScoreCompleteness - доля заполненных обязательных полей плюс до 0.2 за необязательные.
func ScoreCompleteness(data map[string]string) float64 {
	required, filledRequired, filled := 0, 0, 0
	for field, value := range data {
		isFilled := strings.TrimSpace(value) != ""
		if isFilled {
			filled++
		}
		if IsRequiredField(field) {
			required++
			if isFilled {
				filledRequired++
			}
		}
	}

	ratio := 1.0
	if required > 0 {
		ratio = float64(filledRequired) / float64(required)
	}

	bonus := 0.0
	if optional := len(data) - required; optional > 0 {
		bonus = float64(filled-filledRequired) / float64(optional) * optionalBonus
	}
	return min(1.0, ratio+bonus)
}

func recommend(score float64, b domain.ScoreBreakdown, t Thresholds) domain.Recommendation {
	issues := make([]string, 0, 4)
	suggestions := make([]string, 0, 4)

	if b.Behavior < barBehavior {
		issues = append(issues, "Suspicious input behavior detected")
		suggestions = append(suggestions, "Review input timing and method")
	}
	if b.Anomaly < barAnomaly {
		issues = append(issues, "Data anomalies found")
		suggestions = append(suggestions, "Verify data format and values")
	}
	if b.Format < barFormat {
		issues = append(issues, "Format issues detected")
		suggestions = append(suggestions, "Correct field formats")
	}
	if b.Completeness < barCompleteness {
		issues = append(issues, "Incomplete data")
		suggestions = append(suggestions, "Fill in all required fields")
	}

	var msg string
	switch t.Status(score) {
	case domain.ScoreValidated:
		msg = "Entry is valid and ready for downstream use"
	case domain.ScoreReview:
		msg = "Entry requires review"
	case domain.ScoreStaging:
		msg = "Entry has minor issues - can be staged"
	default:
		msg = "Entry has significant issues - quarantined"
	}

	priority := domain.PriorityLow
	switch {
	case score < 0.4:
		priority = domain.PriorityHigh
	case score < 0.6:
		priority = domain.PriorityMedium
	}

	return domain.Recommendation{
		Message:     msg,
		Issues:      issues,
		Suggestions: suggestions,
		Priority:    priority,
	}
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
