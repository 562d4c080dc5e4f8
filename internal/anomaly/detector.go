// Package anomaly проверяет значения полей по правилам их типа:
// длина, формат, подозрительные паттерны, статистика символов и диапазоны дат.
package anomaly

import (
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xela07ax/formguard/internal/domain"
)

// Веса находок в аккумуляторе тяжести
const (
	weightTypeSpecific = 2
	weightPattern      = 3
	weightStatistical  = 2
)

const (
	repetitionRatio   = 0.4
	sequentialMaxLen  = 20 // В длинных значениях "123" встречается естественно
	uppercaseMinLen   = 5
	yearDuration      = 365 * 24 * time.Hour
	severityHighScore = 8
	severityMedScore  = 4
)

var (
	sequentialRe = regexp.MustCompile(`(?i)(?:012|123|234|345|456|567|678|789|abc|bcd|cde|def)`)
	latinUpperRe = regexp.MustCompile(`[A-Z]`)
)

// Форматы дат, которые принимает поле даты
var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

// Detector - потокобезопасный движок правил.
// Чтения (Detect) идут под RLock, замена правил атомарна под Lock.
type Detector struct {
	mu       sync.RWMutex
	rules    Rules
	compiled map[domain.FieldType]*compiledRuleSet
	now      func() time.Time
}

// NewDetector создает детектор с правилами по умолчанию.
func NewDetector() *Detector {
	return NewDetectorWithClock(time.Now)
}

// NewDetectorWithClock нужен для проверок диапазонов дат в тестах.
func NewDetectorWithClock(now func() time.Time) *Detector {
	d := &Detector{now: now}
	if err := d.replace(DefaultRules()); err != nil {
		// Встроенные правила обязаны компилироваться
		panic(fmt.Sprintf("anomaly: default rules: %v", err))
	}
	return d
}

// UpdateRules проверяет заплатку целиком и только потом накладывает её
// поверх текущих правил (по типу поля, без глубокого слияния).
// При ошибке живые правила не меняются. Чтение, слияние и замена идут под одной
// блокировкой, чтобы параллельный ApplyPatch не потерялся.
func (d *Detector) UpdateRules(patch Rules) error {
	if err := ValidateRules(patch); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := maps.Clone(d.rules)
	maps.Copy(next, patch)

	compiled, err := compileRules(next)
	if err != nil {
		return err
	}
	d.rules, d.compiled = next, compiled
	return nil
}

// ApplyPatch пересобирает правила как "умолчания + заплатка".
// Так другой инстанс догоняет сохраненную в БД заплатку без двойного наложения.
func (d *Detector) ApplyPatch(patch Rules) error {
	next := DefaultRules()
	maps.Copy(next, patch)
	return d.replace(next)
}

// ResetRules возвращает правила по умолчанию.
func (d *Detector) ResetRules() {
	_ = d.replace(DefaultRules())
}

// Rules возвращает копию живых правил.
func (d *Detector) Rules() Rules {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.rules)
}

// replace подменяет набор целиком, от текущих правил не зависит.
func (d *Detector) replace(rules Rules) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.rules = rules
	d.compiled = compiled
	d.mu.Unlock()
	return nil
}

// Detect - чистая проверка значения. Пустое значение дает пустой отчет с тяжестью none.
// behavior может быть nil: поле без телеметрии.
func (d *Detector) Detect(field, value string, behavior *domain.BehaviorAnalysis) domain.AnomalyReport {
	if value == "" {
		return domain.AnomalyReport{Anomalies: []domain.Anomaly{}, Severity: domain.SeverityNone}
	}

	ft := domain.InferFieldType(field)

	d.mu.RLock()
	rule := d.compiled[ft]
	d.mu.RUnlock()

	anomalies := make([]domain.Anomaly, 0, 4)
	score := 0

	// 1. Проверки по типу поля
	typeFindings := d.checkTypeSpecific(ft, rule, value)
	anomalies = append(anomalies, typeFindings...)
	score += len(typeFindings) * weightTypeSpecific

	// 2. Подозрительные паттерны
	patternFindings := checkPatterns(ft, rule, value)
	anomalies = append(anomalies, patternFindings...)
	score += len(patternFindings) * weightPattern

	// 3. Статистика символов
	statFindings := checkStatistics(value)
	anomalies = append(anomalies, statFindings...)
	score += len(statFindings) * weightStatistical

	// 4. Усиление поведенческим риском
	if behavior != nil && behavior.Risk != domain.RiskLow && behavior.Risk != "" {
		anomalies = append(anomalies, domain.Anomaly{
			Type:     domain.AnomalyBehavior,
			Message:  "Suspicious input behavior detected: " + strings.Join(behavior.Flags, ", "),
			Severity: domain.Severity(behavior.Risk),
		})
		score += behavior.RiskScore
	}

	return domain.AnomalyReport{
		Anomalies: anomalies,
		Severity:  severityFor(score),
		Score:     score,
		FieldType: ft,
	}
}

func severityFor(score int) domain.Severity {
	switch {
	case score >= severityHighScore:
		return domain.SeverityHigh
	case score >= severityMedScore:
		return domain.SeverityMedium
	case score > 0:
		return domain.SeverityLow
	}
	return domain.SeverityNone
}

func (d *Detector) checkTypeSpecific(ft domain.FieldType, rule *compiledRuleSet, value string) []domain.Anomaly {
	if rule == nil {
		return nil
	}
	var out []domain.Anomaly
	length := utf8.RuneCountInString(value)

	if rule.MinLength > 0 && length < rule.MinLength {
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyLength,
			Message:  fmt.Sprintf("Value too short (min: %d)", rule.MinLength),
			Severity: domain.SeverityMedium,
		})
	}
	if rule.MaxLength > 0 && length > rule.MaxLength {
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyLength,
			Message:  fmt.Sprintf("Value too long (max: %d)", rule.MaxLength),
			Severity: domain.SeverityMedium,
		})
	}
	if rule.pattern != nil && !matches(rule.pattern, value) {
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyFormat,
			Message:  fmt.Sprintf("Invalid %s format", ft),
			Severity: domain.SeverityHigh,
		})
	}
	for _, re := range rule.invalid {
		if matches(re, value) {
			out = append(out, domain.Anomaly{
				Type:     domain.AnomalyFormat,
				Message:  fmt.Sprintf("Invalid %s number", ft),
				Severity: domain.SeverityHigh,
			})
			break
		}
	}

	if ft == domain.FieldDate {
		out = append(out, d.checkDate(rule, value)...)
	}
	return out
}

func (d *Detector) checkDate(rule *compiledRuleSet, value string) []domain.Anomaly {
	date, ok := parseDate(value)
	if !ok {
		return []domain.Anomaly{{Type: domain.AnomalyDate, Message: "Invalid date", Severity: domain.SeverityHigh}}
	}

	var out []domain.Anomaly
	years := date.Sub(d.now()).Hours() / yearDuration.Hours()

	if rule.FutureYearsAllowed > 0 && years > rule.FutureYearsAllowed {
		out = append(out, domain.Anomaly{Type: domain.AnomalyDate, Message: "Date too far in future", Severity: domain.SeverityMedium})
	}
	if rule.PastYearsAllowed > 0 && years < -rule.PastYearsAllowed {
		out = append(out, domain.Anomaly{Type: domain.AnomalyDate, Message: "Date too far in past", Severity: domain.SeverityMedium})
	}
	if _, placeholder := rule.dates[date.UTC().Format(time.DateOnly)]; placeholder {
		out = append(out, domain.Anomaly{Type: domain.AnomalyDate, Message: "Suspicious default date", Severity: domain.SeverityMedium})
	}
	return out
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func checkPatterns(ft domain.FieldType, rule *compiledRuleSet, value string) []domain.Anomaly {
	if rule == nil {
		return nil
	}
	var out []domain.Anomaly
	for _, re := range rule.suspicious {
		if matches(re, value) {
			out = append(out, domain.Anomaly{
				Type:     domain.AnomalyPattern,
				Message:  fmt.Sprintf("Suspicious pattern detected in %s", ft),
				Severity: domain.SeverityMedium,
			})
		}
	}
	return out
}

func checkStatistics(value string) []domain.Anomaly {
	var out []domain.Anomaly

	counts := make(map[rune]int)
	maxRepeat, length := 0, 0
	for _, r := range value {
		counts[r]++
		maxRepeat = max(maxRepeat, counts[r])
		length++
	}

	if float64(maxRepeat)/float64(length) > repetitionRatio {
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyRepetition,
			Message:  "Excessive character repetition detected",
			Severity: domain.SeverityMedium,
		})
	}

	if length < sequentialMaxLen && sequentialRe.MatchString(value) {
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalySequential,
			Message:  "Sequential character pattern detected",
			Severity: domain.SeverityLow,
		})
	}

	if length > uppercaseMinLen && strings.ToUpper(value) == value && latinUpperRe.MatchString(value) {
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyFormatting,
			Message:  "All uppercase text",
			Severity: domain.SeverityLow,
		})
	}
	return out
}
