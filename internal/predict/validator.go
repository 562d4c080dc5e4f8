// Package predict генерирует подсказки для вводимых значений: нормализация формата,
// автодополнение, исправление опечаток и значения из истории принятых подсказок.
// Всё детерминированно, никакой модели за этим нет.
package predict

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/xela07ax/formguard/internal/domain"
)

// DefaultMaxSuggestions - сколько подсказок отдаем UI.
const DefaultMaxSuggestions = 5

const baseConfidence = 0.5

var typeBonus = map[domain.SuggestionType]float64{
	domain.SuggestValidation: 0.4,
	domain.SuggestCorrection: 0.35,
	domain.SuggestFormat:     0.3,
	domain.SuggestCompletion: 0.25,
	domain.SuggestHistory:    0.2,
}

var emailProviders = []string{
	"gmail.com", "yahoo.com", "outlook.com", "hotmail.com",
	"icloud.com", "protonmail.com", "aol.com", "mail.com",
}

var emailTypos = map[string]string{
	"gmial":   "gmail",
	"gmai":    "gmail",
	"yahooo":  "yahoo",
	"outlok":  "outlook",
	"hotmial": "hotmail",
}

type abbreviation struct {
	full string
	abbr string
	re   *regexp.Regexp
}

// Порядок фиксирован, чтобы подсказки с равной уверенностью шли стабильно
var addressAbbreviations = func() []abbreviation {
	pairs := [][2]string{
		{"street", "St"}, {"avenue", "Ave"}, {"boulevard", "Blvd"},
		{"road", "Rd"}, {"lane", "Ln"}, {"drive", "Dr"},
		{"court", "Ct"}, {"apartment", "Apt"}, {"suite", "Ste"},
	}
	out := make([]abbreviation, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, abbreviation{full: p[0], abbr: p[1], re: regexp.MustCompile(`(?i)\b` + p[0] + `\b`)})
	}
	return out
}()

// Переписывания даты в ISO: индексы групп года, месяца и дня
var dateRewrites = []struct {
	re      *regexp.Regexp
	y, m, d int
}{
	{re: regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`), y: 1, m: 2, d: 3},
	{re: regexp.MustCompile(`^(\d{2})(\d{2})(\d{4})$`), y: 3, m: 1, d: 2},
	{re: regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`), y: 3, m: 1, d: 2},
}

var nonDigitRe = regexp.MustCompile(`\D`)

// Context - необязательный контекст формы. История подключается,
// только если вызывающий передал связанные поля.
type Context struct {
	RelatedFields map[string]string `json:"related_fields,omitempty"`
}

// Predictor владеет историей принятых значений одной сессии формы.
type Predictor struct {
	history        *history
	maxSuggestions int
	now            func() time.Time
}

// NewPredictor создает валидатор. Нулевые лимиты заменяются значениями по умолчанию.
func NewPredictor(historyLimit, maxSuggestions int) *Predictor {
	if maxSuggestions <= 0 {
		maxSuggestions = DefaultMaxSuggestions
	}
	return &Predictor{
		history:        newHistory(historyLimit),
		maxSuggestions: maxSuggestions,
		now:            time.Now,
	}
}

// Predict возвращает до maxSuggestions подсказок по убыванию уверенности.
func (p *Predictor) Predict(field, value string, ctx *Context) []domain.Suggestion {
	if value == "" {
		return []domain.Suggestion{}
	}

	var suggestions []domain.Suggestion
	switch domain.InferFieldType(field) {
	case domain.FieldPhone:
		suggestions = predictPhone(value)
	case domain.FieldEmail:
		suggestions = predictEmail(value)
	case domain.FieldName:
		suggestions = predictName(value)
	case domain.FieldAddress:
		suggestions = predictAddress(value)
	case domain.FieldDate:
		suggestions = predictDate(value)
	case domain.FieldZipCode:
		suggestions = predictZipCode(value)
	default:
		suggestions = predictGeneric(value)
	}

	if ctx != nil && ctx.RelatedFields != nil {
		for _, v := range p.history.matching(field, value) {
			suggestions = append(suggestions, domain.Suggestion{
				Value:  v,
				Reason: "Previously used value",
				Type:   domain.SuggestHistory,
			})
		}
	}

	for i := range suggestions {
		suggestions[i].Confidence = suggestionConfidence(suggestions[i], value)
	}
	slices.SortStableFunc(suggestions, func(a, b domain.Suggestion) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})

	if len(suggestions) > p.maxSuggestions {
		suggestions = suggestions[:p.maxSuggestions]
	}
	if suggestions == nil {
		return []domain.Suggestion{}
	}
	return suggestions
}

// LearnFromInput запоминает принятое значение. Отклоненные не запоминаются.
func (p *Predictor) LearnFromInput(field, value string, accepted bool) {
	if !accepted || value == "" {
		return
	}
	p.history.add(field, value, p.now())
}

// HistoryLen - текущий размер истории.
func (p *Predictor) HistoryLen() int { return p.history.len() }

// Reset очищает историю.
func (p *Predictor) Reset() { p.history.reset() }

func suggestionConfidence(s domain.Suggestion, original string) float64 {
	c := baseConfidence + typeBonus[s.Type] + 0.2*similarity(original, s.Value)
	return min(c, 1.0)
}

func predictPhone(value string) []domain.Suggestion {
	var out []domain.Suggestion
	digits := nonDigitRe.ReplaceAllString(value, "")

	switch {
	case len(digits) == 10:
		national := fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])
		out = append(out,
			domain.Suggestion{Value: national, Reason: "Standard US format", Type: domain.SuggestFormat},
			domain.Suggestion{Value: "+1 " + national, Reason: "International US format", Type: domain.SuggestFormat},
		)
	case len(digits) == 11 && digits[0] == '1':
		out = append(out, domain.Suggestion{
			Value:  fmt.Sprintf("+1 (%s) %s-%s", digits[1:4], digits[4:7], digits[7:]),
			Reason: "US international format",
			Type:   domain.SuggestFormat,
		})
	}

	if len(digits) > 6 && len(digits) < 10 {
		out = append(out, domain.Suggestion{
			Value:  value,
			Reason: fmt.Sprintf("Continue entering (%d more digits needed)", 10-len(digits)),
			Type:   domain.SuggestCompletion,
		})
	}
	return out
}

func predictEmail(value string) []domain.Suggestion {
	var out []domain.Suggestion

	if !strings.Contains(value, "@") {
		if len(value) > 2 {
			for _, d := range emailProviders {
				out = append(out, domain.Suggestion{
					Value:  value + "@" + d,
					Reason: "Complete with @" + d,
					Type:   domain.SuggestCompletion,
				})
			}
		}
		return out
	}

	parts := strings.Split(value, "@")
	local, domainPart := parts[0], parts[1]

	// 1. Дополнение домена до известного провайдера
	if len(domainPart) > 0 && len(domainPart) < 15 {
		lower := strings.ToLower(domainPart)
		for _, d := range emailProviders {
			if strings.HasPrefix(d, lower) {
				out = append(out, domain.Suggestion{
					Value:  local + "@" + d,
					Reason: "Complete domain to " + d,
					Type:   domain.SuggestCompletion,
				})
			}
		}
	}

	// 2. Таблица опечаток
	base, _, _ := strings.Cut(domainPart, ".")
	if fixed, ok := emailTypos[base]; ok {
		out = append(out, domain.Suggestion{
			Value:  local + "@" + fixed + ".com",
			Reason: fmt.Sprintf("Did you mean %s?", fixed),
			Type:   domain.SuggestCorrection,
		})
	}

	// 3. Голый домен без зоны
	if len(domainPart) > 2 && !strings.Contains(domainPart, ".") {
		out = append(out, domain.Suggestion{
			Value:  local + "@" + domainPart + ".com",
			Reason: "Add .com",
			Type:   domain.SuggestCompletion,
		})
	}
	return out
}

func predictName(value string) []domain.Suggestion {
	var out []domain.Suggestion

	// Caser хранит состояние, поэтому на каждый вызов свой
	titled := cases.Title(language.Und).String(value)
	if titled != value {
		out = append(out, domain.Suggestion{Value: titled, Reason: "Proper capitalization", Type: domain.SuggestFormat})
	}

	collapsed := strings.Join(strings.Fields(value), " ")
	if collapsed != value {
		out = append(out, domain.Suggestion{Value: collapsed, Reason: "Remove extra spaces", Type: domain.SuggestFormat})
	}
	return out
}

func predictAddress(value string) []domain.Suggestion {
	var out []domain.Suggestion
	for _, a := range addressAbbreviations {
		if !a.re.MatchString(value) {
			continue
		}
		out = append(out, domain.Suggestion{
			Value:  a.re.ReplaceAllLiteralString(value, a.abbr),
			Reason: fmt.Sprintf("Abbreviate %q to %q", a.full, a.abbr),
			Type:   domain.SuggestFormat,
		})
	}
	return out
}

func predictDate(value string) []domain.Suggestion {
	var out []domain.Suggestion
	for _, rw := range dateRewrites {
		m := rw.re.FindStringSubmatch(value)
		if m == nil {
			continue
		}
		iso := m[rw.y] + "-" + pad2(m[rw.m]) + "-" + pad2(m[rw.d])
		if _, err := time.Parse(time.DateOnly, iso); err != nil {
			continue
		}
		out = append(out, domain.Suggestion{
			Value:  iso,
			Reason: "Standard date format (YYYY-MM-DD)",
			Type:   domain.SuggestFormat,
		})
	}
	return out
}

func pad2(s string) string {
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

func predictZipCode(value string) []domain.Suggestion {
	digits := nonDigitRe.ReplaceAllString(value, "")
	switch len(digits) {
	case 5:
		return []domain.Suggestion{{Value: digits, Reason: "Valid US ZIP code", Type: domain.SuggestValidation}}
	case 9:
		return []domain.Suggestion{{Value: digits[:5] + "-" + digits[5:], Reason: "ZIP+4 format", Type: domain.SuggestFormat}}
	}
	return nil
}

func predictGeneric(value string) []domain.Suggestion {
	if trimmed := strings.TrimSpace(value); trimmed != value {
		return []domain.Suggestion{{Value: trimmed, Reason: "Remove leading/trailing spaces", Type: domain.SuggestFormat}}
	}
	return nil
}
