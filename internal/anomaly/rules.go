package anomaly

/*
Файл rules.go описывает правила детектора: границы длины, обязательный формат,
подозрительные паттерны и даты. Правила сериализуются в JSON, поэтому их можно
хранить в БД и менять на лету без передеплоя.

Паттерны пишутся в нотации JS-литерала ("/test|fake/i") или просто выражением.
Компилируются через regexp2: правилам по умолчанию нужны обратные ссылки ((.)\1{4,}),
которых нет в RE2.
*/

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/xela07ax/formguard/internal/domain"
)

// Ограничение на время матчинга: админские паттерны не должны вешать конвейер
const matchTimeout = 50 * time.Millisecond

// RuleSet - правила для одного типа поля.
type RuleSet struct {
	MinLength          int      `json:"min_length,omitempty"`
	MaxLength          int      `json:"max_length,omitempty"`
	Pattern            string   `json:"pattern,omitempty"`
	SuspiciousPatterns []string `json:"suspicious_patterns,omitempty"`
	InvalidPatterns    []string `json:"invalid_patterns,omitempty"` // Заведомо невыданные номера (ssn)

	// Только для дат
	FutureYearsAllowed float64  `json:"future_years_allowed,omitempty"`
	PastYearsAllowed   float64  `json:"past_years_allowed,omitempty"`
	SuspiciousDates    []string `json:"suspicious_dates,omitempty"` // YYYY-MM-DD
}

// Rules - таблица правил по выведенному типу поля.
type Rules map[domain.FieldType]RuleSet

// DefaultRules возвращает встроенный набор правил.
func DefaultRules() Rules {
	return Rules{
		domain.FieldPhone: {
			MinLength: 10,
			MaxLength: 15,
			Pattern:   `/^[\d\s\-\+\(\)]+$/`,
		},
		domain.FieldEmail: {
			MaxLength: 254,
			Pattern:   `/^[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$/`,
			SuspiciousPatterns: []string{
				`/(.)\1{4,}/`,                  // Повтор символа
				`/^[^@]+@[^@]+\.[a-z]{10,}$/i`, // Странный TLD
				`/test|fake|dummy|spam/i`,
			},
		},
		domain.FieldName: {
			MinLength: 2,
			MaxLength: 100,
			Pattern:   `/^[a-zA-Z\s\-'.]+$/`,
			SuspiciousPatterns: []string{
				`/(.)\1{3,}/`,
				`/^[a-z]+$/`, // Всё строчными
				`/test|fake|dummy|asdf|qwerty/i`,
				`/^\d+$/`,
			},
		},
		domain.FieldDate: {
			FutureYearsAllowed: 1,
			PastYearsAllowed:   120,
			SuspiciousDates:    []string{"1900-01-01", "2000-01-01", "1970-01-01"},
		},
		domain.FieldAddress: {
			MinLength: 10,
			MaxLength: 200,
			SuspiciousPatterns: []string{
				`/(.)\1{5,}/`,
				`/^[0-9\s]+$/`, // Одни цифры
				`/test|fake|dummy|N\/A|none/i`,
			},
		},
		domain.FieldZipCode: {
			// US (ZIP и ZIP+4), IN (6 цифр) и общий случай
			Pattern: `/^\d{5}-\d{4}$|^\d{4,10}$/`,
		},
		domain.FieldSSN: {
			Pattern: `/^\d{3}-?\d{2}-?\d{4}$/`,
			InvalidPatterns: []string{
				`/^000/`,                 // Недопустимый area number
				`/^\d{3}-?00-/`,          // Недопустимый group number
				`/^\d{3}-?\d{2}-?0000$/`, // Недопустимый serial number
				`/^666/`,                 // Зарезервирован
				`/^9/`,                   // Не выдается
			},
		},
	}
}

// ParseRules разбирает JSON-заплатку правил. Неизвестные ключи - ошибка.
func ParseRules(raw []byte) (Rules, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()

	var rules Rules
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRules, err)
	}
	return rules, nil
}

// ValidateRules проверяет заплатку без применения: пустая или некомпилируемая - ErrInvalidRules.
func ValidateRules(patch Rules) error {
	if len(patch) == 0 {
		return fmt.Errorf("%w: empty rules", domain.ErrInvalidRules)
	}
	_, err := compileRules(patch)
	return err
}

func compileRules(rules Rules) (map[domain.FieldType]*compiledRuleSet, error) {
	compiled := make(map[domain.FieldType]*compiledRuleSet, len(rules))
	for ft, rs := range rules {
		c, err := compile(ft, rs)
		if err != nil {
			return nil, err
		}
		compiled[ft] = c
	}
	return compiled, nil
}

// compiledRuleSet - RuleSet с уже скомпилированными выражениями.
type compiledRuleSet struct {
	RuleSet
	pattern    *regexp2.Regexp
	suspicious []*regexp2.Regexp
	invalid    []*regexp2.Regexp
	dates      map[string]struct{}
}

// compile проверяет набор правил и готовит его к работе.
// Любая ошибка оборачивается в domain.ErrInvalidRules.
func compile(ft domain.FieldType, rs RuleSet) (*compiledRuleSet, error) {
	if !ft.IsKnown() {
		return nil, fmt.Errorf("%w: unknown field type %q", domain.ErrInvalidRules, ft)
	}
	if rs.MinLength < 0 || rs.MaxLength < 0 {
		return nil, fmt.Errorf("%w: %s: negative length bound", domain.ErrInvalidRules, ft)
	}
	if rs.MinLength > 0 && rs.MaxLength > 0 && rs.MinLength > rs.MaxLength {
		return nil, fmt.Errorf("%w: %s: min_length %d > max_length %d", domain.ErrInvalidRules, ft, rs.MinLength, rs.MaxLength)
	}
	if rs.FutureYearsAllowed < 0 || rs.PastYearsAllowed < 0 {
		return nil, fmt.Errorf("%w: %s: negative year window", domain.ErrInvalidRules, ft)
	}

	c := &compiledRuleSet{RuleSet: rs, dates: make(map[string]struct{}, len(rs.SuspiciousDates))}

	var err error
	if rs.Pattern != "" {
		if c.pattern, err = compilePattern(rs.Pattern); err != nil {
			return nil, fmt.Errorf("%w: %s pattern: %v", domain.ErrInvalidRules, ft, err)
		}
	}
	if c.suspicious, err = compileAll(rs.SuspiciousPatterns); err != nil {
		return nil, fmt.Errorf("%w: %s suspicious pattern: %v", domain.ErrInvalidRules, ft, err)
	}
	if c.invalid, err = compileAll(rs.InvalidPatterns); err != nil {
		return nil, fmt.Errorf("%w: %s invalid pattern: %v", domain.ErrInvalidRules, ft, err)
	}
	for _, d := range rs.SuspiciousDates {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, fmt.Errorf("%w: %s suspicious date %q", domain.ErrInvalidRules, ft, d)
		}
		c.dates[d] = struct{}{}
	}
	return c, nil
}

func compileAll(patterns []string) ([]*regexp2.Regexp, error) {
	out := make([]*regexp2.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// compilePattern понимает "/expr/flags" и голое выражение. Из флагов значим только i.
func compilePattern(p string) (*regexp2.Regexp, error) {
	expr, opts := p, regexp2.RegexOptions(regexp2.ECMAScript)
	if strings.HasPrefix(p, "/") {
		end := strings.LastIndex(p, "/")
		if end <= 0 {
			return nil, fmt.Errorf("unterminated pattern %q", p)
		}
		expr = p[1:end]
		if strings.Contains(p[end+1:], "i") {
			opts |= regexp2.IgnoreCase
		}
	}
	if expr == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return re, nil
}

// matches - ошибка матчинга (таймаут) считается отсутствием совпадения.
func matches(re *regexp2.Regexp, value string) bool {
	ok, err := re.MatchString(value)
	return err == nil && ok
}
