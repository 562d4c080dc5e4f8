// Package behavior собирает телеметрию ввода по полям формы
// (интервалы между нажатиями, вставки, копирование, время в поле)
// и превращает её в поведенческие флаги риска.
package behavior

import (
	"sync"
	"time"

	"github.com/xela07ax/formguard/internal/domain"
)

const (
	rapidWindow        = 5                      // Сколько последних интервалов усредняем
	rapidThreshold     = 50 * time.Millisecond  // Быстрее этого люди не печатают
	cadenceThreshold   = 10.0                   // символов в секунду
	minimalInteraction = 500 * time.Millisecond // Меньше - поле фактически не заполнялось
)

type clipboardEvent struct {
	at     time.Time
	length int
}

// fieldTelemetry живет от focus до reset монитора.
type fieldTelemetry struct {
	startedAt  time.Time
	focusedAt  time.Time
	blurredAt  time.Time
	keystrokes []time.Time
	intervals  []time.Duration
	pastes     []clipboardEvent
	copies     []clipboardEvent
	charCount  int
	timeSpent  time.Duration
	open       bool
	closed     bool // Сессия закрывалась хотя бы раз

	// Липкий флаг: однажды выставленный, держится до reset.
	rapidEntryDetected bool
}

// Monitor владеет телеметрией одной сессии формы.
// Один экземпляр на активную форму, между записями сбрасывается через Reset.
type Monitor struct {
	mu           sync.Mutex
	fields       map[string]*fieldTelemetry
	order        []string
	sessionStart time.Time
	now          func() time.Time
}

// NewMonitor создает монитор с системными часами.
func NewMonitor() *Monitor {
	return NewMonitorWithClock(time.Now)
}

// NewMonitorWithClock позволяет подменить часы (тесты, воспроизведение записанных сессий).
func NewMonitorWithClock(now func() time.Time) *Monitor {
	return &Monitor{
		fields:       make(map[string]*fieldTelemetry),
		sessionStart: now(),
		now:          now,
	}
}

// StartMonitoring открывает сессию поля. Если она уже открыта - ничего не делает.
// Повторный focus после blur продолжает накопление той же телеметрии.
func (m *Monitor) StartMonitoring(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.fields[field]
	if !ok {
		now := m.now()
		m.fields[field] = &fieldTelemetry{startedAt: now, focusedAt: now, open: true}
		m.order = append(m.order, field)
		return
	}
	if t.open {
		return
	}
	t.focusedAt = m.now()
	t.open = true
}

// RecordKeystroke добавляет отметку нажатия. Нулевое время означает "сейчас".
// Нажатия в поле без открытой сессии игнорируются.
func (m *Monitor) RecordKeystroke(field, key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.fields[field]
	if t == nil {
		return
	}
	if at.IsZero() {
		at = m.now()
	}

	if n := len(t.keystrokes); n > 0 {
		t.intervals = append(t.intervals, at.Sub(t.keystrokes[n-1]))
	}
	t.keystrokes = append(t.keystrokes, at)

	// Скользящее среднее по последним 5 интервалам
	if len(t.intervals) >= rapidWindow {
		recent := t.intervals[len(t.intervals)-rapidWindow:]
		if average(recent) < rapidThreshold {
			t.rapidEntryDetected = true
		}
	}
}

// RecordPaste фиксирует вставку из буфера обмена.
func (m *Monitor) RecordPaste(field string, length int, at time.Time) {
	m.recordClipboard(field, length, at, true)
}

// RecordCopy фиксирует копирование из поля.
func (m *Monitor) RecordCopy(field string, length int, at time.Time) {
	m.recordClipboard(field, length, at, false)
}

func (m *Monitor) recordClipboard(field string, length int, at time.Time, paste bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.fields[field]
	if t == nil {
		return
	}
	if at.IsZero() {
		at = m.now()
	}
	ev := clipboardEvent{at: at, length: length}
	if paste {
		t.pastes = append(t.pastes, ev)
	} else {
		t.copies = append(t.copies, ev)
	}
}

// StopMonitoring закрывает сессию поля: время в поле и итоговое число символов.
// Без открытой сессии ничего не делает. Пустое значение допустимо.
func (m *Monitor) StopMonitoring(field, finalValue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.fields[field]
	if t == nil || !t.open {
		return
	}
	t.blurredAt = m.now()
	t.timeSpent = t.blurredAt.Sub(t.focusedAt)
	t.charCount = len([]rune(finalValue))
	t.open = false
	t.closed = true
}

// AnalyzeBehavior - чистая функция над телеметрией поля.
// Второе значение false, если по полю не было ни одной сессии.
func (m *Monitor) AnalyzeBehavior(field string) (domain.BehaviorAnalysis, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.fields[field]
	if t == nil {
		return domain.BehaviorAnalysis{Risk: domain.RiskLow, Flags: []string{}}, false
	}
	return analyze(t), true
}

// Report возвращает анализ по каждому полю, у которого есть открытая или закрытая сессия.
func (m *Monitor) Report() map[string]domain.BehaviorAnalysis {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := make(map[string]domain.BehaviorAnalysis, len(m.fields))
	for _, field := range m.order {
		report[field] = analyze(m.fields[field])
	}
	return report
}

// Fields возвращает поля с сессиями в порядке первого фокуса.
func (m *Monitor) Fields() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// TypingCadence - символов в секунду за время в поле. 0 до первого blur.
func (m *Monitor) TypingCadence(field string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.fields[field]; t != nil {
		return cadence(t)
	}
	return 0
}

// AverageKeystrokeInterval - средний интервал по всем нажатиям поля.
func (m *Monitor) AverageKeystrokeInterval(field string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.fields[field]; t != nil {
		return average(t.intervals)
	}
	return 0
}

// ResetField забывает телеметрию одного поля.
func (m *Monitor) ResetField(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fields[field]; !ok {
		return
	}
	delete(m.fields, field)
	for i, f := range m.order {
		if f == field {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Reset очищает все сессии и перезапускает часы сессии формы.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fields = make(map[string]*fieldTelemetry)
	m.order = nil
	m.sessionStart = m.now()
}

// SessionDuration - сколько прошло с последнего Reset.
func (m *Monitor) SessionDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.sessionStart)
}

func analyze(t *fieldTelemetry) domain.BehaviorAnalysis {
	flags := make([]string, 0, 5)
	riskScore := 0

	avg := average(t.intervals)
	rate := cadence(t)

	// 1. Слишком быстрый ввод в среднем. Липкий флаг всплеска идет только в метрики.
	if avg > 0 && avg < rapidThreshold {
		flags = append(flags, domain.FlagRapidEntry)
		riskScore += 3
	}

	// 2. > 10 символов/сек подозрительно для ручного ввода данных
	if rate > cadenceThreshold {
		flags = append(flags, domain.FlagHighCadence)
		riskScore += 2
	}

	// 3. Вставка сама по себе не плоха, но заметна
	if len(t.pastes) > 0 {
		flags = append(flags, domain.FlagPasteDetected)
		riskScore++
	}

	// 4. Поле "пролетели" меньше чем за 500мс. Нулевое время - вырожденная сессия, не флаг.
	if t.closed && t.timeSpent > 0 && t.timeSpent < minimalInteraction {
		flags = append(flags, domain.FlagMinimalInteraction)
		riskScore += 2
	}

	// 5. Скопировали и вставили в одном поле
	if len(t.copies) > 0 && len(t.pastes) > 0 {
		flags = append(flags, domain.FlagCopyPastePattern)
		riskScore++
	}

	risk := domain.RiskLow
	switch {
	case riskScore >= 5:
		risk = domain.RiskHigh
	case riskScore >= 3:
		risk = domain.RiskMedium
	}

	return domain.BehaviorAnalysis{
		Risk:      risk,
		RiskScore: riskScore,
		Flags:     flags,
		Metrics: domain.BehaviorMetrics{
			AvgKeystrokeIntervalMs: float64(avg) / float64(time.Millisecond),
			TypingCadence:          rate,
			TimeSpentMs:            t.timeSpent.Milliseconds(),
			PasteCount:             len(t.pastes),
			CopyCount:              len(t.copies),
			KeystrokeCount:         len(t.keystrokes),
			CharacterCount:         t.charCount,
			RapidEntryDetected:     t.rapidEntryDetected,
			Closed:                 t.closed,
		},
	}
}

func cadence(t *fieldTelemetry) float64 {
	if !t.closed || t.timeSpent <= 0 {
		return 0
	}
	return float64(t.charCount) / t.timeSpent.Seconds()
}

func average(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
