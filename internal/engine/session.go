package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/behavior"
	"github.com/xela07ax/formguard/internal/domain"
	"github.com/xela07ax/formguard/internal/predict"
)

// Session - одна открытая форма: своя телеметрия и своя история подсказок.
// Записи внутри сессии обрабатываются строго по одной.
type Session struct {
	ID        string
	Monitor   *behavior.Monitor
	Predictor *predict.Predictor

	processing sync.Mutex // Сериализует обработку записей сессии

	mu       sync.Mutex
	now      func() time.Time
	lastSeen time.Time
}

// NewSession собирает сессию с заданными часами. Для тестов и для менеджера сессий.
func NewSession(id string, historyLimit, maxSuggestions int, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		ID:        id,
		Monitor:   behavior.NewMonitorWithClock(now),
		Predictor: predict.NewPredictor(historyLimit, maxSuggestions),
		now:       now,
		lastSeen:  now(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Хуки телеметрии. at - время события на клиенте, нулевое значит "сейчас" по часам сессии.
// Интервалы между нажатиями считаются по клиентским отметкам, а не по времени прихода запросов.

func (s *Session) StartFieldMonitoring(field string) {
	s.touch()
	s.Monitor.StartMonitoring(field)
}

func (s *Session) RecordKeystroke(field, key string, at time.Time) {
	s.touch()
	s.Monitor.RecordKeystroke(field, key, at)
}

func (s *Session) RecordPaste(field string, length int, at time.Time) {
	s.touch()
	s.Monitor.RecordPaste(field, length, at)
}

func (s *Session) RecordCopy(field string, length int, at time.Time) {
	s.touch()
	s.Monitor.RecordCopy(field, length, at)
}

func (s *Session) StopFieldMonitoring(field, value string) {
	s.touch()
	s.Monitor.StopMonitoring(field, value)
}

// LearnFromInput пополняет историю подсказок сессии.
func (s *Session) LearnFromInput(field, value string, accepted bool) {
	s.touch()
	s.Predictor.LearnFromInput(field, value, accepted)
}

// SessionManager держит открытые формы и выселяет брошенные по TTL.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl            time.Duration
	historyLimit   int
	maxSuggestions int
	now            func() time.Time
	metrics        *Metrics
	logger         *zap.Logger
}

func NewSessionManager(ttl time.Duration, historyLimit, maxSuggestions int, metrics *Metrics, logger *zap.Logger) *SessionManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &SessionManager{
		sessions:       make(map[string]*Session),
		ttl:            ttl,
		historyLimit:   historyLimit,
		maxSuggestions: maxSuggestions,
		now:            time.Now,
		metrics:        metrics,
		logger:         logger.Named("sessions"),
	}
}

// SetClock подменяет часы для новых сессий и для выселения.
func (m *SessionManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *SessionManager) Create() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := NewSession(uuid.New().String(), m.historyLimit, m.maxSuggestions, m.now)
	m.sessions[s.ID] = s
	m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return s
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return nil
}

func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep выселяет сессии, простаивающие дольше TTL. Нулевой TTL - без выселения.
func (m *SessionManager) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.now().Add(-m.ttl)
	evicted := 0
	for id, s := range m.sessions {
		if s.idleSince().Before(deadline) {
			delete(m.sessions, id)
			evicted++
		}
	}
	m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return evicted
}

// RunJanitor периодически вызывает Sweep до отмены контекста.
func (m *SessionManager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info("idle sessions evicted", zap.Int("count", n))
			}
		}
	}
}
