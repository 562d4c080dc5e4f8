package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/domain"
)

// RulesLoader - источник, из которого пересобираются живые правила (оркестратор).
type RulesLoader interface {
	ReloadRules(ctx context.Context) error
}

// RulesReloader оборачивает перезагрузку правил ретраями и предохранителем:
// лежащая БД не должна превращать каждый сигнал из Redis в шторм запросов.
type RulesReloader struct {
	next    RulesLoader
	cb      *gobreaker.CircuitBreaker
	metrics *Metrics
	logger  *zap.Logger
}

func NewRulesReloader(next RulesLoader, metrics *Metrics, logger *zap.Logger) *RulesReloader {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = logger.Named("rules-reloader")

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rules-reload",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Битая заплатка в БД - не отказ хранилища, предохранитель на неё не реагирует
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrInvalidRules)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerState.Set(1)
			} else {
				metrics.CircuitBreakerState.Set(0)
			}
		},
	})

	return &RulesReloader{
		next:    next,
		cb:      cb,
		metrics: metrics,
		logger:  logger,
	}
}

// Reload перечитывает заплатку правил. Невалидная заплатка не ретраится.
func (r *RulesReloader) Reload(ctx context.Context) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, domain.ErrInvalidRules)
			}),
		)

		return nil, rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return r.next.ReloadRules(tCtx)
		})
	})
	if err != nil {
		r.metrics.ErrorTotal.WithLabelValues("rules_reload").Inc()
		return err
	}

	r.metrics.RulesUpdates.WithLabelValues("remote").Inc()
	return nil
}
