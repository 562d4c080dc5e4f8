package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько занял проход конвейера (create, revalidate, undo)
	PipelineDuration *prometheus.HistogramVec

	// Traffic: записи по операции и итоговому статусу хранения
	EntriesProcessed *prometheus.CounterVec

	// Распределение итогового балла уверенности
	ConfidenceScore prometheus.Histogram

	// Errors: классификация отказов (not_found, insufficient_history, storage, invalid_rules)
	ErrorTotal *prometheus.CounterVec

	// Обновления правил детектора: local - через API, remote - сигнал из Redis
	RulesUpdates *prometheus.CounterVec

	// Saturation: активные сессии форм
	ActiveSessions prometheus.Gauge

	// Состояние предохранителя перезагрузки правил (0 - ок, 1 - выбило)
	CircuitBreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		PipelineDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formguard_pipeline_duration_seconds",
			Help:    "Histogram of validation pipeline latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),

		EntriesProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "formguard_entries_total",
			Help: "Total number of entries passed through the pipeline.",
		}, []string{"operation", "status"}),

		ConfidenceScore: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "formguard_confidence_score",
			Help:    "Distribution of confidence scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "formguard_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		RulesUpdates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "formguard_rules_updates_total",
			Help: "Total number of applied validation rules updates.",
		}, []string{"source"}),

		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "formguard_active_sessions",
			Help: "Current number of open form sessions.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "formguard_rules_reload_breaker_state",
			Help: "Current state of the rules reload circuit breaker (0=closed, 1=open).",
		}),
	}
}
