package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/formguard/internal/infra"
)

// RulesSyncer разносит обновления правил между инстансами через Redis Pub/Sub.
// Сигнал несет только ID отправителя: сама заплатка всегда читается из БД.
type RulesSyncer struct {
	rdb        *redis.Client
	reloader   *RulesReloader
	logger     *zap.Logger
	instanceID string
}

func NewRulesSyncer(rdb *redis.Client, reloader *RulesReloader, logger *zap.Logger) *RulesSyncer {
	return &RulesSyncer{
		rdb:        rdb,
		reloader:   reloader,
		logger:     logger.Named("rules-sync"),
		instanceID: uuid.New().String(),
	}
}

// NotifyRulesUpdate публикует сигнал "перечитай правила".
func (s *RulesSyncer) NotifyRulesUpdate(ctx context.Context) error {
	return s.rdb.Publish(ctx, infra.RedisChanRulesUpdate, s.instanceID).Err()
}

// Run слушает канал до отмены контекста. Блокирующий, запускать в горутине.
func (s *RulesSyncer) Run(ctx context.Context) {
	s.logger.Info("rules sync listener started", zap.String("instance_id", s.instanceID))

	ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanRulesUpdate,
		func() error {
			return s.reloader.Reload(ctx)
		},
		func(sender string) {
			// Свой сигнал: правила уже применены локально
			if sender == s.instanceID {
				return
			}
			if err := s.reloader.Reload(ctx); err != nil {
				s.logger.Error("rules reload failed", zap.String("sender", sender), zap.Error(err))
				return
			}
			s.logger.Info("rules reloaded by signal", zap.String("sender", sender))
		},
	)
}
