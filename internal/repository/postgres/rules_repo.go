package postgres

/*
Файл rules_repo.go хранит пользовательскую заплатку правил детектора аномалий.
Горячий путь проверки работает только с правилами в памяти, база нужна
для холодной загрузки при старте и для синхронизации между инстансами.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/formguard/internal/domain"
)

func (s *Store) GetRules(ctx context.Context, id string) (*domain.RulesRecord, error) {
	query := `
		SELECT id, category, rules, updated_at
		FROM validation_rules
		WHERE id = $1`

	rec := &domain.RulesRecord{}
	err := s.pool.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.Category, &rec.Rules, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Заплатки нет, работаем на правилах по умолчанию
		}
		return nil, fmt.Errorf("postgres: get rules: %w", err)
	}
	return rec, nil
}

// SaveRules создает или перезаписывает заплатку.
func (s *Store) SaveRules(ctx context.Context, rec *domain.RulesRecord) error {
	query := `
		INSERT INTO validation_rules (id, category, rules, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET category = EXCLUDED.category, rules = EXCLUDED.rules, updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query, rec.ID, rec.Category, []byte(rec.Rules), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save rules: %w", err)
	}
	return nil
}
