package postgres

/*
Файл store.go отвечает за подключение к PostgreSQL и схему хранения.
Каждая коллекция записей - отдельная таблица, запись хранится целиком в JSONB,
а рядом лежат колонки для выборок и статистики без разбора документа.
*/

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // Драйвер миграций
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/formguard/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store реализует контракт хранилища оркестратора поверх pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore открывает пул соединений. Доступность базы проверяет Ping.
func NewStore(ctx context.Context, url string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping проверяет доступность базы при старте
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// NewMigrator собирает мигратор поверх встроенных SQL-файлов.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: migrator: %w", err)
	}
	return m, nil
}

// Migrate накатывает все миграции. Отсутствие изменений не ошибка.
func Migrate(dsn string) error {
	m, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// tableFor сопоставляет статус записи с таблицей коллекции.
func tableFor(status domain.EntryStatus) (string, error) {
	switch status {
	case domain.StatusStaging:
		return "staging_entries", nil
	case domain.StatusQuarantine:
		return "quarantine_entries", nil
	case domain.StatusValidated:
		return "validated_entries", nil
	}
	return "", fmt.Errorf("postgres: %q: %w", status, domain.ErrUnknownCollection)
}
