package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/formguard/internal/domain"
)

// querier - общий знаменатель пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) Get(ctx context.Context, status domain.EntryStatus, id string) (*domain.Entry, error) {
	table, err := tableFor(status)
	if err != nil {
		return nil, err
	}

	var doc []byte
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("postgres: get entry: %w", err)
	}
	return decodeEntry(doc)
}

// List возвращает записи коллекции в порядке создания.
func (s *Store) List(ctx context.Context, status domain.EntryStatus) ([]*domain.Entry, error) {
	table, err := tableFor(status)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT doc FROM %s ORDER BY created_at, id`, table))
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.Entry, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: scan entry: %w", err)
		}
		e, err := decodeEntry(doc)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *Store) Insert(ctx context.Context, e *domain.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := insertEntry(ctx, s.pool, e); err != nil {
		return fmt.Errorf("postgres: insert entry: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, e *domain.Entry) error {
	table, err := tableFor(e.Status)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: encode entry: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET doc = $1, confidence = $2, needs_review = $3, updated_at = $4
		WHERE id = $5`, table)

	ct, err := s.pool.Exec(ctx, query, doc, e.Confidence.Score, e.NeedsReview, e.Metadata.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("postgres: update entry: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, status domain.EntryStatus, id string) error {
	table, err := tableFor(status)
	if err != nil {
		return err
	}

	ct, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("postgres: delete entry: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// Move переносит запись между коллекциями в одной транзакции:
// падение между DELETE и INSERT не теряет и не дублирует запись.
func (s *Store) Move(ctx context.Context, from domain.EntryStatus, e *domain.Entry) error {
	src, err := tableFor(from)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin move: %w", err)
	}
	defer tx.Rollback(ctx) // После Commit это no-op

	// 1. Удаляем из старой коллекции
	ct, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, src), e.ID)
	if err != nil {
		return fmt.Errorf("postgres: move delete: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}

	// 2. Вставляем в новую
	if err := insertEntry(ctx, tx, e); err != nil {
		return fmt.Errorf("postgres: move insert: %w", err)
	}

	// 3. Фиксируем пару целиком
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit move: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, q querier, e *domain.Entry) error {
	table, err := tableFor(e.Status)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc, confidence, needs_review, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, table)

	_, err = q.Exec(ctx, query, e.ID, doc, e.Confidence.Score, e.NeedsReview, e.Metadata.CreatedAt, e.Metadata.UpdatedAt)
	return err
}

func decodeEntry(doc []byte) (*domain.Entry, error) {
	var e domain.Entry
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("postgres: decode entry: %w", err)
	}
	return &e, nil
}
