package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/formguard/internal/domain"
)

const auditColumns = `id, entry_id, action, status, confidence, device_id, trace_id, changes, data, timestamp`

// AppendAudit - только вставка, журнал не меняется и не чистится ядром.
func (s *Store) AppendAudit(ctx context.Context, l *domain.AuditLogEntry) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}

	changes, err := json.Marshal(l.Changes)
	if err != nil {
		return fmt.Errorf("postgres: encode audit changes: %w", err)
	}
	data, err := json.Marshal(l.Data)
	if err != nil {
		return fmt.Errorf("postgres: encode audit data: %w", err)
	}

	query := `INSERT INTO audit_logs (` + auditColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, query,
		l.ID, l.EntryID, l.Action, l.Status, l.Confidence,
		l.DeviceID, l.TraceID, changes, data, l.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}
	return nil
}

func (s *Store) AuditForEntry(ctx context.Context, entryID string) ([]domain.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_logs WHERE entry_id = $1 ORDER BY timestamp`, entryID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	return scanAudit(rows)
}

func (s *Store) ListAudit(ctx context.Context) ([]domain.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_logs ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	return scanAudit(rows)
}

func scanAudit(rows pgx.Rows) ([]domain.AuditLogEntry, error) {
	defer rows.Close()

	results := make([]domain.AuditLogEntry, 0)
	for rows.Next() {
		var (
			l             domain.AuditLogEntry
			changes, data []byte
		)
		err := rows.Scan(
			&l.ID, &l.EntryID, &l.Action, &l.Status, &l.Confidence,
			&l.DeviceID, &l.TraceID, &changes, &data, &l.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &l.Changes); err != nil {
				return nil, fmt.Errorf("postgres: decode audit changes: %w", err)
			}
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &l.Data); err != nil {
				return nil, fmt.Errorf("postgres: decode audit data: %w", err)
			}
		}
		results = append(results, l)
	}
	return results, rows.Err()
}
