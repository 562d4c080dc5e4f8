package engine

import (
	"context"

	"github.com/xela07ax/formguard/internal/domain"
)

// EntryRepository - три коллекции записей (staging, quarantine, validated).
// Коллекция определяется статусом, запросов поперек коллекций нет.
type EntryRepository interface {
	// Get возвращает domain.ErrEntryNotFound, если записи нет в коллекции.
	Get(ctx context.Context, status domain.EntryStatus, id string) (*domain.Entry, error)
	List(ctx context.Context, status domain.EntryStatus) ([]*domain.Entry, error)
	// Insert кладет запись в коллекцию e.Status. Пустой ID назначается хранилищем.
	Insert(ctx context.Context, e *domain.Entry) error
	Update(ctx context.Context, e *domain.Entry) error
	Delete(ctx context.Context, status domain.EntryStatus, id string) error
	// Move атомарно удаляет запись из from и вставляет в e.Status.
	Move(ctx context.Context, from domain.EntryStatus, e *domain.Entry) error
}

// AuditRepository - журнал только на добавление и чтение.
type AuditRepository interface {
	AppendAudit(ctx context.Context, l *domain.AuditLogEntry) error
	AuditForEntry(ctx context.Context, entryID string) ([]domain.AuditLogEntry, error)
	ListAudit(ctx context.Context) ([]domain.AuditLogEntry, error)
}

// RulesRepository хранит пользовательскую заплатку правил детектора.
type RulesRepository interface {
	// GetRules возвращает nil, nil, если заплатки еще нет.
	GetRules(ctx context.Context, id string) (*domain.RulesRecord, error)
	SaveRules(ctx context.Context, rec *domain.RulesRecord) error
}

// Store - полный контракт хранилища, который реализуют memory и postgres.
type Store interface {
	EntryRepository
	AuditRepository
	RulesRepository
}
