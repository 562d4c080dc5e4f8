// Package memory - хранилище в памяти процесса. Бэкенд по умолчанию и для тестов.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/xela07ax/formguard/internal/domain"
)

// Store держит все коллекции под одним мьютексом, поэтому Move атомарен.
type Store struct {
	mu          sync.RWMutex
	collections map[domain.EntryStatus]map[string]*domain.Entry
	audit       []domain.AuditLogEntry
	rules       map[string]domain.RulesRecord
}

func NewStore() *Store {
	return &Store{
		collections: map[domain.EntryStatus]map[string]*domain.Entry{
			domain.StatusStaging:    {},
			domain.StatusQuarantine: {},
			domain.StatusValidated:  {},
		},
		rules: make(map[string]domain.RulesRecord),
	}
}

func (s *Store) collection(status domain.EntryStatus) (map[string]*domain.Entry, error) {
	c, ok := s.collections[status]
	if !ok {
		return nil, domain.ErrUnknownCollection
	}
	return c, nil
}

func (s *Store) Get(_ context.Context, status domain.EntryStatus, id string) (*domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(status)
	if err != nil {
		return nil, err
	}
	e, ok := c[id]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	return e.Clone(), nil
}

// List отдает записи в порядке создания.
func (s *Store) List(_ context.Context, status domain.EntryStatus) ([]*domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(status)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Entry, 0, len(c))
	for _, e := range c {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Entry) int {
		if n := a.Metadata.CreatedAt.Compare(b.Metadata.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) Insert(_ context.Context, e *domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(e.Status)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	c[e.ID] = e.Clone()
	return nil
}

func (s *Store) Update(_ context.Context, e *domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(e.Status)
	if err != nil {
		return err
	}
	if _, ok := c[e.ID]; !ok {
		return domain.ErrEntryNotFound
	}
	c[e.ID] = e.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, status domain.EntryStatus, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(status)
	if err != nil {
		return err
	}
	if _, ok := c[id]; !ok {
		return domain.ErrEntryNotFound
	}
	delete(c, id)
	return nil
}

func (s *Store) Move(_ context.Context, from domain.EntryStatus, e *domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.collection(from)
	if err != nil {
		return err
	}
	dst, err := s.collection(e.Status)
	if err != nil {
		return err
	}
	if _, ok := src[e.ID]; !ok {
		return domain.ErrEntryNotFound
	}
	delete(src, e.ID)
	dst[e.ID] = e.Clone()
	return nil
}

func (s *Store) AppendAudit(_ context.Context, l *domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	s.audit = append(s.audit, *l)
	return nil
}

func (s *Store) AuditForEntry(_ context.Context, entryID string) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLogEntry, 0)
	for _, l := range s.audit {
		if l.EntryID == entryID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) ListAudit(_ context.Context) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]domain.AuditLogEntry, 0, len(s.audit)), s.audit...), nil
}

func (s *Store) GetRules(_ context.Context, id string) (*domain.RulesRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) SaveRules(_ context.Context, rec *domain.RulesRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rec.ID] = *rec
	return nil
}
