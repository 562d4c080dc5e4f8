package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/formguard/internal/domain"
)

// GetValidationStats сканирует три коллекции и журнал аудита в момент вызова.
func (o *Orchestrator) GetValidationStats(ctx context.Context) (domain.ValidationStats, error) {
	var (
		staging, quarantined, validated []*domain.Entry
		logs                            []domain.AuditLogEntry
	)

	// Коллекции независимы, читаем параллельно
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { staging, err = o.store.List(gctx, domain.StatusStaging); return })
	g.Go(func() (err error) { quarantined, err = o.store.List(gctx, domain.StatusQuarantine); return })
	g.Go(func() (err error) { validated, err = o.store.List(gctx, domain.StatusValidated); return })
	g.Go(func() (err error) { logs, err = o.store.ListAudit(gctx); return })
	if err := g.Wait(); err != nil {
		return domain.ValidationStats{}, fmt.Errorf("collect stats: %w", err)
	}

	st := domain.ValidationStats{
		Staging:       len(staging),
		Quarantined:   len(quarantined),
		Validated:     len(validated),
		AuditLogCount: len(logs),
		AvgConfidence: map[domain.EntryStatus]float64{
			domain.StatusStaging:    avgConfidence(staging),
			domain.StatusQuarantine: avgConfidence(quarantined),
			domain.StatusValidated:  avgConfidence(validated),
		},
	}
	st.TotalEntries = st.Staging + st.Quarantined + st.Validated

	for _, e := range staging {
		if e.NeedsReview {
			st.NeedsReview++
		}
	}

	if st.TotalEntries > 0 {
		st.QuarantineRate = float64(st.Quarantined) / float64(st.TotalEntries)
	}

	corrections := 0
	for _, l := range logs {
		if l.Action == domain.ActionRevalidated {
			corrections++
		}
	}
	if st.Quarantined > 0 {
		st.CorrectionRate = float64(corrections) / float64(st.Quarantined)
	}

	st.AvgResolutionTimeMs = avgResolutionTime(logs)
	return st, nil
}

func avgConfidence(entries []*domain.Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range entries {
		total += e.Confidence.Score
	}
	return total / float64(len(entries))
}

// avgResolutionTime - среднее время от created до первой revalidated по каждой записи.
func avgResolutionTime(logs []domain.AuditLogEntry) float64 {
	created := make(map[string]time.Time)
	resolved := make(map[string]time.Time)

	for _, l := range logs {
		switch l.Action {
		case domain.ActionCreated:
			if t, ok := created[l.EntryID]; !ok || l.Timestamp.Before(t) {
				created[l.EntryID] = l.Timestamp
			}
		case domain.ActionRevalidated:
			if t, ok := resolved[l.EntryID]; !ok || l.Timestamp.Before(t) {
				resolved[l.EntryID] = l.Timestamp
			}
		}
	}

	var total time.Duration
	n := 0
	for id, fixedAt := range resolved {
		createdAt, ok := created[id]
		if !ok || fixedAt.Before(createdAt) {
			continue
		}
		total += fixedAt.Sub(createdAt)
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(n)
}
