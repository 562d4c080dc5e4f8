package domain

// ValidationStats - агрегаты, которые считаются сканированием коллекций в момент вызова.
type ValidationStats struct {
	TotalEntries        int                     `json:"total_entries"`
	Staging             int                     `json:"staging"`
	Quarantined         int                     `json:"quarantined"`
	Validated           int                     `json:"validated"`
	NeedsReview         int                     `json:"needs_review"`
	QuarantineRate      float64                 `json:"quarantine_rate"`
	CorrectionRate      float64                 `json:"correction_rate"`
	AvgConfidence       map[EntryStatus]float64 `json:"avg_confidence"`
	AvgResolutionTimeMs float64                 `json:"avg_resolution_time_ms"`
	AuditLogCount       int                     `json:"audit_log_count"`
}

// RulesUpdateResult - итог обновления правил детектора.
type RulesUpdateResult struct {
	RulesUpdated       bool `json:"rules_updated"`
	EntriesRevalidated int  `json:"entries_revalidated"`
}
