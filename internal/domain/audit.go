package domain

import "time"

// Действия жизненного цикла, попадающие в аудит
const (
	ActionCreated     = "created"
	ActionRevalidated = "revalidated"
	ActionUndone      = "undone"
)

// AuditLogEntry - append-only запись о переходе записи между состояниями.
// Ядро никогда не меняет и не удаляет эти записи.
type AuditLogEntry struct {
	ID         string            `json:"id"`
	EntryID    string            `json:"entry_id"`
	Action     string            `json:"action"`
	Status     EntryStatus       `json:"status"`
	Confidence float64           `json:"confidence"`
	DeviceID   string            `json:"device_id"`
	TraceID    string            `json:"trace_id,omitempty"` // Сквозной ID запроса
	Changes    map[string]string `json:"changes,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
