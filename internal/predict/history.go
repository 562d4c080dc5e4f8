package predict

import (
	"strings"
	"sync"
	"time"
)

// DefaultHistoryLimit - сколько принятых значений помнит валидатор.
const DefaultHistoryLimit = 100

type historyItem struct {
	field string
	value string
	at    time.Time
}

// history - кольцевой по смыслу список: при переполнении выбывает самое старое.
type history struct {
	mu    sync.Mutex
	items []historyItem
	limit int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit, items: make([]historyItem, 0, limit)}
}

func (h *history) add(field, value string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, historyItem{field: field, value: value, at: at})
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append(h.items[:0], h.items[over:]...)
	}
}

// matching возвращает значения поля, начинающиеся с prefix (без учета регистра).
func (h *history) matching(field, prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix = strings.ToLower(prefix)
	var out []string
	for _, it := range h.items {
		if it.field == field && strings.HasPrefix(strings.ToLower(it.value), prefix) {
			out = append(out, it.value)
		}
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func (h *history) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = h.items[:0]
}
