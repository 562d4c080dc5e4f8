package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrInvalidRules = errors.New("invalid validation rules")

// RulesIDCustom - ключ единственного набора пользовательских правил.
const RulesIDCustom = "custom_rules"

// RulesRecord - персистентная заплатка поверх правил детектора по умолчанию.
type RulesRecord struct {
	ID       string `json:"id"`
	Category string `json:"category"` // "user_defined"

	// Rules хранится как есть: {"email": {"max_length": 120, ...}, ...}
	// Разбор и валидация происходят в детекторе аномалий.
	Rules json.RawMessage `json:"rules"`

	UpdatedAt time.Time `json:"updated_at"`
}
