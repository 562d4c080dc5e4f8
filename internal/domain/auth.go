package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ScopeRulesWrite - право администратора менять правила детектора.
const ScopeRulesWrite = "rules.write"

// CustomClaims - полезная нагрузка RS256 токена администратора.
// Выпуском токенов занимается внешний сервис аккаунтов, здесь только проверка.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "rules.write": true
	jwt.RegisteredClaims
}

// HasScope проверяет, выдано ли право в токене.
func (c *CustomClaims) HasScope(scope string) bool {
	return c != nil && c.Scopes[scope]
}
