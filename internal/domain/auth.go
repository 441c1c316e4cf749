package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims — полезная нагрузка RS256 токена оператора консоли.
// Токены выпускает внешний Console API; релей их только проверяет.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}
