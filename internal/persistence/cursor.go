// Package persistence contains helpers shared by repository implementations.
package persistence

import (
	"encoding/base64"
	"strings"

	"example.com/reconciliation/internal/domain"
)

// EncodeCursor serialises the cursor to an opaque token.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(c.Key + "|" + c.ID))
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token yields a nil cursor.
func DecodeCursor(token string) (*domain.Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, domain.NewValidationError("cursor", "malformed token")
	}
	key, id, ok := strings.Cut(string(decoded), "|")
	if !ok || key == "" || id == "" {
		return nil, domain.NewValidationError("cursor", "malformed token")
	}
	return &domain.Cursor{Key: key, ID: id}, nil
}
