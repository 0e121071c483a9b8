package log

import (
	"strings"
)

var sensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api-key", "admin_key", "x-admin-key",
	"token", "secret", "authorization",
	"credential", "dsn",
}

// SanitizeField masks the value when the key names a secret.
// MySQL DSNs keep only the address part.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if !strings.Contains(lowerKey, keyword) {
			continue
		}
		if keyword == "dsn" {
			return sanitizeDSN(value)
		}
		return maskToken(value)
	}
	return value
}

// maskToken shows the first and last 4 characters of long values.
func maskToken(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return value[:1] + strings.Repeat("*", len(value)-2) + value[len(value)-1:]
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// sanitizeDSN hides the credentials of user:pass@tcp(host)/db.
func sanitizeDSN(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 {
		return maskToken(value)
	}
	return "****" + value[at:]
}
