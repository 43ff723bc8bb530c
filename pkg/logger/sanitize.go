package logger

import "strings"

// SanitizedUsername masks a username for logging (e.g. "a****"). The
// first rune is kept so operators can correlate events without the full
// identity landing in log storage.
func SanitizedUsername(username string) string {
	if username == "" {
		return "[empty-user]"
	}

	runes := []rune(username)
	if len(runes) == 1 {
		return string(runes[0]) + "*"
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}
