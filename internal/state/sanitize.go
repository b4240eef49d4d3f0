package state

import (
	"regexp"
	"strings"
)

const (
	// Localized fallbacks kept from the production deployment.
	defaultDisplayName = "Неизвестный"
	maskedDisplayName  = "Пользователь"

	maxDisplayNameLen = 32
)

// Crude wordlist filter. Not exhaustive, but better than nothing.
var profanity = regexp.MustCompile(`(?i)(хуй|пизд|ёб|еба|бля|сука|мраз|гандон|шлюх)`)

// SanitizeName trims, truncates to 32 characters and masks names matching the
// profanity list. Empty input yields the localized default.
func SanitizeName(input string) string {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return defaultDisplayName
	}
	runes := []rune(raw)
	if len(runes) > maxDisplayNameLen {
		runes = runes[:maxDisplayNameLen]
	}
	cut := string(runes)
	if profanity.MatchString(cut) {
		return maskedDisplayName
	}
	return cut
}
