package util

import (
	"html"
	"strings"
)

const (
	ContactTypeEmail = "email"
	ContactTypePhone = "phone"
)

// NormalizeContact trims and lowercases a phone number or email address.
// It must run before any contact is hashed so lookups are stable.
func NormalizeContact(contact string) string {
	return strings.ToLower(strings.TrimSpace(contact))
}

// DetectContactType guesses the contact type from the normalized value.
func DetectContactType(normalized string) string {
	if strings.Contains(normalized, "@") {
		return ContactTypeEmail
	}
	return ContactTypePhone
}

// SanitizeInput escapes HTML-like characters in free-text fields such as profile names.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious flags markup or template injection attempts.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
