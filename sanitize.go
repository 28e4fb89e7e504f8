package main

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxMessageLen   = 2000
	maxSessionIDLen = 64
	maxTagLen       = 32
	maxInterests    = 16
)

// Chat between strangers is plain text; no markup survives.
var textPolicy = bluemonday.StrictPolicy()

// SanitizeMessage strips all HTML from a chat message, trims it and caps its
// length in runes. The result may be empty.
func SanitizeMessage(message string) string {
	return sanitizeText(message, maxMessageLen)
}

// SanitizeSessionID returns id trimmed, or "" when it is too long or holds
// characters outside [A-Za-z0-9._:-].
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxSessionIDLen {
		return ""
	}
	if strings.IndexFunc(id, func(r rune) bool { return !validIDRune(r) }) >= 0 {
		return ""
	}
	return id
}

func validIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == ':':
		return true
	}
	return false
}

// SanitizeInterests cleans each interest tag and drops empties and repeats.
func SanitizeInterests(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, tag := range in {
		tag = sanitizeText(tag, maxTagLen)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == maxInterests {
			break
		}
	}
	return out
}

// SanitizeMood cleans a mood tag.
func SanitizeMood(mood string) string {
	return sanitizeText(mood, maxTagLen)
}

func sanitizeText(s string, limit int) string {
	if s == "" {
		return ""
	}
	decoded := html.UnescapeString(s)
	// Sanitize escapes what it keeps; clients render plain text.
	sanitized := strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(decoded)))
	if utf8.RuneCountInString(sanitized) > limit {
		sanitized = strings.TrimSpace(string([]rune(sanitized)[:limit]))
	}
	return sanitized
}
