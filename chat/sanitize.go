package chat

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"convsync/models"
)

// Sanitizer cleans user content before storage and derives list previews.
type Sanitizer interface {
	Sanitize(format models.ContentFormat, raw string) string
	Preview(format models.ContentFormat, content string, maxRunes int) string
}

// HTMLSanitizer keeps plain text as-is and filters HTML through a UGC policy.
type HTMLSanitizer struct {
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewHTMLSanitizer returns the default sanitizer.
func NewHTMLSanitizer() *HTMLSanitizer {
	return &HTMLSanitizer{
		ugc:    bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize returns content safe to store for the given format.
func (s *HTMLSanitizer) Sanitize(format models.ContentFormat, raw string) string {
	if format == models.FormatHTML {
		return s.ugc.Sanitize(raw)
	}
	return raw
}

// Preview returns a single-line plain-text excerpt of at most maxRunes runes.
func (s *HTMLSanitizer) Preview(format models.ContentFormat, content string, maxRunes int) string {
	text := content
	if format == models.FormatHTML {
		text = html.UnescapeString(s.strict.Sanitize(content))
	}
	text = strings.Join(strings.Fields(text), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}
