// Package locale holds the fixed set of portal locales and normalises
// arbitrary input onto it.
package locale

import (
	"strings"

	"golang.org/x/text/language"
)

const Default = "en"

var supported = []string{"en", "zh", "ru", "es", "vi", "hi", "fr", "tl", "ja", "ko"}

var (
	tags    []language.Tag
	matcher language.Matcher
	index   = make(map[string]struct{}, len(supported))
)

func init() {
	tags = make([]language.Tag, 0, len(supported))
	for _, code := range supported {
		tags = append(tags, language.MustParse(code))
		index[code] = struct{}{}
	}
	matcher = language.NewMatcher(tags)
}

// All returns the supported locale codes in their canonical order.
func All() []string {
	out := make([]string, len(supported))
	copy(out, supported)
	return out
}

func IsSupported(code string) bool {
	_, ok := index[code]
	return ok
}

// Normalize maps input such as "EN", "en-US", "zh_CN" or "ja-JP" onto a
// supported code. Unknown or unparseable input resolves to Default.
func Normalize(code string) string {
	code = strings.TrimSpace(strings.ToLower(code))
	if code == "" {
		return Default
	}
	if IsSupported(code) {
		return code
	}

	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return Default
	}

	_, i, confidence := matcher.Match(tag)
	if confidence == language.No {
		return Default
	}

	return supported[i]
}

// NormalizeWith behaves like Normalize but falls back to fallback when it is supported.
func NormalizeWith(code, fallback string) string {
	if fallback == "" || !IsSupported(fallback) {
		return Normalize(code)
	}

	normalized := Normalize(code)
	if normalized == Default && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(code)), Default) {
		return fallback
	}
	return normalized
}
