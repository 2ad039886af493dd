package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrNoJSON = errors.New("no JSON value in oracle response")

// StripCodeFences returns the body of the first markdown code fence in s, or
// s trimmed when there is none.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		lang := strings.TrimSpace(body[:nl])
		if lang == "" || isFenceLanguage(lang) {
			body = body[nl+1:]
		}
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceLanguage(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// ExtractObjectWithKey finds the first flat JSON object in text that
// mentions key. Nested objects are not matched.
func ExtractObjectWithKey(text, key string) (string, bool) {
	re := regexp.MustCompile(`\{[^{}]*"` + regexp.QuoteMeta(key) + `"[^{}]*\}`)
	m := re.FindString(text)
	return m, m != ""
}

// DecodeJSON parses an oracle response into out: fences are stripped, the
// whole text is tried, and then the outermost {...} or [...] span.
func DecodeJSON(text string, out any) error {
	clean := StripCodeFences(text)
	if clean == "" {
		return ErrNoJSON
	}
	err := json.Unmarshal([]byte(clean), out)
	if err == nil {
		return nil
	}
	span, ok := outermostSpan(clean)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if err := json.Unmarshal([]byte(span), out); err != nil {
		return fmt.Errorf("decode oracle json: %w", err)
	}
	return nil
}

func outermostSpan(s string) (string, bool) {
	open := strings.IndexAny(s, "{[")
	if open < 0 {
		return "", false
	}
	closer := byte('}')
	if s[open] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= open {
		return "", false
	}
	return s[open : end+1], true
}
