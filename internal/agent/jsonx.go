package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	fencedBlock   = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

var errNoJSON = errors.New("no JSON object in response")

// extractJSON pulls the first usable JSON object out of model text. Models
// wrap JSON in markdown fences, prepend prose and leave trailing commas, so
// candidates are tried in that order: fenced block, whole text, first
// balanced object, each also with trailing commas removed.
func extractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errNoJSON
	}

	var candidates []string
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	candidates = append(candidates, text)
	if obj, ok := firstObject(text); ok {
		candidates = append(candidates, obj)
	}

	for _, c := range candidates {
		if isObject(c) {
			return []byte(c), nil
		}
		if cleaned := trailingComma.ReplaceAllString(c, "$1"); isObject(cleaned) {
			return []byte(cleaned), nil
		}
	}
	return nil, errNoJSON
}

func isObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// firstObject returns the first brace-balanced span, skipping braces inside strings
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
