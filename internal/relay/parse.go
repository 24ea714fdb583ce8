package relay

import (
	"encoding/json"
	"regexp"
	"strings"
)

// The network delivers send requests as free-form text. Three extraction
// strategies run in order; the first that yields a JSON object wins.
var extractStrategies = []func(string) ([]byte, bool){
	extractRaw,
	extractFenced,
	extractBraces,
}

// ExtractJSON pulls a JSON object out of message content.
func ExtractJSON(content string) ([]byte, bool) {
	for _, strategy := range extractStrategies {
		if raw, ok := strategy(content); ok {
			return raw, true
		}
	}
	return nil, false
}

// extractRaw accepts content that is itself a JSON object.
func extractRaw(content string) ([]byte, bool) {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	return []byte(s), true
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractFenced accepts JSON inside a markdown code fence.
func extractFenced(content string) ([]byte, bool) {
	m := fenceRe.FindStringSubmatch(content)
	if m == nil {
		return nil, false
	}
	if !json.Valid([]byte(m[1])) {
		return nil, false
	}
	return []byte(m[1]), true
}

// extractBraces accepts the first balanced {...} substring.
func extractBraces(content string) ([]byte, bool) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
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
				candidate := content[start : i+1]
				if json.Valid([]byte(candidate)) {
					return []byte(candidate), true
				}
				return nil, false
			}
		}
	}
	return nil, false
}
