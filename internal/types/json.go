package types

import "strings"

// CleanJSONFromMarkdown removes markdown code block wrappers from JSON strings.
// This is commonly needed when parsing LLM responses that may include markdown formatting.
func CleanJSONFromMarkdown(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ExtractJSONObject returns the outermost {...} object in s, tolerating
// prose before and after it. Returns "" when no balanced object is found.
// Brace counting ignores braces inside JSON strings.
func ExtractJSONObject(s string) string {
	s = CleanJSONFromMarkdown(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
