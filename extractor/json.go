package extractor

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when a reply contains no complete JSON object or array.
var ErrNoJSON = errors.New("no JSON document in reply")

// ExtractJSON returns the first balanced JSON object or array in s. Brackets
// inside string literals, including escaped quotes, do not count.
func ExtractJSON(s string) (string, error) {
	for start := strings.IndexAny(s, "{["); start >= 0; {
		if end := matchBracket(s, start); end > 0 {
			return s[start : end+1], nil
		}
		next := strings.IndexAny(s[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

// matchBracket returns the index of the bracket closing s[start], or -1.
func matchBracket(s string, start int) int {
	var stack []byte
	var inString, escaped bool
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
