package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RawKey holds the unprocessed worker text in every extracted output.
const RawKey = "_raw"

// ImageKey holds the creative side task result.
const ImageKey = "_image"

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")

// ExtractOutput pulls a JSON object out of free text. When none is found and
// exactly one output key is declared, the whole text becomes that key's value.
func ExtractOutput(text string, outputKeys []string) map[string]interface{} {
	out := map[string]interface{}{}
	if obj, ok := findObject(text); ok {
		for k, v := range obj {
			out[k] = v
		}
	} else if len(outputKeys) == 1 && strings.TrimSpace(text) != "" {
		out[outputKeys[0]] = strings.TrimSpace(text)
	}
	out[RawKey] = text
	return out
}

func findObject(text string) (map[string]interface{}, bool) {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if obj, ok := decodeObject(m[1]); ok {
			return obj, true
		}
	}
	for start := strings.IndexByte(text, '{'); start >= 0; {
		// an unclosed brace may still precede a complete object
		if end := balancedEnd(text, start); end >= 0 {
			if obj, ok := decodeObject(text[start : end+1]); ok {
				return obj, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func decodeObject(s string) (map[string]interface{}, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// balancedEnd returns the index of the brace closing the one at start.
func balancedEnd(s string, start int) int {
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
				return i
			}
		}
	}
	return -1
}
