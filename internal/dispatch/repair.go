package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

var errNotJSON = errors.New("content is not a JSON object")

// Repair decodes a JSON object from model output. Code fences are
// stripped first; if decoding still fails the text is cut at its last
// closing brace and decoded once more.
func Repair(raw string) (map[string]any, error) {
	s := stripFences(raw)
	if s == "" {
		return nil, errNotJSON
	}

	obj, err := decodeObject(s)
	if err == nil {
		return obj, nil
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, err
	}
	return decodeObject(s[start : end+1])
}

func decodeObject(s string) (map[string]any, error) {
	v, err := decodeValue(s)
	if err != nil {
		return nil, err
	}
	// Content double-encoded as a JSON string.
	if str, ok := v.(string); ok {
		if v, err = decodeValue(strings.TrimSpace(str)); err != nil {
			return nil, errNotJSON
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotJSON
	}
	return obj, nil
}

// decodeValue keeps numbers as json.Number so large integers survive a
// re-encode. Trailing data is an error, as with json.Unmarshal.
func decodeValue(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid character after top-level value")
	}
	return v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		// drop the language tag line, e.g. ```json
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
