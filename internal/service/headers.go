package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// forwardableHeaders is the allow-list of caller-supplied header names,
// compared case-insensitively.
var forwardableHeaders = map[string]bool{
	"referer":    true,
	"origin":     true,
	"user-agent": true,
}

// ParseHeaders decodes the raw `headers` query parameter, a JSON object of
// header name to value. An empty parameter yields an empty map. Anything that
// is not a JSON object returns ErrInvalidHeaders. Numbers and booleans keep
// their JSON text; null values are dropped.
func ParseHeaders(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var decoded map[string]any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeaders, err)
	}
	if decoded == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidHeaders)
	}
	// Anything after the object, including a stray '}' or ']', is invalid.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidHeaders)
	}

	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = fmt.Sprint(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidHeaders, err)
			}
			out[k] = string(bytes.TrimSpace(b))
		}
	}
	return out, nil
}

// FilterHeaders returns the subset of src whose keys are on the allow-list,
// case-insensitively. Keys and values are passed through unmodified; other
// keys are dropped silently. src is not mutated.
func FilterHeaders(src map[string]string) map[string]string {
	dst := make(map[string]string)
	for k, v := range src {
		if forwardableHeaders[strings.ToLower(k)] {
			dst[k] = v
		}
	}
	return dst
}
