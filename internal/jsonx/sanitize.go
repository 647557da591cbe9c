// Package jsonx provides JSON helpers for values headed into Postgres
// JSONB columns.
package jsonx

import "strings"

// SanitizeForPg walks a decoded JSON value and replaces NUL characters
// in every string (values and object keys) with U+FFFD. Postgres rejects
// NUL inside jsonb, and analyzer reports embed raw memory dumps that
// regularly contain it.
func SanitizeForPg(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if strings.ContainsRune(val, '\x00') {
			return strings.ReplaceAll(val, "\x00", "\uFFFD")
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			if strings.ContainsRune(k, '\x00') {
				k = strings.ReplaceAll(k, "\x00", "\uFFFD")
			}
			out[k] = SanitizeForPg(elem)
		}
		return out
	case []interface{}:
		for i, elem := range val {
			val[i] = SanitizeForPg(elem)
		}
		return val
	default:
		return v
	}
}
