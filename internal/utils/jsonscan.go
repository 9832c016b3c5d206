package utils

import (
	"bytes"
	"encoding/json"
)

// JSONStringValues returns every string value occurring anywhere in the given
// JSON document (object values, array elements, nested at any depth). Object
// keys are not included. Invalid or empty JSON yields nil.
//
// The sync engine uses this to detect references to not-yet-persisted
// entities: a payload string equal to an unresolved local ID links the new
// mutation to the one that will create that entity.
func JSONStringValues(raw json.RawMessage) []string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var out []string
	collectStrings(doc, &out)
	return out
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []any:
		for _, e := range t {
			collectStrings(e, out)
		}
	case map[string]any:
		for _, e := range t {
			collectStrings(e, out)
		}
	}
}

// JSONReplaceString rewrites every string value equal to old with new and
// returns the re-encoded document. The second result reports whether any
// replacement happened; when false (including on invalid JSON) the original
// document is returned untouched.
func JSONReplaceString(raw json.RawMessage, old, new string) (json.RawMessage, bool) {
	if old == "" || len(bytes.TrimSpace(raw)) == 0 {
		return raw, false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, false
	}
	doc, changed := replaceStrings(doc, old, new)
	if !changed {
		return raw, false
	}
	enc, err := json.Marshal(doc)
	if err != nil {
		return raw, false
	}
	return enc, true
}

func replaceStrings(v any, old, new string) (any, bool) {
	switch t := v.(type) {
	case string:
		if t == old {
			return new, true
		}
	case []any:
		changed := false
		for i, e := range t {
			r, c := replaceStrings(e, old, new)
			if c {
				t[i] = r
				changed = true
			}
		}
		return t, changed
	case map[string]any:
		changed := false
		for k, e := range t {
			r, c := replaceStrings(e, old, new)
			if c {
				t[k] = r
				changed = true
			}
		}
		return t, changed
	}
	return v, false
}

// JSONStringField extracts a top-level string field from a JSON object.
// Returns "" when the document is not an object, the field is absent, or the
// value is not a string.
func JSONStringField(raw json.RawMessage, field string) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	v, ok := doc[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}
