package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// CanonicalizePayload re-encodes a JSON payload in canonical form so the
// stored text is byte-identical across replays and across clients:
//
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings NFC normalized
//  4. Numbers preserved as their literal source text
//
// Determinism of the stored payload is what makes the replay property
// (same log, same snapshot) hold for payload bytes as well as rows.
func CanonicalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	out, err := marshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// MarshalCanonical produces canonical JSON for an already-decoded value.
// Used by tests and snapshot dumps that need deterministic serialization
// of query results.
func MarshalCanonical(v any) ([]byte, error) {
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case string:
		return marshalCanonicalString(val)
	case json.Number:
		return []byte(val.String()), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case []any:
		return marshalCanonicalArray(val)
	case map[string]any:
		return marshalCanonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func marshalCanonicalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := marshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sortByUTF16(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyData, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("object key %q: %w", k, err)
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		valData, err := marshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
		buf.Write(valData)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalCanonicalString NFC-normalizes the string and encodes it without
// HTML escaping.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	// Encoder appends a trailing newline.
	return bytes.TrimSpace(buf.Bytes()), nil
}

// sortByUTF16 sorts keys by their UTF-16 code unit sequence, which
// differs from byte order for strings containing supplementary-plane
// characters.
func sortByUTF16(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a := utf16.Encode([]rune(keys[i]))
		b := utf16.Encode([]rune(keys[j]))
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}
