// Package cml implements the Canonical Message Layer: a deterministic
// binary encoding of JSON-like values and the content-addressed identifier
// (CID) derived from it. Every proof envelope, transform receipt, and
// registry id in the gateway is anchored to a CID computed here, so the
// encoder is the single source of truth for byte-exact equality across
// the whole system.
package cml

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// EncodeError is returned by Encode when a value cannot be represented
// deterministically (cycles, unsupported types, non-finite floats).
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("cml: encode error: %s", e.Reason)
}

// Encode produces the canonical binary form B of a JSON-like value.
//
// Strings are NFC-normalized, object keys are sorted by Unicode code
// point, arrays preserve order, and numbers are emitted in their shortest
// unambiguous form. Encode(v) is byte-identical for any two values that
// are deeply equal once decoded.
func Encode(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses canonical bytes B back into a JSON-like value. Decode is
// the inverse of Encode: Decode(Encode(v)) deep-equals v for any v that
// Encode accepts.
func Decode(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("cml: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("cml: decode: trailing data after value")
	}
	return normalizeDecoded(v), nil
}

// toGeneric round-trips v through the standard encoder (so struct tags and
// custom MarshalJSON methods are honored) and re-decodes with UseNumber so
// that integers are never silently widened to float64 and numbers keep
// their original textual form for canonical re-emission.
func toGeneric(v any) (any, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return generic, nil
}

// normalizeDecoded walks a decoded value converting map[string]interface{}
// (the default json.Decoder output) into the same shape toGeneric produces,
// so Decode and Encode agree on representation.
func normalizeDecoded(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeDecoded(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeDecoded(val)
		}
		return out
	default:
		return t
	}
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeNumber(buf, t)
	case string:
		return writeString(buf, t)
	case []any:
		return writeArray(buf, t)
	case map[string]any:
		return writeObject(buf, t)
	default:
		return &EncodeError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys) // lexicographic == code-point order for UTF-8 byte strings

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	// json.Marshal HTML-escapes by default; the canonical form must not,
	// so encode through an Encoder with escaping disabled instead.
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return &EncodeError{Reason: err.Error()}
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}
