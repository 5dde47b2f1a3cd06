package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// ErrCycle is returned when a payload references itself.
var ErrCycle = errors.New("payload contains a reference cycle")

// Canonicalize renders v as deterministic JSON: object keys sorted
// lexicographically at every depth, arrays kept in order, nil values
// serialized as null. Two logically-identical payloads with differently
// ordered keys always produce identical bytes.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	seen := map[uintptr]bool{}
	if err := writeCanonical(&buf, v, seen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any, seen map[uintptr]bool) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return ErrCycle
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k], seen); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return ErrCycle
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item, seen); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	default:
		// Anything else (structs, typed maps) is normalized through a JSON
		// round trip so nested keys still sort.
		rv := reflect.ValueOf(v)
		if (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface) && rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize: %w", err)
		}
		var plain any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&plain); err != nil {
			return err
		}
		return writeCanonical(buf, plain, seen)
	}
}

// HashPayload returns the SHA-256 hex digest of the canonical form of v.
func HashPayload(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
