// Package audit implements the tenant-scoped, hash-chained audit log.
//
// Every event is canonicalized, redacted, hashed against its predecessor and
// appended; the chain is the sole source of truth for "what happened". Run
// and step rows are a materialized read-side projection of it.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Canonicalize returns deterministic JSON bytes for a JSON-like value:
// object keys sorted lexicographically, no insignificant whitespace, numbers
// preserved textually via json.Number, times as RFC 3339 UTC. The output is
// the hashing compatibility surface — changing it breaks existing chains.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case time.Time:
		b, _ := json.Marshal(vv.UTC().Format(time.RFC3339Nano))
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs, typed maps, numeric types: round-trip through encoding/json
		// with UseNumber so numeric representation stays consistent.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("audit: canonicalize: %w", err)
		}
		var tmp any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("audit: canonicalize decode: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}
