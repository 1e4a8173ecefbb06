package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ContentHash computes the stable dedup digest over (endpoint, payload,
// origin.uniqueId). Timestamps and messageId are excluded so a retransmitted
// message hashes identically to its original. For responses the correlation
// id stands in for the endpoint.
func ContentHash(e *Envelope) string {
	key := e.Endpoint
	if e.Kind == KindResponse {
		key = "corr:" + e.CorrelationID
	}
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(e.Origin.UniqueID))
	h.Write([]byte{0})
	h.Write([]byte(canonicalJSON(e.Payload)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a payload with object keys sorted at every level so
// semantically equal payloads hash equally regardless of field order.
// Malformed payloads hash over their raw bytes.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			fmt.Fprintf(b, "%v", t)
			return
		}
		b.Write(eb)
	}
}
