package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime"
	"net/url"
)

// Body fields that may carry the key when no header is sent.
var keyFields = []string{"idempotency_key", "idempotencyKey"}

// volatileFields never take part in a fingerprint.
var volatileFields = map[string]struct{}{
	"idempotency_key":  {},
	"idempotencyKey":   {},
	"timestamp":        {},
	"requestTimestamp": {},
	"requestedAt":      {},
	"clientTimestamp":  {},
}

// Fingerprint hashes method, path and the canonical form of body.
func Fingerprint(method, path, contentType string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(Canonicalize(contentType, body))
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize strips volatile fields and orders keys so that semantically
// equal bodies produce equal bytes. Bodies that are neither JSON nor form
// encoded are returned unchanged.
func Canonicalize(contentType string, body []byte) []byte {
	switch mediaType(contentType) {
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return body
		}
		for k := range volatileFields {
			vals.Del(k)
		}
		// Encode sorts by key.
		return []byte(vals.Encode())
	default:
		v, ok := decodeJSON(body)
		if !ok {
			return body
		}
		// encoding/json writes map keys in sorted order.
		out, err := json.Marshal(strip(v))
		if err != nil {
			return body
		}
		return out
	}
}

// keyFromBody returns the first non-empty key field found at the top level
// of a JSON or form body.
func keyFromBody(contentType string, body []byte) string {
	if mediaType(contentType) == "application/x-www-form-urlencoded" {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		for _, f := range keyFields {
			if k := vals.Get(f); k != "" {
				return k
			}
		}
		return ""
	}

	v, ok := decodeJSON(body)
	if !ok {
		return ""
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, f := range keyFields {
		if k, ok := obj[f].(string); ok && k != "" {
			return k
		}
	}
	return ""
}

func decodeJSON(body []byte) (any, bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return v, true
}

func strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, ok := volatileFields[k]; ok {
				delete(t, k)
				continue
			}
			t[k] = strip(child)
		}
		return t
	case []any:
		for i := range t {
			t[i] = strip(t[i])
		}
		return t
	default:
		return v
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}
