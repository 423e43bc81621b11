package querycache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

// Fingerprint returns the cache key of q: SHA-256 over the query type and the
// RFC 8785 canonical form of its payload, with every string (keys included)
// NFC-normalized. Logically equal queries always collide regardless of key
// order or Unicode composition.
func Fingerprint(q contracts.Query) (string, error) {
	canonical, err := CanonicalPayload(q.Payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", q.Type, err)
	}

	h := sha256.New()
	h.Write([]byte(q.Type))
	h.Write([]byte{0})
	h.Write(canonical)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalPayload returns the normalized canonical JSON of a payload. An
// absent payload canonicalizes to null.
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	nv, err := normalize(v)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(nv)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// normalize NFC-normalizes every string. Two object keys that only differ in
// Unicode composition would merge into one, so such payloads are rejected.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("object keys collide after normalization: %q", nk)
			}
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[nk] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}
