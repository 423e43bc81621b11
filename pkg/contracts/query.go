package contracts

import (
	"encoding/json"
	"fmt"
)

// QueryType is a namespaced query tag, e.g. "DASH/QUERY.ENTITY".
type QueryType string

// Query is a cacheable read request. It never mutates state.
type Query struct {
	Type    QueryType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewQuery builds a query from any JSON-encodable payload.
func NewQuery(t QueryType, payload any) (Query, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Query{}, fmt.Errorf("query %s: %w", t, err)
	}
	return Query{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (q Query) Decode(v any) error {
	return decodePayload(q.Payload, v)
}
