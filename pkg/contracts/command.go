// Package contracts defines the wire-level data model of the dashboard kernel:
// commands (intents), events (outcomes), queries (cacheable reads) and the
// signals routines may wait for.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CommandType is a namespaced command tag, e.g. "DASH/CMD.FILTER_CONTEXT.ATTRIBUTE_FILTER.ADD".
type CommandType string

// CommandPrefix is the namespace every command tag starts with.
const CommandPrefix = "DASH/CMD."

// CommandLaneCancel cancels the lane running the command with the given correlation id.
const CommandLaneCancel CommandType = "DASH/CMD.LANE.CANCEL"

// Valid reports whether the tag lives in the command namespace.
func (t CommandType) Valid() bool {
	return strings.HasPrefix(string(t), CommandPrefix) && len(t) > len(CommandPrefix)
}

// Command is an intent submitted to the dispatcher. It is consumed exactly once
// and never mutated after creation.
type Command struct {
	Type          CommandType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// CancelPayload is the payload of CommandLaneCancel.
type CancelPayload struct {
	CorrelationID string `json:"correlationId"`
}

// NewCommand builds a command with a freshly generated correlation id.
func NewCommand(t CommandType, payload any) (Command, error) {
	return NewCorrelatedCommand(t, payload, "")
}

// NewCorrelatedCommand builds a command with a caller-supplied correlation id.
// An empty id is replaced by a generated one.
func NewCorrelatedCommand(t CommandType, payload any, correlationID string) (Command, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Command{}, fmt.Errorf("command %s: %w", t, err)
	}
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return Command{Type: t, Payload: raw, CorrelationID: correlationID}, nil
}

// NewCancelCommand builds the command that cancels the lane of target.
func NewCancelCommand(target string) (Command, error) {
	return NewCommand(CommandLaneCancel, CancelPayload{CorrelationID: target})
}

// NewCorrelationID returns a unique correlation identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelation returns a copy of c carrying a generated correlation id when
// c has none.
func (c Command) WithCorrelation() Command {
	if c.CorrelationID != "" {
		return c
	}
	c.CorrelationID = NewCorrelationID()
	return c
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (c Command) Decode(v any) error {
	return decodePayload(c.Payload, v)
}

// SignalType implements Signal.
func (c Command) SignalType() string { return string(c.Type) }

// Correlation implements Signal.
func (c Command) Correlation() string { return c.CorrelationID }

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
