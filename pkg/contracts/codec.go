package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeCommand serializes a command to its wire shape.
func EncodeCommand(c Command) ([]byte, error) {
	//nolint:wrapcheck // caller provides context
	return json.Marshal(c)
}

// DecodeCommand parses a command from its wire shape. The payload bytes are
// preserved exactly as received.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.Type == "" {
		return Command{}, fmt.Errorf("decode command: missing type")
	}
	return c, nil
}

// DecodeCommands parses either a single command object or an array of them.
func DecodeCommands(data []byte) ([]Command, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		c, err := DecodeCommand(trimmed)
		if err != nil {
			return nil, err
		}
		return []Command{c}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	out := make([]Command, 0, len(raw))
	for i, r := range raw {
		c, err := DecodeCommand(r)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// EncodeEvent serializes an event. The attached context is not part of the wire shape.
func EncodeEvent(e Event) ([]byte, error) {
	//nolint:wrapcheck // caller provides context
	return json.Marshal(e)
}
