package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
)

// EventType is a namespaced event tag.
type EventType string

// Shared terminal event tags.
const (
	EventPrefix = "DASH/EVT."

	// EventCommandFailed carries FailurePayload for commands that started and failed.
	EventCommandFailed EventType = "DASH/EVT.COMMAND.FAILED"
	// EventCommandRejected carries FailurePayload for commands refused before a lane started.
	EventCommandRejected EventType = "DASH/EVT.COMMAND.REJECTED"

	resolvedSuffix = ".RESOLVED"
)

// Context is the read-only view of the dashboard context attached to every event.
type Context interface {
	WorkspaceID() string
	FeatureEnabled(name string) bool
}

// Event is the terminal outcome of a command. CorrelationID always equals the
// originating command's correlation id.
type Event struct {
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Context       Context         `json:"-"`
}

// FailurePayload is the payload of failed and rejected events.
type FailurePayload struct {
	Command Command     `json:"command"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail is the serialized form of an errorir error.
type ErrorDetail struct {
	Kind    errorir.Kind `json:"kind"`
	Code    string       `json:"code"`
	Op      string       `json:"op,omitempty"`
	Message string       `json:"message"`
}

// ResolvedEventType maps a command tag onto its success event tag:
// "DASH/CMD.X.Y" becomes "DASH/EVT.X.Y.RESOLVED".
func ResolvedEventType(t CommandType) EventType {
	name := strings.TrimPrefix(string(t), CommandPrefix)
	return EventType(EventPrefix + name + resolvedSuffix)
}

// NewResolvedEvent builds the success event for cmd.
func NewResolvedEvent(cmd Command, payload any, ctx Context) (Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event for %s: %w", cmd.Type, err)
	}
	return Event{
		Type:          ResolvedEventType(cmd.Type),
		Payload:       raw,
		CorrelationID: cmd.CorrelationID,
		Context:       ctx,
	}, nil
}

// NewFailedEvent builds the shared failure event carrying cmd and err.
func NewFailedEvent(cmd Command, err error, ctx Context) Event {
	return newFailure(EventCommandFailed, cmd, err, ctx)
}

// NewRejectedEvent builds the rejection event for a command that never started.
func NewRejectedEvent(cmd Command, err error, ctx Context) Event {
	return newFailure(EventCommandRejected, cmd, err, ctx)
}

func newFailure(t EventType, cmd Command, err error, ctx Context) Event {
	detail := DetailOf(err)
	// FailurePayload holds only strings and raw JSON; marshalling cannot fail.
	raw, _ := json.Marshal(FailurePayload{Command: cmd, Error: detail})
	return Event{Type: t, Payload: raw, CorrelationID: cmd.CorrelationID, Context: ctx}
}

// DetailOf converts err into its serialized taxonomy form.
func DetailOf(err error) ErrorDetail {
	e := errorir.From(err)
	return ErrorDetail{Kind: e.Kind, Code: e.Code(), Op: e.Op, Message: e.Error()}
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return decodePayload(e.Payload, v)
}

// Resolved reports whether e is a success event.
func (e Event) Resolved() bool {
	return strings.HasSuffix(string(e.Type), resolvedSuffix)
}

// Failed reports whether e is a failure or rejection event.
func (e Event) Failed() bool {
	return e.Type == EventCommandFailed || e.Type == EventCommandRejected
}

// Failure decodes the failure payload of a failed or rejected event.
func (e Event) Failure() (FailurePayload, error) {
	var p FailurePayload
	if !e.Failed() {
		return p, fmt.Errorf("event %s is not a failure", e.Type)
	}
	err := e.Decode(&p)
	return p, err
}

// SignalType implements Signal.
func (e Event) SignalType() string { return string(e.Type) }

// Correlation implements Signal.
func (e Event) Correlation() string { return e.CorrelationID }
