package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kernel semantic convention attributes.
var (
	AttrCommandType   = attribute.Key("dash.command.type")
	AttrCorrelationID = attribute.Key("dash.correlation_id")
	AttrLaneID        = attribute.Key("dash.lane.id")
	AttrLanePolicy    = attribute.Key("dash.lane.policy")
	AttrQueryType     = attribute.Key("dash.query.type")
	AttrOperation     = attribute.Key("dash.invoke.operation")
	AttrWorkspace     = attribute.Key("dash.workspace")
	AttrErrorKind     = attribute.Key("dash.error.kind")
)

// LaneAttributes describes a lane.
func LaneAttributes(laneID, correlationID, policy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLaneID.String(laneID),
		AttrCorrelationID.String(correlationID),
		AttrLanePolicy.String(policy),
	}
}

// InvokeAttributes describes an invoke effect.
func InvokeAttributes(op, workspace string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(op),
		AttrWorkspace.String(workspace),
	}
}

// SetSpanStatus marks the span in ctx as failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
