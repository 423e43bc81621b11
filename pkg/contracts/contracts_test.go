package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
)

func TestNewCommandDefaultsCorrelation(t *testing.T) {
	cmd, err := NewCommand("DASH/CMD.DASHBOARD.RENAME", map[string]string{"title": "Q3"})
	require.NoError(t, err)
	require.NotEmpty(t, cmd.CorrelationID)
	require.JSONEq(t, `{"title":"Q3"}`, string(cmd.Payload))

	other, err := NewCorrelatedCommand("DASH/CMD.DASHBOARD.RENAME", nil, "corr-1")
	require.NoError(t, err)
	require.Equal(t, "corr-1", other.CorrelationID)
	require.Nil(t, other.Payload)

	bare := Command{Type: "DASH/CMD.X"}.WithCorrelation()
	require.NotEmpty(t, bare.CorrelationID)
}

func TestCommandTypeValid(t *testing.T) {
	assert.True(t, CommandType("DASH/CMD.DRILL.RESET").Valid())
	assert.False(t, CommandType("DASH/CMD.").Valid())
	assert.False(t, CommandType("drill").Valid())
}

func TestResolvedEventType(t *testing.T) {
	require.Equal(t, EventType("DASH/EVT.FILTER_CONTEXT.ATTRIBUTE_FILTER.ADD.RESOLVED"),
		ResolvedEventType("DASH/CMD.FILTER_CONTEXT.ATTRIBUTE_FILTER.ADD"))
}

func TestFailedEventCarriesCommandAndKind(t *testing.T) {
	cmd, err := NewCorrelatedCommand("DASH/CMD.DASHBOARD.LOAD", map[string]string{"ref": "d1"}, "c-9")
	require.NoError(t, err)

	evt := NewFailedEvent(cmd, errorir.Backend("getEntity", errors.New("503")), nil)
	require.Equal(t, EventCommandFailed, evt.Type)
	require.Equal(t, "c-9", evt.CorrelationID)
	require.True(t, evt.Failed())
	require.False(t, evt.Resolved())

	f, err := evt.Failure()
	require.NoError(t, err)
	require.Equal(t, errorir.KindBackendError, f.Error.Kind)
	require.Equal(t, "getEntity", f.Error.Op)
	require.Equal(t, cmd.Type, f.Command.Type)
	require.JSONEq(t, string(cmd.Payload), string(f.Command.Payload))
}

func TestDecodeCommands(t *testing.T) {
	single, err := DecodeCommands([]byte(` {"type":"DASH/CMD.DRILL.RESET","correlationId":"a"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)

	many, err := DecodeCommands([]byte(`[
		{"type":"DASH/CMD.DRILL.RESET"},
		{"type":"DASH/CMD.DASHBOARD.RENAME","payload":{"title":"x"}}
	]`))
	require.NoError(t, err)
	require.Len(t, many, 2)
	require.Equal(t, json.RawMessage(`{"title":"x"}`), many[1].Payload)

	_, err = DecodeCommands([]byte(`[{"payload":{}}]`))
	require.Error(t, err)
}

func TestSignalPatterns(t *testing.T) {
	cancel, err := NewCancelCommand("target-1")
	require.NoError(t, err)

	require.True(t, CancellationOf("target-1")(cancel))
	require.False(t, CancellationOf("target-2")(cancel))
	require.True(t, OnType(string(CommandLaneCancel))(cancel))

	evt := Event{Type: "DASH/EVT.DRILL.RESET.RESOLVED", CorrelationID: "target-1"}
	require.False(t, CancellationOf("target-1")(evt))
	require.True(t, OnCorrelation("target-1")(evt))
	require.True(t, AnyOf(OnType("nope"), OnCorrelation("target-1"))(evt))
}
