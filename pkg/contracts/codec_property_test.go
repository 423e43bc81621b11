package contracts_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

// TestCommandWireRoundTrip verifies type, payload and correlation id survive
// encode/decode unchanged.
// Property: DecodeCommand(EncodeCommand(c)) == c
func TestCommandWireRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("wire round-trip preserves command", prop.ForAll(
		func(action, correlation string, keys []string, values []int) bool {
			payload := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				payload[keys[i]] = values[i]
			}
			cmd, err := contracts.NewCorrelatedCommand(
				contracts.CommandType("DASH/CMD."+action), payload, correlation)
			if err != nil {
				return false
			}

			wire, err := contracts.EncodeCommand(cmd)
			if err != nil {
				return false
			}
			back, err := contracts.DecodeCommand(wire)
			if err != nil {
				return false
			}

			var compacted bytes.Buffer
			if err := json.Compact(&compacted, back.Payload); err != nil {
				return false
			}
			return back.Type == cmd.Type &&
				back.CorrelationID == cmd.CorrelationID &&
				bytes.Equal(compacted.Bytes(), cmd.Payload)
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
