package querycache

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

func fp(t *testing.T, qt contracts.QueryType, payload string) string {
	t.Helper()
	f, err := Fingerprint(contracts.Query{Type: qt, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return f
}

func TestFingerprintCollisionsMatchLogicalEquality(t *testing.T) {
	base := fp(t, "attrs", `{"ref":"a1","limit":10}`)

	require.Equal(t, base, fp(t, "attrs", `{"limit":10,"ref":"a1"}`), "key order")
	require.Equal(t, base, fp(t, "attrs", ` { "ref" : "a1", "limit" : 10.0 } `), "whitespace and number form")
	require.NotEqual(t, base, fp(t, "entity", `{"ref":"a1","limit":10}`), "type is part of the key")
	require.NotEqual(t, base, fp(t, "attrs", `{"ref":"a2","limit":10}`))
	require.NotEqual(t, base, fp(t, "attrs", `{"ref":"a1","limit":"10"}`))

	// Precomposed "é" vs. "e" followed by a combining acute accent.
	require.Equal(t, fp(t, "attrs", `{"title":"caf\u00e9"}`), fp(t, "attrs", `{"title":"cafe\u0301"}`))

	require.Equal(t, fp(t, "attrs", ``), fp(t, "attrs", `null`))
}

func TestFingerprintRejectsInvalidPayload(t *testing.T) {
	_, err := Fingerprint(contracts.Query{Type: "attrs", Payload: json.RawMessage(`{"ref":`)})
	require.Error(t, err)
}

func TestFingerprintRejectsKeysCollidingAfterNormalization(t *testing.T) {
	// Decomposed and precomposed spellings of the same key.
	payload := json.RawMessage(`{"cafe\u0301":1,"caf\u00e9":2}`)
	for i := 0; i < 20; i++ {
		_, err := Fingerprint(contracts.Query{Type: "attrs", Payload: payload})
		require.ErrorContains(t, err, "collide")
	}
	_, err := Fingerprint(contracts.Query{Type: "attrs", Payload: json.RawMessage(`{"nested":[{"cafe\u0301":1,"caf\u00e9":2}]}`)})
	require.Error(t, err)
}

// Property: the fingerprint of a map payload does not depend on insertion or
// encoding order.
func TestFingerprintOrderInsensitive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reordered payloads collide", prop.ForAll(
		func(keys []string, values []int) bool {
			forward := "{"
			backward := "{"
			seen := map[string]bool{}
			var pairs []string
			for i := 0; i < len(keys) && i < len(values); i++ {
				if seen[keys[i]] {
					continue
				}
				seen[keys[i]] = true
				k, _ := json.Marshal(keys[i])
				pairs = append(pairs, fmt.Sprintf("%s:%d", k, values[i]))
			}
			for i, p := range pairs {
				if i > 0 {
					forward += ","
				}
				forward += p
			}
			for i := len(pairs) - 1; i >= 0; i-- {
				if i < len(pairs)-1 {
					backward += ","
				}
				backward += pairs[i]
			}
			forward += "}"
			backward += "}"

			a, errA := Fingerprint(contracts.Query{Type: "attrs", Payload: json.RawMessage(forward)})
			b, errB := Fingerprint(contracts.Query{Type: "attrs", Payload: json.RawMessage(backward)})
			return errA == nil && errB == nil && a == b
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
