package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/dashboard"
	"github.com/Mindburn-Labs/dashkernel/pkg/journal"
)

const seedJSON = `{
  "entities": [
    {"ref": {"kind": "dashboard", "id": "d1"}, "title": "Sales"},
    {"ref": {"kind": "displayForm", "id": "df.region"}, "title": "Region"},
    {"ref": {"kind": "insight", "id": "i1"}, "title": "Revenue",
     "links": [{"kind": "displayForm", "id": "df.region"}]}
  ],
  "permissions": {"canView": true, "canEdit": true, "canManageFilterContext": true, "canDrill": true}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func memoryEnv(t *testing.T) {
	t.Setenv("DASH_BACKEND_DRIVER", "memory")
	t.Setenv("DASH_WORKSPACE", "ws1")
	t.Setenv("LOG_LEVEL", "ERROR")
}

func decodeEvents(t *testing.T, out []byte) []contracts.Event {
	t.Helper()
	var events []contracts.Event
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		var e contracts.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), sc.Text())
		events = append(events, e)
	}
	return events
}

func TestRunWithoutArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, Run([]string{"dashkernel"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "USAGE")

	require.Equal(t, 2, Run([]string{"dashkernel", "bogus"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestTypesListsRegistrations(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"dashkernel", "types", "-json"}, &stdout, &stderr))

	var listing typeListing
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &listing))
	policies := map[string]string{}
	for _, c := range listing.Commands {
		policies[c.Type] = c.Policy
	}
	require.Equal(t, "latest", policies[string(dashboard.CommandLoad)])
	require.Equal(t, "every", policies[string(contracts.CommandLaneCancel)])
	require.Contains(t, listing.Queries, string(dashboard.QueryConnected))
}

func TestRunScript(t *testing.T) {
	memoryEnv(t)
	dir := t.TempDir()
	seed := writeFile(t, dir, "seed.json", seedJSON)
	script := writeFile(t, dir, "script.json", `[
	  {"type": "DASH/CMD.DASHBOARD.LOAD", "payload": {"ref": {"id": "d1"}}, "correlationId": "c1"},
	  {"type": "DASH/CMD.FILTER_CONTEXT.ATTRIBUTE_FILTER.ADD", "payload": {"displayForm": {"id": "df.region"}, "selection": ["EMEA"]}, "correlationId": "c2"},
	  {"type": "DASH/CMD.ATTRIBUTES.RESOLVE_CONNECTED", "payload": {"displayForm": {"id": "df.region"}}, "correlationId": "c3", "async": true},
	  {"type": "DASH/CMD.DASHBOARD.SAVE", "correlationId": "c4"}
	]`)
	journalPath := filepath.Join(dir, "journal.jsonl")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"dashkernel", "run", "-script", script, "-seed", seed, "-journal", journalPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	events := decodeEvents(t, stdout.Bytes())
	require.Len(t, events, 4)
	seen := map[string]contracts.EventType{}
	for _, e := range events {
		seen[e.CorrelationID] = e.Type
	}
	require.Equal(t, contracts.EventType("DASH/EVT.DASHBOARD.LOAD.RESOLVED"), seen["c1"])
	require.Equal(t, contracts.EventType("DASH/EVT.DASHBOARD.SAVE.RESOLVED"), seen["c4"])

	data, err := os.ReadFile(journalPath)
	require.NoError(t, err)
	var entries []*journal.Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e journal.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, &e)
	}
	require.Len(t, entries, 4)
	require.NoError(t, journal.VerifyChain(entries))
}

func TestRunScriptReportsFailuresAndFiltersOutput(t *testing.T) {
	memoryEnv(t)
	dir := t.TempDir()
	seed := writeFile(t, dir, "seed.json", seedJSON)
	script := writeFile(t, dir, "script.json", `[
	  {"type": "DASH/CMD.DASHBOARD.LOAD", "payload": {"ref": {"id": "d1"}}},
	  {"type": "DASH/CMD.DASHBOARD.RENAM", "payload": {"title": "x"}, "correlationId": "typo"}
	]`)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"dashkernel", "run", "-script", script, "-seed", seed, "-watch", "event.failed"}, &stdout, &stderr)
	require.Equal(t, 1, code, stderr.String())

	events := decodeEvents(t, stdout.Bytes())
	require.Len(t, events, 1)
	require.Equal(t, contracts.EventCommandRejected, events[0].Type)
	require.Equal(t, "typo", events[0].CorrelationID)
}

func TestRunScriptArgumentErrors(t *testing.T) {
	memoryEnv(t)
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer

	require.Equal(t, 2, Run([]string{"dashkernel", "run"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "-script is required")

	script := writeFile(t, dir, "script.json", `[{"type": "DASH/CMD.DRILL.RESET"}]`)
	require.Equal(t, 2, Run([]string{"dashkernel", "run", "-script", script, "-watch", "event.type +"}, &stdout, &stderr))

	bad := writeFile(t, dir, "bad.json", `[{"payload": {}}]`)
	require.Equal(t, 2, Run([]string{"dashkernel", "run", "-script", bad}, &stdout, &stderr))
}
