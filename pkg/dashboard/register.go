package dashboard

import (
	"time"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel"
	"github.com/Mindburn-Labs/dashkernel/pkg/querycache"
)

// DefaultConnectedTTL is how long resolved connected attributes stay warm.
const DefaultConnectedTTL = 30 * time.Second

// Options tune the dashboard registrations.
type Options struct {
	// ConnectedTTL overrides DefaultConnectedTTL when positive.
	ConnectedTTL time.Duration
}

// Register adds every dashboard command and query to reg.
func Register(reg *kernel.Registry, opts Options) error {
	ttl := opts.ConnectedTTL
	if ttl <= 0 {
		ttl = DefaultConnectedTTL
	}

	commands := []kernel.CommandRegistration{
		{Type: CommandLoad, Policy: kernel.PolicyLatest, Handler: handleLoad, Schema: loadSchema},
		{Type: CommandRename, Policy: kernel.PolicyEvery, Handler: handleRename, Schema: renameSchema},
		{Type: CommandSave, Policy: kernel.PolicyLatest, Handler: handleSave, Schema: emptySchema},
		{Type: CommandDelete, Policy: kernel.PolicyEvery, Handler: handleDelete, Schema: emptySchema},
		{Type: CommandAddFilter, Policy: kernel.PolicyEvery, Handler: handleAddFilter, Schema: addFilterSchema},
		{Type: CommandRemoveFilter, Policy: kernel.PolicyEvery, Handler: handleRemoveFilter, Schema: removeFilterSchema},
		{Type: CommandChangeSelection, Policy: kernel.PolicyLatest, Handler: handleChangeSelection, Schema: changeSelectionSchema, LaneKey: selectionLaneKey},
		{Type: CommandDrillToInsight, Policy: kernel.PolicyLatest, Handler: handleDrillToInsight, Schema: drillSchema},
		{Type: CommandDrillReset, Policy: kernel.PolicyEvery, Handler: handleDrillReset, Schema: emptySchema},
		{Type: CommandResolveConnected, Policy: kernel.PolicyLatest, Handler: handleResolveConnected, Schema: connectedSchema, LaneKey: connectedLaneKey},
		{Type: CommandLoadPermissions, Policy: kernel.PolicyEvery, Handler: handleLoadPermissions, Schema: emptySchema},
	}
	for _, c := range commands {
		if err := reg.RegisterCommand(c); err != nil {
			return err
		}
	}

	queries := []kernel.QueryRegistration{
		{Type: QueryEntity, Handler: queryEntity},
		{Type: QueryInsightAttributes, Handler: queryInsightAttributes},
		{Type: QueryAttrs, Handler: queryInsightAttributes},
		{Type: QueryConnected, Handler: queryConnected, Cache: querycache.Policy{KeepWarm: true, TTL: ttl}},
	}
	for _, q := range queries {
		if err := reg.RegisterQuery(q); err != nil {
			return err
		}
	}
	return nil
}

// Selection changes only supersede earlier changes of the same filter.
func selectionLaneKey(cmd contracts.Command) string {
	var p ChangeSelectionPayload
	_ = cmd.Decode(&p)
	return p.LocalID
}

func connectedLaneKey(cmd contracts.Command) string {
	var p ResolveConnectedPayload
	_ = cmd.Decode(&p)
	return p.DisplayForm.ID
}
