package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

// Command tags.
const (
	CommandLoad             contracts.CommandType = "DASH/CMD.DASHBOARD.LOAD"
	CommandRename           contracts.CommandType = "DASH/CMD.DASHBOARD.RENAME"
	CommandSave             contracts.CommandType = "DASH/CMD.DASHBOARD.SAVE"
	CommandDelete           contracts.CommandType = "DASH/CMD.DASHBOARD.DELETE"
	CommandAddFilter        contracts.CommandType = "DASH/CMD.FILTER_CONTEXT.ATTRIBUTE_FILTER.ADD"
	CommandRemoveFilter     contracts.CommandType = "DASH/CMD.FILTER_CONTEXT.ATTRIBUTE_FILTER.REMOVE"
	CommandChangeSelection  contracts.CommandType = "DASH/CMD.FILTER_CONTEXT.ATTRIBUTE_FILTER.CHANGE_SELECTION"
	CommandDrillToInsight   contracts.CommandType = "DASH/CMD.DRILL.DRILL_TO_INSIGHT"
	CommandDrillReset       contracts.CommandType = "DASH/CMD.DRILL.RESET"
	CommandResolveConnected contracts.CommandType = "DASH/CMD.ATTRIBUTES.RESOLVE_CONNECTED"
	CommandLoadPermissions  contracts.CommandType = "DASH/CMD.PERMISSIONS.LOAD"
)

// FeatureDrillAttributes makes drill steps carry the insight's display forms.
const FeatureDrillAttributes = "drill.attributes"

// filterContextAttribute is the entity attribute the filter context is saved under.
const filterContextAttribute = "filterContext"

// Command payloads.
type (
	LoadPayload struct {
		Ref backend.Ref `json:"ref"`
	}
	RenamePayload struct {
		Title string `json:"title"`
	}
	AddFilterPayload struct {
		DisplayForm backend.Ref `json:"displayForm"`
		Selection   []string    `json:"selection,omitempty"`
		Negative    bool        `json:"negative,omitempty"`
		Index       *int        `json:"index,omitempty"`
	}
	RemoveFilterPayload struct {
		LocalID string `json:"localId"`
	}
	ChangeSelectionPayload struct {
		LocalID   string   `json:"localId"`
		Selection []string `json:"selection"`
		Negative  bool     `json:"negative,omitempty"`
	}
	DrillPayload struct {
		Insight      backend.Ref        `json:"insight"`
		Intersection []IntersectionItem `json:"intersection,omitempty"`
	}
	ResolveConnectedPayload struct {
		DisplayForm  backend.Ref `json:"displayForm"`
		ForceRefresh bool        `json:"forceRefresh,omitempty"`
	}
)

// Resolved event payloads.
type (
	DashboardResult struct {
		Ref     backend.Ref `json:"ref"`
		Title   string      `json:"title"`
		Version int         `json:"version"`
		Filters int         `json:"filters"`
	}
	DrillResult struct {
		Step  *DrillStep `json:"step,omitempty"`
		Depth int        `json:"depth"`
	}
	ConnectedResult struct {
		DisplayForm backend.Ref   `json:"displayForm"`
		Connected   []backend.Ref `json:"connected"`
	}
)

func decode(cmd contracts.Command, v any) error {
	if err := cmd.Decode(v); err != nil {
		return errorir.InvalidArguments(string(cmd.Type), "%v", err)
	}
	return nil
}

// requirePermission enforces perm on a dashboard that exists in the backend.
// A new, never saved dashboard has nothing to protect.
func requirePermission(t *kernel.Task, perm string) error {
	if !kernel.Read(t, SelectMeta).Loaded {
		return nil
	}
	return requireGranted(t, perm)
}

func requireGranted(t *kernel.Task, perm string) error {
	if !kernel.Read(t, SelectCan(perm)) {
		return errorir.InvalidArguments(string(t.Command().Type), "permission %s not granted", perm)
	}
	return nil
}

func loadPermissions(t *kernel.Task) (backend.Permissions, error) {
	dc := t.Dashboard()
	return kernel.Invoke(t, backend.OpGetUserPermissions, func(ctx context.Context) (backend.Permissions, error) {
		return dc.Backend().GetCurrentUserPermissions(ctx, dc.WorkspaceID())
	})
}

func handleLoad(t *kernel.Task, cmd contracts.Command) (any, error) {
	var p LoadPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if p.Ref.Kind == "" {
		p.Ref.Kind = backend.KindDashboard
	}
	if p.Ref.Kind != backend.KindDashboard {
		return nil, errorir.InvalidArguments(string(cmd.Type), "%s is not a dashboard", p.Ref)
	}
	perms, err := loadPermissions(t)
	if err != nil {
		return nil, err
	}
	if !perms.Has(backend.PermissionView) {
		return nil, errorir.Backend(backend.OpGetEntity, fmt.Errorf("%w: %s", backend.ErrForbidden, p.Ref))
	}
	ent, err := getEntity(t, p.Ref)
	if err != nil {
		return nil, err
	}
	filters, err := filtersFromEntity(ent)
	if err != nil {
		return nil, errorir.Backend(backend.OpGetEntity, err)
	}
	loaded := Loaded{
		Meta:        Meta{Ref: ent.Ref, Title: ent.Title, Version: ent.Version},
		Filters:     filters,
		Permissions: perms,
	}
	if err := t.Write(store.Action{Type: ActionLoaded, Payload: loaded}); err != nil {
		return nil, err
	}
	return DashboardResult{Ref: ent.Ref, Title: ent.Title, Version: ent.Version, Filters: len(filters)}, nil
}

func handleRename(t *kernel.Task, cmd contracts.Command) (any, error) {
	var p RenamePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, errorir.InvalidArguments(string(cmd.Type), "title must not be blank")
	}
	if err := requirePermission(t, backend.PermissionEdit); err != nil {
		return nil, err
	}
	if err := t.Write(store.Action{Type: ActionRenamed, Payload: title}); err != nil {
		return nil, err
	}
	m := kernel.Read(t, SelectMeta)
	return DashboardResult{Ref: m.Ref, Title: m.Title, Version: m.Version,
		Filters: len(kernel.Read(t, SelectFilters))}, nil
}

func handleSave(t *kernel.Task, cmd contracts.Command) (any, error) {
	if err := requirePermission(t, backend.PermissionEdit); err != nil {
		return nil, err
	}
	m := kernel.Read(t, SelectMeta)
	filters := kernel.Read(t, SelectFilters)
	attrs, err := filtersAttribute(filters)
	if err != nil {
		return nil, errorir.Internal(string(cmd.Type), err)
	}
	ent := &backend.Entity{
		Ref:        m.Ref,
		Title:      m.Title,
		Attributes: map[string]any{filterContextAttribute: attrs},
		Links:      filterLinks(filters),
		Version:    m.Version,
	}
	if ent.Title == "" {
		ent.Title = "Untitled"
	}

	dc := t.Dashboard()
	var saved *backend.Entity
	if m.Ref.IsZero() {
		ent.Ref = backend.Ref{Kind: backend.KindDashboard, ID: uuid.NewString()}
		saved, err = kernel.Invoke(t, backend.OpCreateEntity, func(ctx context.Context) (*backend.Entity, error) {
			return dc.Backend().CreateEntity(ctx, dc.WorkspaceID(), ent)
		})
	} else {
		saved, err = kernel.Invoke(t, backend.OpUpdateEntity, func(ctx context.Context) (*backend.Entity, error) {
			return dc.Backend().UpdateEntity(ctx, dc.WorkspaceID(), ent)
		})
	}
	if err != nil {
		return nil, err
	}
	if err := t.Write(store.Action{Type: ActionSaved, Payload: Saved{Ref: saved.Ref, Title: saved.Title, Version: saved.Version}}); err != nil {
		return nil, err
	}
	return DashboardResult{Ref: saved.Ref, Title: saved.Title, Version: saved.Version, Filters: len(filters)}, nil
}

func handleDelete(t *kernel.Task, cmd contracts.Command) (any, error) {
	m := kernel.Read(t, SelectMeta)
	if !m.Loaded {
		return nil, errorir.InvalidArguments(string(cmd.Type), "no dashboard loaded")
	}
	if err := requireGranted(t, backend.PermissionDelete); err != nil {
		return nil, err
	}
	dc := t.Dashboard()
	if _, err := kernel.Invoke(t, backend.OpDeleteEntity, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, dc.Backend().DeleteEntity(ctx, dc.WorkspaceID(), m.Ref)
	}); err != nil {
		return nil, err
	}
	if err := t.Write(store.Action{Type: ActionReset}); err != nil {
		return nil, err
	}
	return DashboardResult{Ref: m.Ref, Title: m.Title, Version: m.Version}, nil
}

func handleAddFilter(t *kernel.Task, cmd contracts.Command) (any, error) {
	var p AddFilterPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if p.DisplayForm.Kind == "" {
		p.DisplayForm.Kind = backend.KindDisplayForm
	}
	if p.DisplayForm.Kind != backend.KindDisplayForm {
		return nil, errorir.InvalidArguments(string(cmd.Type), "%s is not a display form", p.DisplayForm)
	}
	if err := requirePermission(t, backend.PermissionManageFC); err != nil {
		return nil, err
	}
	if kernel.Read(t, SelectFilterForDisplayForm(p.DisplayForm)) != nil {
		return nil, errorir.InvalidArguments(string(cmd.Type), "a filter on %s already exists", p.DisplayForm)
	}

	if _, err := kernel.RunQuery[*backend.Entity](t, EntityQuery(p.DisplayForm), false); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, errorir.InvalidArguments(string(cmd.Type), "unknown display form %s", p.DisplayForm)
		}
		return nil, err
	}

	filter := AttributeFilter{
		LocalID:     uuid.NewString(),
		DisplayForm: p.DisplayForm,
		Selection:   append([]string{}, p.Selection...),
		Negative:    p.Negative,
	}
	index := -1
	if p.Index != nil {
		index = *p.Index
	}
	// Another lane may add the same display form while the query runs; the
	// filter context guard rejects the write in that case.
	if err := writeFilter(t, store.Action{Type: ActionFilterAdded, Payload: FilterInsert{Filter: filter, Index: index}}); err != nil {
		return nil, err
	}
	return filter, nil
}

func handleRemoveFilter(t *kernel.Task, cmd contracts.Command) (any, error) {
	var p RemoveFilterPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if err := requirePermission(t, backend.PermissionManageFC); err != nil {
		return nil, err
	}
	f := kernel.Read(t, SelectFilter(p.LocalID))
	if f == nil {
		return nil, errorir.InvalidArguments(string(cmd.Type), "no filter with local id %q", p.LocalID)
	}
	if err := writeFilter(t, store.Action{Type: ActionFilterRemoved, Payload: p.LocalID}); err != nil {
		return nil, err
	}
	return *f, nil
}

func handleChangeSelection(t *kernel.Task, cmd contracts.Command) (any, error) {
	var p ChangeSelectionPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if err := requirePermission(t, backend.PermissionManageFC); err != nil {
		return nil, err
	}
	f := kernel.Read(t, SelectFilter(p.LocalID))
	if f == nil {
		return nil, errorir.InvalidArguments(string(cmd.Type), "no filter with local id %q", p.LocalID)
	}
	change := SelectionChange{LocalID: p.LocalID, Selection: p.Selection, Negative: p.Negative}
	if err := writeFilter(t, store.Action{Type: ActionSelectionChanged, Payload: change}); err != nil {
		return nil, err
	}
	// The result is what this lane wrote; the filter may be gone again by now.
	changed := cloneFilter(*f)
	changed.Selection = append([]string{}, p.Selection...)
	changed.Negative = p.Negative
	return changed, nil
}

// writeFilter applies a filter context action, reporting guard rejections as
// invalid arguments of the running command.
func writeFilter(t *kernel.Task, a store.Action) error {
	err := t.Write(a)
	if errors.Is(err, ErrFilterNotFound) || errors.Is(err, ErrDuplicateFilter) {
		return errorir.InvalidArguments(string(t.Command().Type), "%v", err)
	}
	return err
}

// handleDrillToInsight resolves the target insight while watching for an
// explicit cancel of its own command.
func handleDrillToInsight(t *kernel.Task, cmd contracts.Command) (any, error) {
	var p DrillPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if p.Insight.Kind == "" {
		p.Insight.Kind = backend.KindInsight
	}
	if err := requireGranted(t, backend.PermissionDrill); err != nil {
		return nil, err
	}

	res, err := t.Race(
		kernel.QueryEffect{Query: EntityQuery(p.Insight)},
		kernel.WaitForEffect{Pattern: contracts.CancellationOf(cmd.CorrelationID)},
	)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, errorir.InvalidArguments(string(cmd.Type), "unknown insight %s", p.Insight)
		}
		return nil, err
	}
	if res.Index == 1 {
		return nil, errorir.Cancelled(string(cmd.Type), "drill cancelled")
	}
	insight, ok := res.Value.(*backend.Entity)
	if !ok || insight == nil {
		return nil, errorir.Internal(string(cmd.Type), fmt.Errorf("entity query returned %T", res.Value))
	}
	if insight.Ref.Kind != backend.KindInsight {
		return nil, errorir.InvalidArguments(string(cmd.Type), "%s is not an insight", insight.Ref)
	}

	step := DrillStep{Insight: insight.Ref, Title: insight.Title, Intersection: p.Intersection}
	if t.Dashboard().FeatureEnabled(FeatureDrillAttributes) {
		attrs, err := kernel.RunQuery[[]backend.Ref](t, InsightAttributesQuery(insight.Ref), false)
		if err != nil {
			return nil, err
		}
		step.Attributes = attrs
	}
	if err := t.Write(store.Action{Type: ActionDrillPushed, Payload: step}); err != nil {
		return nil, err
	}
	return DrillResult{Step: &step, Depth: kernel.Read(t, SelectDrillDepth)}, nil
}

func handleDrillReset(t *kernel.Task, _ contracts.Command) (any, error) {
	if err := t.Write(store.Action{Type: ActionDrillReset}); err != nil {
		return nil, err
	}
	return DrillResult{Depth: kernel.Read(t, SelectDrillDepth)}, nil
}

func handleResolveConnected(t *kernel.Task, cmd contracts.Command) (any, error) {
	var p ResolveConnectedPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	if p.DisplayForm.Kind == "" {
		p.DisplayForm.Kind = backend.KindDisplayForm
	}
	refs, err := kernel.RunQuery[[]backend.Ref](t, ConnectedQuery(p.DisplayForm), p.ForceRefresh)
	if err != nil {
		return nil, err
	}
	if err := t.Write(store.Action{Type: ActionConnected, Payload: Connected{DisplayForm: p.DisplayForm, Refs: refs}}); err != nil {
		return nil, err
	}
	return ConnectedResult{DisplayForm: p.DisplayForm, Connected: refs}, nil
}

func handleLoadPermissions(t *kernel.Task, _ contracts.Command) (any, error) {
	perms, err := loadPermissions(t)
	if err != nil {
		return nil, err
	}
	if err := t.Write(store.Action{Type: ActionPermissions, Payload: perms}); err != nil {
		return nil, err
	}
	return perms, nil
}

// filtersFromEntity reads the saved filter context. Attribute values may be
// typed (memory backend) or decoded JSON (SQL backend), so both go through JSON.
func filtersFromEntity(e *backend.Entity) ([]AttributeFilter, error) {
	v, ok := e.Attributes[filterContextAttribute]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("filter context of %s: %w", e.Ref, err)
	}
	var filters []AttributeFilter
	if err := json.Unmarshal(raw, &filters); err != nil {
		return nil, fmt.Errorf("filter context of %s: %w", e.Ref, err)
	}
	return filters, nil
}

// filtersAttribute converts filters to plain JSON values so every backend
// stores the same shape.
func filtersAttribute(filters []AttributeFilter) (any, error) {
	raw, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func filterLinks(filters []AttributeFilter) []backend.Ref {
	links := make([]backend.Ref, 0, len(filters))
	for _, f := range filters {
		links = append(links, f.DisplayForm)
	}
	return links
}
