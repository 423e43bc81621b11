package dashboard

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

// Reducers are pure: they never mutate their input and return it unchanged
// for actions they do not handle. A payload of the wrong type is a defect and
// panics.

func reduceMeta(m *Meta, a store.Action) *Meta {
	switch a.Type {
	case ActionLoaded:
		p := a.Payload.(Loaded)
		next := p.Meta
		next.Loaded = true
		next.Dirty = false
		return &next
	case ActionRenamed:
		title := a.Payload.(string)
		if m.Title == title {
			return m
		}
		next := *m
		next.Title = title
		next.Dirty = true
		return &next
	case ActionSaved:
		p := a.Payload.(Saved)
		next := *m
		next.Ref, next.Title, next.Version = p.Ref, p.Title, p.Version
		next.Loaded = true
		next.Dirty = false
		return &next
	case ActionFilterAdded, ActionFilterRemoved, ActionSelectionChanged:
		if m.Dirty {
			return m
		}
		next := *m
		next.Dirty = true
		return &next
	case ActionReset:
		return initialMeta
	}
	return m
}

func reduceFilterContext(fc *FilterContext, a store.Action) *FilterContext {
	switch a.Type {
	case ActionLoaded:
		p := a.Payload.(Loaded)
		return &FilterContext{Filters: cloneFilters(p.Filters)}
	case ActionFilterAdded:
		p := a.Payload.(FilterInsert)
		idx := p.Index
		if idx < 0 || idx > len(fc.Filters) {
			idx = len(fc.Filters)
		}
		out := make([]AttributeFilter, 0, len(fc.Filters)+1)
		out = append(out, fc.Filters[:idx]...)
		out = append(out, cloneFilter(p.Filter))
		out = append(out, fc.Filters[idx:]...)
		return &FilterContext{Filters: out}
	case ActionFilterRemoved:
		id := a.Payload.(string)
		i := indexOfFilter(fc.Filters, id)
		if i < 0 {
			return fc
		}
		out := make([]AttributeFilter, 0, len(fc.Filters)-1)
		out = append(out, fc.Filters[:i]...)
		out = append(out, fc.Filters[i+1:]...)
		return &FilterContext{Filters: out}
	case ActionSelectionChanged:
		p := a.Payload.(SelectionChange)
		i := indexOfFilter(fc.Filters, p.LocalID)
		if i < 0 {
			return fc
		}
		out := cloneFilters(fc.Filters)
		out[i].Selection = append([]string(nil), p.Selection...)
		out[i].Negative = p.Negative
		return &FilterContext{Filters: out}
	case ActionReset:
		return initialFilterContext
	}
	return fc
}

// Filter context write rejections. The guard checks them on the store's
// owner goroutine, so no lane can commit a write for a filter another lane
// has just removed or added.
var (
	ErrFilterNotFound  = errors.New("filter not found")
	ErrDuplicateFilter = errors.New("duplicate filter")
)

func guardFilterContext(fc *FilterContext, a store.Action) error {
	switch a.Type {
	case ActionFilterAdded:
		p := a.Payload.(FilterInsert)
		for _, f := range fc.Filters {
			if f.LocalID == p.Filter.LocalID {
				return fmt.Errorf("%w: local id %q", ErrDuplicateFilter, f.LocalID)
			}
			if f.DisplayForm == p.Filter.DisplayForm {
				return fmt.Errorf("%w: a filter on %s already exists", ErrDuplicateFilter, f.DisplayForm)
			}
		}
	case ActionFilterRemoved:
		if id := a.Payload.(string); indexOfFilter(fc.Filters, id) < 0 {
			return fmt.Errorf("%w: local id %q", ErrFilterNotFound, id)
		}
	case ActionSelectionChanged:
		if id := a.Payload.(SelectionChange).LocalID; indexOfFilter(fc.Filters, id) < 0 {
			return fmt.Errorf("%w: local id %q", ErrFilterNotFound, id)
		}
	}
	return nil
}

func reduceDrill(d *Drill, a store.Action) *Drill {
	switch a.Type {
	case ActionDrillPushed:
		step := a.Payload.(DrillStep)
		step.Intersection = append([]IntersectionItem(nil), step.Intersection...)
		step.Attributes = append([]backend.Ref(nil), step.Attributes...)
		out := make([]DrillStep, 0, len(d.Stack)+1)
		out = append(out, d.Stack...)
		return &Drill{Stack: append(out, step)}
	case ActionDrillReset, ActionLoaded, ActionReset:
		if len(d.Stack) == 0 {
			return d
		}
		return initialDrill
	}
	return d
}

func reducePermissions(p *Permissions, a store.Action) *Permissions {
	switch a.Type {
	case ActionPermissions:
		return &Permissions{Loaded: true, Granted: clonePermissions(a.Payload.(backend.Permissions))}
	case ActionLoaded:
		return &Permissions{Loaded: true, Granted: clonePermissions(a.Payload.(Loaded).Permissions)}
	case ActionReset:
		return initialPermissions
	}
	return p
}

func reduceAttributes(at *Attributes, a store.Action) *Attributes {
	switch a.Type {
	case ActionConnected:
		p := a.Payload.(Connected)
		next := make(map[backend.Ref][]backend.Ref, len(at.Connected)+1)
		for k, v := range at.Connected {
			next[k] = v
		}
		next[p.DisplayForm] = append([]backend.Ref(nil), p.Refs...)
		return &Attributes{Connected: next}
	case ActionReset:
		return initialAttributes
	}
	return at
}

func indexOfFilter(filters []AttributeFilter, localID string) int {
	for i, f := range filters {
		if f.LocalID == localID {
			return i
		}
	}
	return -1
}

func cloneFilter(f AttributeFilter) AttributeFilter {
	f.Selection = append([]string(nil), f.Selection...)
	return f
}

func cloneFilters(in []AttributeFilter) []AttributeFilter {
	out := make([]AttributeFilter, len(in))
	for i, f := range in {
		out[i] = cloneFilter(f)
	}
	return out
}

func clonePermissions(p backend.Permissions) backend.Permissions {
	out := make(backend.Permissions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
