package dashboard

import (
	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

// Slice selectors. Returned values are shared snapshots; do not mutate them.
var (
	SelectMeta          = store.SliceSelector[*Meta](SliceMeta)
	SelectFilterContext = store.SliceSelector[*FilterContext](SliceFilterContext)
	SelectDrill         = store.SliceSelector[*Drill](SliceDrill)
	SelectPermissions   = store.SliceSelector[*Permissions](SlicePermissions)
	SelectAttributes    = store.SliceSelector[*Attributes](SliceAttributes)

	SelectFilters = store.Map(SelectFilterContext, func(fc *FilterContext) []AttributeFilter {
		return fc.Filters
	})
	SelectDrillDepth = store.Map(SelectDrill, func(d *Drill) int { return len(d.Stack) })
	SelectIsDirty    = store.Map(SelectMeta, func(m *Meta) bool { return m.Dirty })
)

// SelectCan reports whether the current user holds perm.
func SelectCan(perm string) store.Selector[bool] {
	return store.Map(SelectPermissions, func(p *Permissions) bool { return p.Granted.Has(perm) })
}

// SelectFilter returns the filter with the given local id, or nil.
func SelectFilter(localID string) store.Selector[*AttributeFilter] {
	return store.Map(SelectFilters, func(fs []AttributeFilter) *AttributeFilter {
		if i := indexOfFilter(fs, localID); i >= 0 {
			f := fs[i]
			return &f
		}
		return nil
	})
}

// SelectFilterForDisplayForm returns the filter on displayForm, or nil.
func SelectFilterForDisplayForm(displayForm backend.Ref) store.Selector[*AttributeFilter] {
	return store.Map(SelectFilters, func(fs []AttributeFilter) *AttributeFilter {
		for _, f := range fs {
			if f.DisplayForm == displayForm {
				f := f
				return &f
			}
		}
		return nil
	})
}

// SelectConnected returns the resolved connected display forms of displayForm.
func SelectConnected(displayForm backend.Ref) store.Selector[[]backend.Ref] {
	return store.Map(SelectAttributes, func(a *Attributes) []backend.Ref { return a.Connected[displayForm] })
}
