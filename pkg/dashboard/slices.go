// Package dashboard is the dashboard domain served by the kernel: the state
// slices, their reducers and selectors, and the command and query handlers.
package dashboard

import (
	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

// Slice names.
const (
	SliceMeta          = "meta"
	SliceFilterContext = "filterContext"
	SliceDrill         = "drill"
	SlicePermissions   = "permissions"
	SliceAttributes    = "attributes"
)

// Store actions. Every reducer ignores the actions it does not own.
const (
	ActionLoaded           = "dashboard/loaded"
	ActionReset            = "dashboard/reset"
	ActionRenamed          = "meta/renamed"
	ActionSaved            = "meta/saved"
	ActionFilterAdded      = "filterContext/added"
	ActionFilterRemoved    = "filterContext/removed"
	ActionSelectionChanged = "filterContext/selectionChanged"
	ActionDrillPushed      = "drill/pushed"
	ActionDrillReset       = "drill/reset"
	ActionPermissions      = "permissions/loaded"
	ActionConnected        = "attributes/connectedResolved"
)

// Meta describes the dashboard currently open.
type Meta struct {
	Ref     backend.Ref `json:"ref"`
	Title   string      `json:"title"`
	Version int         `json:"version"`
	Loaded  bool        `json:"loaded"`
	Dirty   bool        `json:"dirty"`
}

// AttributeFilter narrows every insight by the elements of one display form.
type AttributeFilter struct {
	LocalID     string      `json:"localId"`
	DisplayForm backend.Ref `json:"displayForm"`
	Selection   []string    `json:"selection"`
	Negative    bool        `json:"negative"`
}

// FilterContext is the ordered list of attribute filters.
type FilterContext struct {
	Filters []AttributeFilter `json:"filters"`
}

// IntersectionItem is one attribute value of the drilled data point.
type IntersectionItem struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// DrillStep is one level of the drill stack.
type DrillStep struct {
	Insight      backend.Ref        `json:"insight"`
	Title        string             `json:"title"`
	Intersection []IntersectionItem `json:"intersection,omitempty"`
	// Attributes is filled when the drill.attributes feature is enabled.
	Attributes []backend.Ref `json:"attributes,omitempty"`
}

// Drill is the drill-to-insight stack, innermost last.
type Drill struct {
	Stack []DrillStep `json:"stack"`
}

// Permissions is the current user's permission set.
type Permissions struct {
	Loaded  bool                `json:"loaded"`
	Granted backend.Permissions `json:"granted"`
}

// Attributes caches connected display forms per display form.
type Attributes struct {
	Connected map[backend.Ref][]backend.Ref `json:"-"`
}

// Loaded is the payload of ActionLoaded.
type Loaded struct {
	Meta        Meta
	Filters     []AttributeFilter
	Permissions backend.Permissions
}

// Saved is the payload of ActionSaved.
type Saved struct {
	Ref     backend.Ref
	Title   string
	Version int
}

// SelectionChange is the payload of ActionSelectionChanged.
type SelectionChange struct {
	LocalID   string
	Selection []string
	Negative  bool
}

// FilterInsert is the payload of ActionFilterAdded. A negative Index appends.
type FilterInsert struct {
	Filter AttributeFilter
	Index  int
}

// Connected is the payload of ActionConnected.
type Connected struct {
	DisplayForm backend.Ref
	Refs        []backend.Ref
}

var (
	initialMeta          = &Meta{}
	initialFilterContext = &FilterContext{}
	initialDrill         = &Drill{}
	initialPermissions   = &Permissions{}
	initialAttributes    = &Attributes{}
)

// Slices returns the slice definitions of the dashboard store.
func Slices() []store.SliceDef {
	return []store.SliceDef{
		store.DefineSlice(SliceMeta, initialMeta, reduceMeta),
		store.WithGuard(store.DefineSlice(SliceFilterContext, initialFilterContext, reduceFilterContext), guardFilterContext),
		store.DefineSlice(SliceDrill, initialDrill, reduceDrill),
		store.DefineSlice(SlicePermissions, initialPermissions, reducePermissions),
		store.DefineSlice(SliceAttributes, initialAttributes, reduceAttributes),
	}
}
