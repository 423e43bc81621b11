// Package kernel runs dashboard commands as cooperative lanes. Handlers are
// written against a small effect vocabulary (invoke, read, write, race,
// waitFor, fork, query) that the Task interprets; the Scheduler owns lane
// policy and the Dispatcher turns every accepted command into exactly one
// terminal event.
package kernel

import (
	"sort"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

// DashboardContext is created once at initialization and shared read-only by
// every task. Its fields are unexported so it cannot be mutated after New.
type DashboardContext struct {
	backend   backend.Backend
	workspace string
	features  map[string]bool
}

var _ contracts.Context = (*DashboardContext)(nil)

// NewDashboardContext bundles the backend capability, workspace and feature flags.
func NewDashboardContext(b backend.Backend, workspace string, features ...string) *DashboardContext {
	set := make(map[string]bool, len(features))
	for _, f := range features {
		if f != "" {
			set[f] = true
		}
	}
	return &DashboardContext{backend: b, workspace: workspace, features: set}
}

// Backend returns the backend capability handle.
func (c *DashboardContext) Backend() backend.Backend { return c.backend }

// WorkspaceID implements contracts.Context.
func (c *DashboardContext) WorkspaceID() string { return c.workspace }

// FeatureEnabled implements contracts.Context.
func (c *DashboardContext) FeatureEnabled(name string) bool { return c.features[name] }

// Features lists the enabled feature flags in sorted order.
func (c *DashboardContext) Features() []string {
	out := make([]string, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
