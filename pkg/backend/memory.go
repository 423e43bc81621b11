package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend used by tests and the CLI dry-run mode.
type Memory struct {
	mu          sync.RWMutex
	entities    map[string]map[Ref]*Entity
	permissions map[string]Permissions
	now         func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		entities:    make(map[string]map[Ref]*Entity),
		permissions: make(map[string]Permissions),
		now:         time.Now,
	}
}

// Seed stores entities as-is, bypassing version checks.
func (m *Memory) Seed(workspace string, entities ...*Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.workspace(workspace)
	for _, e := range entities {
		c := cloneEntity(e)
		if c.Version == 0 {
			c.Version = 1
		}
		ws[c.Ref] = c
	}
}

// SetPermissions sets the current user's permissions for a workspace.
func (m *Memory) SetPermissions(workspace string, p Permissions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(Permissions, len(p))
	for k, v := range p {
		cp[k] = v
	}
	m.permissions[workspace] = cp
}

func (m *Memory) workspace(id string) map[Ref]*Entity {
	ws, ok := m.entities[id]
	if !ok {
		ws = make(map[Ref]*Entity)
		m.entities[id] = ws
	}
	return ws
}

// GetEntity implements Backend.
func (m *Memory) GetEntity(ctx context.Context, workspace string, ref Ref) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[workspace][ref]
	if !ok {
		return nil, NotFound(ref)
	}
	return cloneEntity(e), nil
}

// ListEntities implements Backend.
func (m *Memory) ListEntities(ctx context.Context, workspace, kind string, opts ListOptions) ([]*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entity
	for _, e := range m.entities[workspace] {
		if e.Ref.Kind != kind {
			continue
		}
		if opts.LinkedTo != nil && !linksTo(e, *opts.LinkedTo) {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CreateEntity implements Backend.
func (m *Memory) CreateEntity(ctx context.Context, workspace string, e *Entity) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e == nil || e.Ref.Kind == "" || e.Ref.ID == "" {
		return nil, fmt.Errorf("%w: ref is required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.workspace(workspace)
	if _, exists := ws[e.Ref]; exists {
		return nil, fmt.Errorf("%w: %s already exists", ErrConflict, e.Ref)
	}
	c := cloneEntity(e)
	c.Version = 1
	c.UpdatedAt = m.now().UTC()
	ws[c.Ref] = c
	return cloneEntity(c), nil
}

// UpdateEntity implements Backend. The caller's Version must match the stored one.
func (m *Memory) UpdateEntity(ctx context.Context, workspace string, e *Entity) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.workspace(workspace)
	cur, ok := ws[e.Ref]
	if !ok {
		return nil, NotFound(e.Ref)
	}
	if cur.Version != e.Version {
		return nil, fmt.Errorf("%w: %s is at version %d", ErrConflict, e.Ref, cur.Version)
	}
	c := cloneEntity(e)
	c.Version = cur.Version + 1
	c.UpdatedAt = m.now().UTC()
	ws[c.Ref] = c
	return cloneEntity(c), nil
}

// DeleteEntity implements Backend.
func (m *Memory) DeleteEntity(ctx context.Context, workspace string, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.workspace(workspace)
	if _, ok := ws[ref]; !ok {
		return NotFound(ref)
	}
	delete(ws, ref)
	return nil
}

// GetCurrentUserPermissions implements Backend.
func (m *Memory) GetCurrentUserPermissions(ctx context.Context, workspace string) (Permissions, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.permissions[workspace]
	if !ok {
		return nil, fmt.Errorf("%w: no access to workspace %s", ErrForbidden, workspace)
	}
	out := make(Permissions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}

func linksTo(e *Entity, ref Ref) bool {
	for _, l := range e.Links {
		if l == ref {
			return true
		}
	}
	return false
}

func cloneEntity(e *Entity) *Entity {
	c := *e
	if e.Attributes != nil {
		c.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	if e.Links != nil {
		c.Links = append([]Ref(nil), e.Links...)
	}
	return &c
}
