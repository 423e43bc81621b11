// Package backend declares the collaborator that performs real I/O for the
// dashboard kernel. Handlers reach it only through invoke effects.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Typed backend failures. Implementations wrap these so callers can use errors.Is.
var (
	ErrNotFound  = errors.New("entity not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("version conflict")
	ErrInvalid   = errors.New("invalid entity")
)

// Entity kinds used by the dashboard domain.
const (
	KindDashboard   = "dashboard"
	KindInsight     = "insight"
	KindDisplayForm = "displayForm"
	KindAttribute   = "attribute"
)

// Ref identifies an entity inside a workspace.
type Ref struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return r.Kind + "/" + r.ID }

// IsZero reports whether the ref is unset.
func (r Ref) IsZero() bool { return r.Kind == "" && r.ID == "" }

// Entity is a workspace object as the backend returns it.
type Entity struct {
	Ref        Ref            `json:"ref"`
	Title      string         `json:"title"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Links      []Ref          `json:"links,omitempty"`
	Version    int            `json:"version"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ListOptions narrow ListEntities.
type ListOptions struct {
	// LinkedTo keeps entities that link to this ref.
	LinkedTo *Ref
	Limit    int
}

// Permission names understood by the dashboard handlers.
const (
	PermissionView     = "canView"
	PermissionEdit     = "canEdit"
	PermissionDelete   = "canDelete"
	PermissionDrill    = "canDrill"
	PermissionManageFC = "canManageFilterContext"
)

// Permissions is the permission set of the current user in a workspace.
type Permissions map[string]bool

// Has reports whether the permission is granted.
func (p Permissions) Has(name string) bool { return p[name] }

// Backend is the opaque capability object the kernel context carries. Every
// call is workspace-scoped and returns a result or a typed error.
type Backend interface {
	GetEntity(ctx context.Context, workspace string, ref Ref) (*Entity, error)
	ListEntities(ctx context.Context, workspace, kind string, opts ListOptions) ([]*Entity, error)
	CreateEntity(ctx context.Context, workspace string, e *Entity) (*Entity, error)
	UpdateEntity(ctx context.Context, workspace string, e *Entity) (*Entity, error)
	DeleteEntity(ctx context.Context, workspace string, ref Ref) error
	GetCurrentUserPermissions(ctx context.Context, workspace string) (Permissions, error)
}

// Operation names, used as invoke effect names and in error reports.
const (
	OpGetEntity          = "getEntity"
	OpListEntities       = "listEntities"
	OpCreateEntity       = "createEntity"
	OpUpdateEntity       = "updateEntity"
	OpDeleteEntity       = "deleteEntity"
	OpGetUserPermissions = "getCurrentUserPermissions"
)

// NotFound wraps ErrNotFound with the missing ref.
func NotFound(ref Ref) error {
	return fmt.Errorf("%w: %s", ErrNotFound, ref)
}
