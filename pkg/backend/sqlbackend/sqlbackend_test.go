package sqlbackend

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
)

func TestPostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	b := New(db, DialectPostgres)
	ref := backend.Ref{Kind: backend.KindDashboard, ID: "d1"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM dash_entities WHERE workspace = $1 AND kind = $2 AND id = $3")).
		WithArgs("ws1", "dashboard", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "id", "title", "attributes", "links", "version", "updated_at"}).
			AddRow("dashboard", "d1", "Sales", `{"layout":"grid"}`, `[{"kind":"insight","id":"i1"}]`, 3, "2026-01-02T03:04:05Z"))

	e, err := b.GetEntity(context.Background(), "ws1", ref)
	require.NoError(t, err)
	require.Equal(t, "Sales", e.Title)
	require.Equal(t, 3, e.Version)
	require.Equal(t, "grid", e.Attributes["layout"])
	require.Equal(t, []backend.Ref{{Kind: "insight", ID: "i1"}}, e.Links)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	b := New(db, DialectSQLite)
	mock.ExpectQuery("SELECT kind, id, title").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "id", "title", "attributes", "links", "version", "updated_at"}))

	_, err = b.GetEntity(context.Background(), "ws1", backend.Ref{Kind: "dashboard", ID: "missing"})
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDriverFailureIsWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	b := New(db, DialectSQLite)
	boom := errors.New("connection reset")
	mock.ExpectExec("DELETE FROM dash_entities").WillReturnError(boom)

	err = b.DeleteEntity(context.Background(), "ws1", backend.Ref{Kind: "dashboard", ID: "d1"})
	require.ErrorIs(t, err, boom)
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ref := backend.Ref{Kind: backend.KindDashboard, ID: "d1"}
	created, err := b.CreateEntity(ctx, "ws1", &backend.Entity{
		Ref:        ref,
		Title:      "Revenue",
		Attributes: map[string]any{"owner": "finance"},
		Links:      []backend.Ref{{Kind: backend.KindInsight, ID: "i1"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, created.Version)

	_, err = b.CreateEntity(ctx, "ws1", &backend.Entity{Ref: ref})
	require.ErrorIs(t, err, backend.ErrConflict)

	got, err := b.GetEntity(ctx, "ws1", ref)
	require.NoError(t, err)
	require.Equal(t, "Revenue", got.Title)
	require.Equal(t, "finance", got.Attributes["owner"])

	got.Title = "Revenue 2026"
	updated, err := b.UpdateEntity(ctx, "ws1", got)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	// Stale version.
	_, err = b.UpdateEntity(ctx, "ws1", got)
	require.ErrorIs(t, err, backend.ErrConflict)

	linked, err := b.ListEntities(ctx, "ws1", backend.KindDashboard, backend.ListOptions{
		LinkedTo: &backend.Ref{Kind: backend.KindInsight, ID: "i1"},
	})
	require.NoError(t, err)
	require.Len(t, linked, 1)

	// Workspaces are isolated.
	_, err = b.GetEntity(ctx, "ws2", ref)
	require.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, b.DeleteEntity(ctx, "ws1", ref))
	require.ErrorIs(t, b.DeleteEntity(ctx, "ws1", ref), backend.ErrNotFound)
}

func TestSQLitePermissions(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.GetCurrentUserPermissions(ctx, "ws1")
	require.ErrorIs(t, err, backend.ErrForbidden)

	require.NoError(t, b.SetPermission(ctx, "ws1", backend.PermissionView, true))
	require.NoError(t, b.SetPermission(ctx, "ws1", backend.PermissionEdit, false))
	require.NoError(t, b.SetPermission(ctx, "ws1", backend.PermissionEdit, true))

	perms, err := b.GetCurrentUserPermissions(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, perms.Has(backend.PermissionView))
	require.True(t, perms.Has(backend.PermissionEdit))
	require.False(t, perms.Has(backend.PermissionDelete))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	require.Equal(t, DialectPostgres, d)

	_, err = DialectFor("mysql")
	require.Error(t, err)
}
