package rbac

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, store *memStore) (*Service, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)
	svc := NewService(store, NewHierarchy(store), NewCatalog(store), NewAssignments(store), cache, discardLogger())
	return svc, cache
}

func TestCreateRoleDerivesLevel(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	root, err := svc.CreateRole(ctx, "director", nil, false)
	require.NoError(t, err)
	require.Equal(t, 0, root.Level)
	require.Nil(t, root.ParentID)

	mid, err := svc.CreateRole(ctx, "manager", &root.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, mid.Level)

	leaf, err := svc.CreateRole(ctx, "analyst", &mid.ID, false)
	require.NoError(t, err)
	require.Equal(t, 2, leaf.Level)
}

func TestCreateRoleValidation(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, "   ", nil, false)
	require.Error(t, err)

	missing := int64(99)
	_, err = svc.CreateRole(ctx, "orphan", &missing, false)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateRole(ctx, "viewer", nil, false)
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "viewer", nil, false)
	require.ErrorIs(t, err, ErrDuplicateRole)
}

func TestSetRoleParentRejectsCycles(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	root, err := svc.CreateRole(ctx, "director", nil, false)
	require.NoError(t, err)
	mid, err := svc.CreateRole(ctx, "manager", &root.ID, false)
	require.NoError(t, err)
	leaf, err := svc.CreateRole(ctx, "analyst", &mid.ID, false)
	require.NoError(t, err)

	_, err = svc.SetRoleParent(ctx, root.ID, &root.ID)
	require.ErrorIs(t, err, ErrWouldCycle)
	_, err = svc.SetRoleParent(ctx, root.ID, &leaf.ID)
	require.ErrorIs(t, err, ErrWouldCycle)

	// Re-parenting sideways recomputes the level.
	moved, err := svc.SetRoleParent(ctx, leaf.ID, &root.ID)
	require.NoError(t, err)
	require.Equal(t, 1, moved.Level)

	detached, err := svc.SetRoleParent(ctx, leaf.ID, nil)
	require.NoError(t, err)
	require.Nil(t, detached.ParentID)
	require.Equal(t, 0, detached.Level)
}

func TestDeleteRoleGuards(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	system := store.addRole("admin", nil, true)
	require.ErrorIs(t, svc.DeleteRole(ctx, system), ErrSystemRole)
	require.ErrorIs(t, svc.DeleteRole(ctx, 99), ErrNotFound)

	plain := store.addRole("viewer", nil, false)
	require.NoError(t, svc.DeleteRole(ctx, plain))
	_, err := svc.GetRole(ctx, plain)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnsurePermissionNormalizes(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	perm, err := svc.EnsurePermission(ctx, "  Documents ", "READ", nil)
	require.NoError(t, err)
	require.Equal(t, "documents:read", perm.Key())

	again, err := svc.EnsurePermission(ctx, "documents", "read", map[string]any{"region": "eu"})
	require.NoError(t, err)
	require.Equal(t, perm.ID, again.ID)
	require.Equal(t, "eu", again.Attributes["region"])

	all, err := svc.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestAssignmentMutationsFlushCache(t *testing.T) {
	store := newMemStore()
	svc, cache := newTestService(t, store)
	ctx := context.Background()

	role := store.addRole("viewer", nil, false)
	perm, err := svc.EnsurePermission(ctx, "documents", "read", nil)
	require.NoError(t, err)

	before, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)

	_, err = svc.AssignPermission(ctx, role, perm.ID, nil, true)
	require.NoError(t, err)

	after, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	existed, err := svc.RevokePermission(ctx, role, perm.ID)
	require.NoError(t, err)
	require.True(t, existed)

	final, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)
	require.NotEqual(t, after, final)

	// Revoking a missing assignment leaves the cache alone.
	existed, err = svc.RevokePermission(ctx, role, perm.ID)
	require.NoError(t, err)
	require.False(t, existed)
	unchanged, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)
	require.Equal(t, final, unchanged)
}

func TestGrantUserRoleInvalidatesOnlyThatUser(t *testing.T) {
	store := newMemStore()
	svc, cache := newTestService(t, store)
	ctx := context.Background()

	role := store.addRole("viewer", nil, false)

	k7, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)
	k8, err := cache.Key(ctx, 8, "documents", "read", "-")
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, k7, false))
	require.NoError(t, cache.Set(ctx, k8, true))

	require.NoError(t, svc.GrantUserRole(ctx, 7, role, "", nil))

	_, ok, err := cache.Get(ctx, k7)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = cache.Get(ctx, k8)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGrantUserRoleUnknownRole(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	require.ErrorIs(t, svc.GrantUserRole(context.Background(), 7, 99, "", nil), ErrNotFound)
}

func TestRevokeUserRole(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	role := store.addRole("viewer", nil, false)
	require.ErrorIs(t, svc.RevokeUserRole(ctx, 7, role), ErrNotFound)

	require.NoError(t, svc.GrantUserRole(ctx, 7, role, "", nil))
	require.NoError(t, svc.RevokeUserRole(ctx, 7, role))

	roles, err := store.ActiveUserRoles(ctx, 7, time.Now())
	require.NoError(t, err)
	require.Empty(t, roles)
}

func TestSetRolePermissionsReplaces(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	role := store.addRole("viewer", nil, false)
	read, err := svc.EnsurePermission(ctx, "documents", "read", nil)
	require.NoError(t, err)
	write, err := svc.EnsurePermission(ctx, "documents", "write", nil)
	require.NoError(t, err)

	_, err = svc.AssignPermission(ctx, role, read.ID, nil, false)
	require.NoError(t, err)

	require.NoError(t, svc.SetRolePermissions(ctx, role, []int64{write.ID}))

	rows, err := svc.RolePermissions(ctx, role)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, write.ID, rows[0].PermissionID)
	require.True(t, rows[0].Granted)

	require.ErrorIs(t, svc.SetRolePermissions(ctx, 99, []int64{read.ID}), ErrNotFound)
}
