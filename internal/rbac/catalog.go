package rbac

import (
	"context"
	"errors"
	"strings"
)

// PermissionStore defines persistence for the permission catalog.
type PermissionStore interface {
	Permission(ctx context.Context, resource, action string) (Permission, error)
	UpsertPermission(ctx context.Context, resource, action string, attributes map[string]any) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Catalog manages atomic permission definitions keyed by (resource, action).
type Catalog struct {
	store PermissionStore
}

// NewCatalog constructs a Catalog over the given store.
func NewCatalog(store PermissionStore) *Catalog {
	return &Catalog{store: store}
}

// FindOrCreate returns the permission for resource/action, inserting it when
// missing. The operation is idempotent; attributes on an existing row are
// updated in place.
func (c *Catalog) FindOrCreate(ctx context.Context, resource, action string, attributes map[string]any) (Permission, error) {
	resource = strings.TrimSpace(strings.ToLower(resource))
	action = strings.TrimSpace(strings.ToLower(action))
	if resource == "" || action == "" {
		return Permission{}, errors.New("rbac: resource and action required")
	}
	return c.store.UpsertPermission(ctx, resource, action, attributes)
}

// Find looks up a permission without creating it.
func (c *Catalog) Find(ctx context.Context, resource, action string) (Permission, error) {
	return c.store.Permission(ctx, strings.TrimSpace(strings.ToLower(resource)), strings.TrimSpace(strings.ToLower(action)))
}

// List returns all permissions ordered by resource, action.
func (c *Catalog) List(ctx context.Context) ([]Permission, error) {
	return c.store.ListPermissions(ctx)
}
