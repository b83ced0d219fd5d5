package rbac

import (
	"context"
	"fmt"
)

// RoleStore defines the role queries needed for hierarchy traversal.
type RoleStore interface {
	Role(ctx context.Context, id int64) (Role, error)
	Children(ctx context.Context, parentID int64) ([]Role, error)
}

// Hierarchy walks the role forest along parent pointers.
type Hierarchy struct {
	roles RoleStore
}

// NewHierarchy constructs a Hierarchy over the given store.
func NewHierarchy(roles RoleStore) *Hierarchy {
	return &Hierarchy{roles: roles}
}

// Ancestors returns the ancestor chain of a role ordered from immediate
// parent to root. The walk is iterative with a visited set; revisiting a
// role aborts with ErrCycleDetected together with the chain collected up
// to that point, so callers can degrade instead of crashing.
func (h *Hierarchy) Ancestors(ctx context.Context, roleID int64) ([]Role, error) {
	role, err := h.roles.Role(ctx, roleID)
	if err != nil {
		return nil, err
	}

	seen := map[int64]struct{}{role.ID: {}}
	var chain []Role
	for role.ParentID != nil {
		parentID := *role.ParentID
		if _, ok := seen[parentID]; ok {
			return chain, fmt.Errorf("%w: role %d revisited", ErrCycleDetected, parentID)
		}
		parent, err := h.roles.Role(ctx, parentID)
		if err != nil {
			return chain, err
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		role = parent
	}
	return chain, nil
}

// Descendants returns every role below the given role, breadth first.
// Used by administrative tooling, never on the resolution hot path.
func (h *Hierarchy) Descendants(ctx context.Context, roleID int64) ([]Role, error) {
	if _, err := h.roles.Role(ctx, roleID); err != nil {
		return nil, err
	}

	seen := map[int64]struct{}{roleID: {}}
	queue := []int64{roleID}
	var out []Role
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := h.roles.Children(ctx, current)
		if err != nil {
			return out, err
		}
		for _, child := range children {
			if _, ok := seen[child.ID]; ok {
				return out, fmt.Errorf("%w: role %d revisited", ErrCycleDetected, child.ID)
			}
			seen[child.ID] = struct{}{}
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}
