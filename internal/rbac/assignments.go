package rbac

import "context"

// AssignmentStore defines persistence for role-permission assignments.
type AssignmentStore interface {
	UpsertAssignment(ctx context.Context, roleID, permissionID int64, constraints map[string]any, granted bool) (Assignment, error)
	DeleteAssignment(ctx context.Context, roleID, permissionID int64) (bool, error)
	AssignmentsForRole(ctx context.Context, roleID int64) ([]AssignmentWithPermission, error)
	AssignmentsForRolesByKey(ctx context.Context, roleIDs []int64, resource, action string) ([]AssignmentWithPermission, error)
	AssignmentsForRoles(ctx context.Context, roleIDs []int64) ([]AssignmentWithPermission, error)
}

// Assignments manages the role-permission join table. At most one row exists
// per (role, permission) pair; re-assigning updates granted/constraints in
// place. Granted=false is an explicit deny that overrides inherited allows.
type Assignments struct {
	store AssignmentStore
}

// NewAssignments constructs an Assignments table over the given store.
func NewAssignments(store AssignmentStore) *Assignments {
	return &Assignments{store: store}
}

// Assign upserts the assignment for the (role, permission) pair.
func (a *Assignments) Assign(ctx context.Context, roleID, permissionID int64, constraints map[string]any, granted bool) (Assignment, error) {
	return a.store.UpsertAssignment(ctx, roleID, permissionID, constraints, granted)
}

// Revoke deletes the assignment and reports whether a row existed.
func (a *Assignments) Revoke(ctx context.Context, roleID, permissionID int64) (bool, error) {
	return a.store.DeleteAssignment(ctx, roleID, permissionID)
}

// ListForRole returns the role's assignments joined with their permissions.
func (a *Assignments) ListForRole(ctx context.Context, roleID int64) ([]AssignmentWithPermission, error) {
	return a.store.AssignmentsForRole(ctx, roleID)
}

func (a *Assignments) forRolesByKey(ctx context.Context, roleIDs []int64, resource, action string) ([]AssignmentWithPermission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	return a.store.AssignmentsForRolesByKey(ctx, roleIDs, resource, action)
}

func (a *Assignments) forRoles(ctx context.Context, roleIDs []int64) ([]AssignmentWithPermission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	return a.store.AssignmentsForRoles(ctx, roleIDs)
}
