package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// AdminStore extends RoleStore with the mutations used by administrative
// tooling.
type AdminStore interface {
	RoleStore
	RoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name string, parentID *int64, level int, isSystem bool) (Role, error)
	UpdateRoleParent(ctx context.Context, id int64, parentID *int64, level int) (Role, error)
	DeleteRole(ctx context.Context, id int64) (int64, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	GrantUserRole(ctx context.Context, userID, roleID int64, scope string, expiresAt *time.Time) error
	RevokeUserRole(ctx context.Context, userID, roleID int64) (bool, error)
}

// Service orchestrates administrative RBAC mutations and keeps the decision
// cache coherent: role, permission and assignment changes flush the whole
// cache (version bump); user-role changes invalidate only that user.
type Service struct {
	store       AdminStore
	hierarchy   *Hierarchy
	catalog     *Catalog
	assignments *Assignments
	cache       *Cache
	logger      *slog.Logger
}

// NewService constructs the administrative service.
func NewService(store AdminStore, hierarchy *Hierarchy, catalog *Catalog, assignments *Assignments, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		hierarchy:   hierarchy,
		catalog:     catalog,
		assignments: assignments,
		cache:       cache,
		logger:      logger,
	}
}

// Hierarchy exposes traversal for handlers and jobs.
func (s *Service) Hierarchy() *Hierarchy { return s.hierarchy }

// Catalog exposes the permission catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Assignments exposes the assignment table.
func (s *Service) Assignments() *Assignments { return s.assignments }

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.Role(ctx, id)
}

// CreateRole inserts a new role under the optional parent. Level is derived
// from the parent chain.
func (s *Service) CreateRole(ctx context.Context, name string, parentID *int64, isSystem bool) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	level := 0
	if parentID != nil {
		parent, err := s.store.Role(ctx, *parentID)
		if err != nil {
			return Role{}, err
		}
		// Walking the parent's ancestors both derives the level and
		// verifies the chain is still acyclic before attaching to it.
		ancestors, err := s.hierarchy.Ancestors(ctx, parent.ID)
		if err != nil {
			return Role{}, err
		}
		level = len(ancestors) + 1
	}
	role, err := s.store.CreateRole(ctx, name, parentID, level, isSystem)
	if err != nil {
		return Role{}, err
	}
	s.flushAll(ctx, "create role")
	return role, nil
}

// SetRoleParent re-parents a role. The new parent must not be the role
// itself or any of its descendants.
func (s *Service) SetRoleParent(ctx context.Context, roleID int64, parentID *int64) (Role, error) {
	level := 0
	if parentID != nil {
		if *parentID == roleID {
			return Role{}, ErrWouldCycle
		}
		descendants, err := s.hierarchy.Descendants(ctx, roleID)
		if err != nil {
			return Role{}, err
		}
		for _, d := range descendants {
			if d.ID == *parentID {
				return Role{}, ErrWouldCycle
			}
		}
		ancestors, err := s.hierarchy.Ancestors(ctx, *parentID)
		if err != nil {
			return Role{}, err
		}
		level = len(ancestors) + 1
	}
	role, err := s.store.UpdateRoleParent(ctx, roleID, parentID, level)
	if err != nil {
		return Role{}, err
	}
	s.flushAll(ctx, "set role parent")
	return role, nil
}

// DeleteRole removes a role. System roles are refused.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.store.Role(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	rows, err := s.store.DeleteRole(ctx, id)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	s.flushAll(ctx, "delete role")
	return nil
}

// EnsurePermission upserts a catalog entry.
func (s *Service) EnsurePermission(ctx context.Context, resource, action string, attributes map[string]any) (Permission, error) {
	perm, err := s.catalog.FindOrCreate(ctx, resource, action, attributes)
	if err != nil {
		return Permission{}, err
	}
	s.flushAll(ctx, "ensure permission")
	return perm, nil
}

// ListPermissions returns the catalog contents.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.catalog.List(ctx)
}

// AssignPermission upserts a grant or deny for the role.
func (s *Service) AssignPermission(ctx context.Context, roleID, permissionID int64, constraints map[string]any, granted bool) (Assignment, error) {
	assignment, err := s.assignments.Assign(ctx, roleID, permissionID, constraints, granted)
	if err != nil {
		return Assignment{}, err
	}
	s.flushAll(ctx, "assign permission")
	return assignment, nil
}

// RevokePermission deletes an assignment, reporting whether it existed.
func (s *Service) RevokePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	existed, err := s.assignments.Revoke(ctx, roleID, permissionID)
	if err != nil {
		return false, err
	}
	if existed {
		s.flushAll(ctx, "revoke permission")
	}
	return existed, nil
}

// SetRolePermissions replaces a role's assignments with simple grants for
// the given permission IDs. Constraints and denies must be re-applied
// individually through AssignPermission afterwards.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := s.store.Role(ctx, roleID); err != nil {
		return err
	}
	if err := s.store.ReplaceRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	s.flushAll(ctx, "set role permissions")
	return nil
}

// RolePermissions lists a role's assignments joined with permissions.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]AssignmentWithPermission, error) {
	return s.assignments.ListForRole(ctx, roleID)
}

// GrantUserRole attaches a role to a user and invalidates that user's
// cached decisions.
func (s *Service) GrantUserRole(ctx context.Context, userID, roleID int64, scope string, expiresAt *time.Time) error {
	if _, err := s.store.Role(ctx, roleID); err != nil {
		return err
	}
	if err := s.store.GrantUserRole(ctx, userID, roleID, scope, expiresAt); err != nil {
		return err
	}
	s.flushUser(ctx, userID, "grant user role")
	return nil
}

// RevokeUserRole detaches a role from a user.
func (s *Service) RevokeUserRole(ctx context.Context, userID, roleID int64) error {
	existed, err := s.store.RevokeUserRole(ctx, userID, roleID)
	if err != nil {
		return err
	}
	if !existed {
		return ErrNotFound
	}
	s.flushUser(ctx, userID, "revoke user role")
	return nil
}

func (s *Service) flushAll(ctx context.Context, cause string) {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		// Stale entries self-heal through TTL; the mutation itself stands.
		s.logger.Warn("rbac cache flush", slog.String("cause", cause), slog.Any("error", err))
	}
}

func (s *Service) flushUser(ctx context.Context, userID int64, cause string) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.logger.Warn("rbac cache invalidate user",
			slog.String("cause", cause),
			slog.Int64("user_id", userID),
			slog.Any("error", err))
	}
}
