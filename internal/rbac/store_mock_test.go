package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory implementation of the store ports with call
// counters for cache-behavior assertions.
type memStore struct {
	mu sync.Mutex

	roles       map[int64]Role
	permissions map[int64]Permission
	assignments map[[2]int64]Assignment
	userRoles   map[int64][]UserRole

	nextRoleID       int64
	nextPermissionID int64

	roleCalls       int
	activeRoleCalls int
	assignmentCalls int

	activeRolesErr error
	roleErr        error
}

func newMemStore() *memStore {
	return &memStore{
		roles:            make(map[int64]Role),
		permissions:      make(map[int64]Permission),
		assignments:      make(map[[2]int64]Assignment),
		userRoles:        make(map[int64][]UserRole),
		nextRoleID:       1,
		nextPermissionID: 1,
	}
}

// addRole registers a role with an optional parent, returning its ID.
func (s *memStore) addRole(name string, parentID *int64, isSystem bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextRoleID
	s.nextRoleID++
	level := 0
	if parentID != nil {
		level = s.roles[*parentID].Level + 1
	}
	s.roles[id] = Role{ID: id, Name: name, ParentID: parentID, Level: level, IsSystem: isSystem}
	return id
}

// setParent rewires a role's parent directly, bypassing validation. Used to
// manufacture corrupt hierarchies.
func (s *memStore) setParent(roleID int64, parentID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role := s.roles[roleID]
	role.ParentID = parentID
	s.roles[roleID] = role
}

func (s *memStore) addPermission(resource, action string, attributes map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextPermissionID
	s.nextPermissionID++
	s.permissions[id] = Permission{ID: id, Resource: resource, Action: action, Attributes: attributes}
	return id
}

func (s *memStore) assign(roleID, permissionID int64, constraints map[string]any, granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[[2]int64{roleID, permissionID}] = Assignment{
		RoleID:       roleID,
		PermissionID: permissionID,
		Constraints:  constraints,
		Granted:      granted,
	}
}

func (s *memStore) grantUser(userID, roleID int64, assignedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userID] = append(s.userRoles[userID], UserRole{
		UserID:     userID,
		RoleID:     roleID,
		IsActive:   true,
		AssignedAt: assignedAt,
	})
}

func (s *memStore) grantUserWith(userID int64, ur UserRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userID] = append(s.userRoles[userID], ur)
}

// RoleStore

func (s *memStore) Role(ctx context.Context, id int64) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleCalls++
	if s.roleErr != nil {
		return Role{}, s.roleErr
	}
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *memStore) Children(ctx context.Context, parentID int64) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Role
	for _, role := range s.roles {
		if role.ParentID != nil && *role.ParentID == parentID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PermissionStore

func (s *memStore) Permission(ctx context.Context, resource, action string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, perm := range s.permissions {
		if perm.Resource == resource && perm.Action == action {
			return perm, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (s *memStore) UpsertPermission(ctx context.Context, resource, action string, attributes map[string]any) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, perm := range s.permissions {
		if perm.Resource == resource && perm.Action == action {
			perm.Attributes = attributes
			s.permissions[id] = perm
			return perm, nil
		}
	}
	id := s.nextPermissionID
	s.nextPermissionID++
	perm := Permission{ID: id, Resource: resource, Action: action, Attributes: attributes}
	s.permissions[id] = perm
	return perm, nil
}

func (s *memStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, perm := range s.permissions {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// AssignmentStore

func (s *memStore) UpsertAssignment(ctx context.Context, roleID, permissionID int64, constraints map[string]any, granted bool) (Assignment, error) {
	s.assign(roleID, permissionID, constraints, granted)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignments[[2]int64{roleID, permissionID}], nil
}

func (s *memStore) DeleteAssignment(ctx context.Context, roleID, permissionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{roleID, permissionID}
	if _, ok := s.assignments[key]; !ok {
		return false, nil
	}
	delete(s.assignments, key)
	return true, nil
}

func (s *memStore) AssignmentsForRole(ctx context.Context, roleID int64) ([]AssignmentWithPermission, error) {
	return s.AssignmentsForRoles(ctx, []int64{roleID})
}

func (s *memStore) AssignmentsForRolesByKey(ctx context.Context, roleIDs []int64, resource, action string) ([]AssignmentWithPermission, error) {
	rows, err := s.AssignmentsForRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	var out []AssignmentWithPermission
	for _, row := range rows {
		if row.Permission.Resource == resource && row.Permission.Action == action {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) AssignmentsForRoles(ctx context.Context, roleIDs []int64) ([]AssignmentWithPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignmentCalls++
	var out []AssignmentWithPermission
	for _, roleID := range roleIDs {
		for key, assignment := range s.assignments {
			if key[0] != roleID {
				continue
			}
			out = append(out, AssignmentWithPermission{
				Assignment: assignment,
				Permission: s.permissions[key[1]],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleID != out[j].RoleID {
			return out[i].RoleID < out[j].RoleID
		}
		return out[i].Permission.Key() < out[j].Permission.Key()
	})
	return out, nil
}

// UserRoleStore

func (s *memStore) ActiveUserRoles(ctx context.Context, userID int64, now time.Time) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRoleCalls++
	if s.activeRolesErr != nil {
		return nil, s.activeRolesErr
	}
	grants := append([]UserRole(nil), s.userRoles[userID]...)
	sort.SliceStable(grants, func(i, j int) bool { return grants[i].AssignedAt.After(grants[j].AssignedAt) })
	var out []Role
	for _, grant := range grants {
		if !grant.ActiveAt(now) {
			continue
		}
		if role, ok := s.roles[grant.RoleID]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

// AdminStore

func (s *memStore) RoleByName(ctx context.Context, name string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range s.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *memStore) ListRoles(ctx context.Context) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) CreateRole(ctx context.Context, name string, parentID *int64, level int, isSystem bool) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range s.roles {
		if role.Name == name {
			return Role{}, ErrDuplicateRole
		}
	}
	id := s.nextRoleID
	s.nextRoleID++
	role := Role{ID: id, Name: name, ParentID: parentID, Level: level, IsSystem: isSystem}
	s.roles[id] = role
	return role, nil
}

func (s *memStore) UpdateRoleParent(ctx context.Context, id int64, parentID *int64, level int) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	role.ParentID = parentID
	role.Level = level
	s.roles[id] = role
	return role, nil
}

func (s *memStore) DeleteRole(ctx context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return 0, nil
	}
	delete(s.roles, id)
	return 1, nil
}

func (s *memStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	s.mu.Lock()
	for key := range s.assignments {
		if key[0] == roleID {
			delete(s.assignments, key)
		}
	}
	s.mu.Unlock()
	for _, permissionID := range permissionIDs {
		s.assign(roleID, permissionID, nil, true)
	}
	return nil
}

func (s *memStore) GrantUserRole(ctx context.Context, userID, roleID int64, scope string, expiresAt *time.Time) error {
	s.grantUserWith(userID, UserRole{
		UserID:     userID,
		RoleID:     roleID,
		Scope:      scope,
		ExpiresAt:  expiresAt,
		IsActive:   true,
		AssignedAt: time.Now(),
	})
	return nil
}

func (s *memStore) RevokeUserRole(ctx context.Context, userID, roleID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grants := s.userRoles[userID]
	for i, grant := range grants {
		if grant.RoleID == roleID {
			s.userRoles[userID] = append(grants[:i], grants[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) calls() (roleCalls, activeRoleCalls, assignmentCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleCalls, s.activeRoleCalls, s.assignmentCalls
}

var (
	_ RoleStore       = (*memStore)(nil)
	_ PermissionStore = (*memStore)(nil)
	_ AssignmentStore = (*memStore)(nil)
	_ UserRoleStore   = (*memStore)(nil)
	_ AdminStore      = (*memStore)(nil)
)
