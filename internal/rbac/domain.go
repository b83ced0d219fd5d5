package rbac

import "time"

// Role is a node in the role forest. ParentID is nil for root roles.
type Role struct {
	ID        int64
	Name      string
	ParentID  *int64
	Level     int
	IsSystem  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission represents an atomic capability scoped to a resource/action pair.
type Permission struct {
	ID         int64
	Resource   string
	Action     string
	Attributes map[string]any
}

// Key returns the canonical "resource:action" identifier.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// PermissionKey builds the canonical identifier without a Permission value.
func PermissionKey(resource, action string) string {
	return resource + ":" + action
}

// Assignment grants or explicitly denies a permission to a role.
// Constraints restrict the assignment to requests whose context matches.
type Assignment struct {
	RoleID       int64
	PermissionID int64
	Constraints  map[string]any
	Granted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AssignmentWithPermission joins an assignment with its permission row.
type AssignmentWithPermission struct {
	Assignment
	Permission Permission
}

// UserRole links a user to a role, optionally scoped and time-bounded.
// Rows with IsActive=false or an ExpiresAt in the past never participate
// in permission resolution.
type UserRole struct {
	UserID     int64
	RoleID     int64
	Scope      string
	ExpiresAt  *time.Time
	IsActive   bool
	AssignedAt time.Time
}

// ActiveAt reports whether the assignment participates in resolution at t.
func (ur UserRole) ActiveAt(t time.Time) bool {
	if !ur.IsActive {
		return false
	}
	if ur.ExpiresAt != nil && ur.ExpiresAt.Before(t) {
		return false
	}
	return true
}

// Requirement names a resource/action pair for batch permission checks.
type Requirement struct {
	Resource string
	Action   string
}
