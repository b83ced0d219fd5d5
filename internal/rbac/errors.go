package rbac

import "errors"

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrCycleDetected indicates the role hierarchy contains a cycle.
	// Hierarchy traversal surfaces it; the resolver treats the affected
	// chain as terminated at the point of detection.
	ErrCycleDetected = errors.New("rbac: role hierarchy cycle detected")
	// ErrCacheUnavailable wraps cache backend failures. Resolution always
	// proceeds uncached when this occurs.
	ErrCacheUnavailable = errors.New("rbac: cache unavailable")
	// ErrSystemRole indicates an attempt to delete a system role.
	ErrSystemRole = errors.New("rbac: system role cannot be deleted")
	// ErrWouldCycle indicates a parent change that would create a cycle.
	ErrWouldCycle = errors.New("rbac: parent change would create a cycle")
)
