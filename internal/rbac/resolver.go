package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// UserRoleStore supplies a user's directly assigned roles. Implementations
// must exclude inactive and expired assignments and order the result by
// assignment recency, most recent first; that ordering is the documented
// tie-break when two direct roles carry conflicting assignments at the same
// hierarchy distance.
type UserRoleStore interface {
	ActiveUserRoles(ctx context.Context, userID int64, now time.Time) ([]Role, error)
}

// DecisionRecorder receives resolver outcomes for observability.
type DecisionRecorder interface {
	AuthzDecision(allowed, cached bool)
	AuthzCacheEvent(event string)
}

// ResolverConfig groups the explicit dependencies of a Resolver.
type ResolverConfig struct {
	Hierarchy   *Hierarchy
	Catalog     *Catalog
	Assignments *Assignments
	UserRoles   UserRoleStore
	Cache       *Cache
	Logger      *slog.Logger
	Metrics     DecisionRecorder
	// SuperRoles short-circuit every check to true when held directly.
	SuperRoles []string
	Now        func() time.Time
}

// Resolver answers permission checks by walking the user's role hierarchy
// and applying closest-wins precedence over grant/deny assignments. All
// failure paths resolve to false; the resolver never errors a check.
type Resolver struct {
	hierarchy   *Hierarchy
	catalog     *Catalog
	assignments *Assignments
	userRoles   UserRoleStore
	cache       *Cache
	logger      *slog.Logger
	metrics     DecisionRecorder
	superRoles  map[string]struct{}
	group       singleflight.Group
	now         func() time.Time
}

// NewResolver constructs a Resolver from its dependencies.
func NewResolver(cfg ResolverConfig) *Resolver {
	super := make(map[string]struct{}, len(cfg.SuperRoles))
	for _, name := range cfg.SuperRoles {
		name = strings.TrimSpace(strings.ToLower(name))
		if name != "" {
			super[name] = struct{}{}
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		hierarchy:   cfg.Hierarchy,
		catalog:     cfg.Catalog,
		assignments: cfg.Assignments,
		userRoles:   cfg.UserRoles,
		cache:       cfg.Cache,
		logger:      logger,
		metrics:     cfg.Metrics,
		superRoles:  super,
		now:         now,
	}
}

// HasPermission reports whether the user may perform action on resource
// under the given request context. Decisions are cached per
// (user, resource, action, context fingerprint); concurrent misses for the
// same key are collapsed into a single computation. Store failures and
// caller cancellation deny the individual check without caching anything,
// so a transient outage never pins a denial for the TTL.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, resource, action string, reqCtx map[string]any) bool {
	resource = strings.TrimSpace(strings.ToLower(resource))
	action = strings.TrimSpace(strings.ToLower(action))
	if userID <= 0 || resource == "" || action == "" {
		return false
	}

	fp := Fingerprint(reqCtx)
	key, err := r.cache.Key(ctx, userID, resource, action, fp)
	if err != nil {
		r.cacheEvent("error")
		r.logger.Warn("rbac cache key", slog.Any("error", err))
	}
	if key != "" {
		value, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.cacheEvent("error")
			r.logger.Warn("rbac cache get", slog.Any("error", err))
		} else if ok {
			r.cacheEvent("hit")
			r.decision(value, true)
			return value
		} else {
			r.cacheEvent("miss")
		}
	}

	// The computation is shared across concurrent callers, so it must not
	// inherit any single caller's cancellation.
	resolveCtx := context.WithoutCancel(ctx)
	sfKey := fmt.Sprintf("%d:%s:%s:%s", userID, resource, action, fp)
	resultChan := r.group.DoChan(sfKey, func() (any, error) {
		return r.resolve(resolveCtx, userID, resource, action, reqCtx)
	})

	var allowed bool
	select {
	case <-ctx.Done():
		// Caller timeout or cancellation: fail closed for this check only.
		r.logger.Warn("rbac resolution cancelled",
			slog.Int64("user_id", userID),
			slog.String("permission", PermissionKey(resource, action)),
			slog.Any("error", ctx.Err()))
		r.decision(false, false)
		return false
	case res := <-resultChan:
		if res.Err != nil {
			// Store failure. Deny this check but never persist the
			// error-derived result; the next check retries the stores.
			r.decision(false, false)
			return false
		}
		allowed, _ = res.Val.(bool)
	}

	if key != "" {
		if err := r.cache.Set(ctx, key, allowed); err != nil {
			r.cacheEvent("error")
			r.logger.Warn("rbac cache set", slog.Any("error", err))
		}
	}
	r.decision(allowed, false)
	return allowed
}

// HasAnyPermission reports whether at least one requirement resolves true.
func (r *Resolver) HasAnyPermission(ctx context.Context, userID int64, reqs []Requirement) bool {
	for _, req := range reqs {
		if r.HasPermission(ctx, userID, req.Resource, req.Action, nil) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every requirement resolves true.
func (r *Resolver) HasAllPermissions(ctx context.Context, userID int64, reqs []Requirement) bool {
	for _, req := range reqs {
		if !r.HasPermission(ctx, userID, req.Resource, req.Action, nil) {
			return false
		}
	}
	return true
}

// UserPermissions returns the override-resolved set of permissions granted
// (not denied) to the user, deduplicated and sorted by key. Attribute
// constraints are not evaluated here; this listing feeds UI capability
// display, never individual authorization checks.
func (r *Resolver) UserPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	grants, err := r.userRoles.ActiveUserRoles(ctx, userID, r.now())
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, nil
	}
	if r.isSuper(grants) {
		if r.catalog == nil {
			return nil, nil
		}
		return r.catalog.List(ctx)
	}

	ordered, _ := r.expand(ctx, grants)
	ids := make([]int64, len(ordered))
	for i, entry := range ordered {
		ids[i] = entry.role.ID
	}
	rows, err := r.assignments.forRoles(ctx, ids)
	if err != nil {
		return nil, err
	}

	rank := make(map[int64]int, len(ordered))
	for i, entry := range ordered {
		rank[entry.role.ID] = i
	}
	winners := make(map[string]AssignmentWithPermission)
	for _, row := range rows {
		key := row.Permission.Key()
		current, ok := winners[key]
		if !ok || rank[row.RoleID] < rank[current.RoleID] {
			winners[key] = row
		}
	}

	var out []Permission
	for _, row := range winners {
		if row.Granted {
			out = append(out, row.Permission)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// ClearUserCache drops every cached decision for the user.
func (r *Resolver) ClearUserCache(ctx context.Context, userID int64) error {
	return r.cache.InvalidateUser(ctx, userID)
}

type expandedRole struct {
	role     Role
	distance int
	order    int
}

// expand produces the evaluation order for a user's roles: each direct role
// followed by its ancestors nearest to furthest, direct roles iterated most
// recently assigned first. Duplicate roles keep their best (closest, most
// recent) position. A cycle truncates only the affected chain.
func (r *Resolver) expand(ctx context.Context, grants []Role) ([]expandedRole, error) {
	best := make(map[int64]int)
	var ordered []expandedRole
	for order, role := range grants {
		chain := []Role{role}
		ancestors, err := r.hierarchy.Ancestors(ctx, role.ID)
		if err != nil {
			if errors.Is(err, ErrCycleDetected) {
				r.logger.Error("rbac hierarchy cycle",
					slog.Int64("role_id", role.ID),
					slog.Any("error", err))
				// ancestors holds the partial chain up to the cycle.
			} else {
				return ordered, err
			}
		}
		chain = append(chain, ancestors...)
		for distance, node := range chain {
			if idx, ok := best[node.ID]; ok {
				existing := ordered[idx]
				if distance < existing.distance || (distance == existing.distance && order < existing.order) {
					ordered[idx] = expandedRole{role: node, distance: distance, order: order}
				}
				continue
			}
			best[node.ID] = len(ordered)
			ordered = append(ordered, expandedRole{role: node, distance: distance, order: order})
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].distance != ordered[j].distance {
			return ordered[i].distance < ordered[j].distance
		}
		return ordered[i].order < ordered[j].order
	})
	return ordered, nil
}

// resolve computes a decision from the stores. A non-nil error marks the
// false as infrastructure-derived rather than a real denial; such results
// must not be cached.
func (r *Resolver) resolve(ctx context.Context, userID int64, resource, action string, reqCtx map[string]any) (bool, error) {
	grants, err := r.userRoles.ActiveUserRoles(ctx, userID, r.now())
	if err != nil {
		r.logger.Warn("rbac load user roles",
			slog.Int64("user_id", userID),
			slog.Any("error", err))
		return false, err
	}
	if len(grants) == 0 {
		return false, nil
	}
	if r.isSuper(grants) {
		return true, nil
	}

	ordered, err := r.expand(ctx, grants)
	if err != nil {
		r.logger.Warn("rbac expand roles",
			slog.Int64("user_id", userID),
			slog.Any("error", err))
		return false, err
	}

	ids := make([]int64, len(ordered))
	for i, entry := range ordered {
		ids[i] = entry.role.ID
	}
	rows, err := r.assignments.forRolesByKey(ctx, ids, resource, action)
	if err != nil {
		r.logger.Warn("rbac load assignments",
			slog.Int64("user_id", userID),
			slog.String("permission", PermissionKey(resource, action)),
			slog.Any("error", err))
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	rank := make(map[int64]int, len(ordered))
	for i, entry := range ordered {
		rank[entry.role.ID] = i
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rank[rows[i].RoleID] < rank[rows[j].RoleID]
	})

	// Closest applicable assignment wins; an explicit deny at that level
	// beats any allow further up. Non-matching attribute constraints make
	// an assignment inapplicable and evaluation falls through.
	for _, row := range rows {
		required := mergeAttributes(row.Permission.Attributes, row.Constraints)
		if len(required) > 0 && !contextMatches(required, reqCtx) {
			continue
		}
		return row.Granted, nil
	}
	return false, nil
}

func (r *Resolver) isSuper(grants []Role) bool {
	if len(r.superRoles) == 0 {
		return false
	}
	for _, role := range grants {
		if _, ok := r.superRoles[strings.ToLower(role.Name)]; ok {
			return true
		}
	}
	return false
}

func (r *Resolver) decision(allowed, cached bool) {
	if r.metrics != nil {
		r.metrics.AuthzDecision(allowed, cached)
	}
}

func (r *Resolver) cacheEvent(event string) {
	if r.metrics != nil {
		r.metrics.AuthzCacheEvent(event)
	}
}

func mergeAttributes(attributes, constraints map[string]any) map[string]any {
	if len(attributes) == 0 {
		return constraints
	}
	merged := make(map[string]any, len(attributes)+len(constraints))
	for k, v := range attributes {
		merged[k] = v
	}
	for k, v := range constraints {
		merged[k] = v
	}
	return merged
}

func contextMatches(required, reqCtx map[string]any) bool {
	for key, want := range required {
		got, ok := reqCtx[key]
		if !ok || !valueEqual(want, got) {
			return false
		}
	}
	return true
}

// valueEqual compares via canonical JSON so values loaded from JSONB
// (float64, map[string]any) compare equal to their in-process counterparts.
func valueEqual(a, b any) bool {
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}
