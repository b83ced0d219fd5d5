package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// ErrDuplicateRole indicates a role name collision on insert.
var ErrDuplicateRole = errors.New("rbac: role name already exists")

// Repository provides PostgreSQL backed persistence for the RBAC core.
// It implements RoleStore, PermissionStore, AssignmentStore, UserRoleStore
// and AdminStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, name, parent_id, level, is_system, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.ParentID, &role.Level, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// Role fetches a role by ID.
func (r *Repository) Role(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// RoleByName fetches a role by its unique name.
func (r *Repository) RoleByName(ctx context.Context, name string) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// Children returns the direct children of a role.
func (r *Repository) Children(ctx context.Context, parentID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE parent_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.ParentID, &role.Level, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, name string, parentID *int64, level int, isSystem bool) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, parent_id, level, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING `+roleColumns,
		name, parentID, level, isSystem))
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrDuplicateRole
		}
		return Role{}, err
	}
	return role, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// UpdateRoleParent re-parents a role and stores its new level.
func (r *Repository) UpdateRoleParent(ctx context.Context, id int64, parentID *int64, level int) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `
		UPDATE roles SET parent_id = $2, level = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+roleColumns,
		id, parentID, level))
}

// DeleteRole removes a role, returning the affected row count.
func (r *Repository) DeleteRole(ctx context.Context, id int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Permission fetches a catalog entry by its unique (resource, action) pair.
func (r *Repository) Permission(ctx context.Context, resource, action string) (Permission, error) {
	return scanPermission(r.pool.QueryRow(ctx, `
		SELECT id, resource, action, attributes FROM permissions
		WHERE resource = $1 AND action = $2`,
		resource, action))
}

// UpsertPermission inserts or updates a catalog entry in place.
func (r *Repository) UpsertPermission(ctx context.Context, resource, action string, attributes map[string]any) (Permission, error) {
	attrs, err := marshalJSONMap(attributes)
	if err != nil {
		return Permission{}, err
	}
	return scanPermission(r.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, attributes)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource, action) DO UPDATE SET attributes = EXCLUDED.attributes
		RETURNING id, resource, action, attributes`,
		resource, action, attrs))
}

// ListPermissions returns the whole catalog.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, resource, action, attributes FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		var attrs []byte
		if err := rows.Scan(&perm.ID, &perm.Resource, &perm.Action, &attrs); err != nil {
			return nil, err
		}
		if perm.Attributes, err = unmarshalJSONMap(attrs); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	var attrs []byte
	if err := row.Scan(&perm.ID, &perm.Resource, &perm.Action, &attrs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	var err error
	if perm.Attributes, err = unmarshalJSONMap(attrs); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// UpsertAssignment inserts or updates the (role, permission) row.
func (r *Repository) UpsertAssignment(ctx context.Context, roleID, permissionID int64, constraints map[string]any, granted bool) (Assignment, error) {
	raw, err := marshalJSONMap(constraints)
	if err != nil {
		return Assignment{}, err
	}
	var assignment Assignment
	var stored []byte
	err = r.pool.QueryRow(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, constraints, granted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (role_id, permission_id)
		DO UPDATE SET constraints = EXCLUDED.constraints, granted = EXCLUDED.granted, updated_at = now()
		RETURNING role_id, permission_id, constraints, granted, created_at, updated_at`,
		roleID, permissionID, raw, granted).
		Scan(&assignment.RoleID, &assignment.PermissionID, &stored, &assignment.Granted, &assignment.CreatedAt, &assignment.UpdatedAt)
	if err != nil {
		return Assignment{}, err
	}
	if assignment.Constraints, err = unmarshalJSONMap(stored); err != nil {
		return Assignment{}, err
	}
	return assignment, nil
}

// DeleteAssignment removes the row and reports whether it existed.
func (r *Repository) DeleteAssignment(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const assignmentJoin = `
	SELECT rp.role_id, rp.permission_id, rp.constraints, rp.granted, rp.created_at, rp.updated_at,
	       p.id, p.resource, p.action, p.attributes
	FROM role_permissions rp
	JOIN permissions p ON p.id = rp.permission_id`

// AssignmentsForRole lists a role's assignments joined with permissions.
func (r *Repository) AssignmentsForRole(ctx context.Context, roleID int64) ([]AssignmentWithPermission, error) {
	rows, err := r.pool.Query(ctx, assignmentJoin+` WHERE rp.role_id = $1 ORDER BY p.resource, p.action`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// AssignmentsForRolesByKey lists assignments for the given roles restricted
// to one resource/action pair.
func (r *Repository) AssignmentsForRolesByKey(ctx context.Context, roleIDs []int64, resource, action string) ([]AssignmentWithPermission, error) {
	rows, err := r.pool.Query(ctx, assignmentJoin+`
		WHERE rp.role_id = ANY($1) AND p.resource = $2 AND p.action = $3`,
		roleIDs, resource, action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// AssignmentsForRoles lists every assignment held by the given roles.
func (r *Repository) AssignmentsForRoles(ctx context.Context, roleIDs []int64) ([]AssignmentWithPermission, error) {
	rows, err := r.pool.Query(ctx, assignmentJoin+` WHERE rp.role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows pgx.Rows) ([]AssignmentWithPermission, error) {
	var out []AssignmentWithPermission
	for rows.Next() {
		var row AssignmentWithPermission
		var constraints, attrs []byte
		if err := rows.Scan(
			&row.RoleID, &row.PermissionID, &constraints, &row.Granted, &row.CreatedAt, &row.UpdatedAt,
			&row.Permission.ID, &row.Permission.Resource, &row.Permission.Action, &attrs,
		); err != nil {
			return nil, err
		}
		var err error
		if row.Constraints, err = unmarshalJSONMap(constraints); err != nil {
			return nil, err
		}
		if row.Permission.Attributes, err = unmarshalJSONMap(attrs); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceRolePermissions atomically replaces a role's grant set with plain
// granted assignments for the given permissions. Runs in a repeatable-read
// transaction so readers never observe a half-replaced set.
func (r *Repository) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, permissionID := range permissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, constraints, granted, created_at, updated_at)
				VALUES ($1, $2, '{}', TRUE, now(), now())`,
				roleID, permissionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ActiveUserRoles returns the user's directly assigned roles, excluding
// inactive and expired rows, most recent assignment first.
func (r *Repository) ActiveUserRoles(ctx context.Context, userID int64, now time.Time) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.parent_id, r.level, r.is_system, r.created_at, r.updated_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		  AND ur.is_active
		  AND (ur.expires_at IS NULL OR ur.expires_at > $2)
		ORDER BY ur.assigned_at DESC`,
		userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// GrantUserRole attaches a role to a user, reactivating and updating an
// existing row when present.
func (r *Repository) GrantUserRole(ctx context.Context, userID, roleID int64, scope string, expiresAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, scope, expires_at, is_active, assigned_at)
		VALUES ($1, $2, $3, $4, TRUE, now())
		ON CONFLICT (user_id, role_id)
		DO UPDATE SET scope = EXCLUDED.scope, expires_at = EXCLUDED.expires_at, is_active = TRUE, assigned_at = now()`,
		userID, roleID, scope, expiresAt)
	return err
}

// RevokeUserRole removes a user's role, reporting whether a row existed.
func (r *Repository) RevokeUserRole(ctx context.Context, userID, roleID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalJSONMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

var (
	_ RoleStore       = (*Repository)(nil)
	_ PermissionStore = (*Repository)(nil)
	_ AssignmentStore = (*Repository)(nil)
	_ UserRoleStore   = (*Repository)(nil)
	_ AdminStore      = (*Repository)(nil)
)
