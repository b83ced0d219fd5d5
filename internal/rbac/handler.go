package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes the administrative RBAC API as JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	resolver  *Resolver
	validator *validator.Validate
	rbac      Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver *Resolver, rbac Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		resolver:  resolver,
		validator: validator.New(),
		rbac:      rbac,
	}
}

// MountRoutes registers the admin routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(Requirement{Resource: "roles", Action: "view"}, Requirement{Resource: "roles", Action: "edit"}))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{roleID}", h.getRole)
		r.Get("/roles/{roleID}/ancestors", h.roleAncestors)
		r.Get("/roles/{roleID}/descendants", h.roleDescendants)
		r.Get("/roles/{roleID}/permissions", h.rolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(Requirement{Resource: "roles", Action: "edit"}))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{roleID}/parent", h.setRoleParent)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Post("/roles/{roleID}/permissions", h.setRolePermissions)
		r.Put("/roles/{roleID}/permissions/{permissionID}", h.assignPermission)
		r.Delete("/roles/{roleID}/permissions/{permissionID}", h.revokePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(Requirement{Resource: "permissions", Action: "view"}, Requirement{Resource: "roles", Action: "edit"}))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(Requirement{Resource: "permissions", Action: "edit"}))
		r.Post("/permissions", h.ensurePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(Requirement{Resource: "users", Action: "edit"}))
		r.Post("/users/{userID}/roles", h.grantUserRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.revokeUserRole)
		r.Delete("/users/{userID}/cache", h.clearUserCache)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(Requirement{Resource: "users", Action: "view"}, Requirement{Resource: "users", Action: "edit"}))
		r.Get("/users/{userID}/permissions", h.userPermissions)
	})
}

type roleResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Level    int    `json:"level"`
	IsSystem bool   `json:"is_system"`
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{ID: role.ID, Name: role.Name, ParentID: role.ParentID, Level: role.Level, IsSystem: role.IsSystem}
}

func toRoleResponses(roles []Role) []roleResponse {
	out := make([]roleResponse, len(roles))
	for i, role := range roles {
		out[i] = toRoleResponse(role)
	}
	return out
}

type permissionResponse struct {
	ID         int64          `json:"id"`
	Resource   string         `json:"resource"`
	Action     string         `json:"action"`
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func toPermissionResponse(perm Permission) permissionResponse {
	return permissionResponse{ID: perm.ID, Resource: perm.Resource, Action: perm.Action, Key: perm.Key(), Attributes: perm.Attributes}
}

type assignmentResponse struct {
	RoleID      int64              `json:"role_id"`
	Permission  permissionResponse `json:"permission"`
	Granted     bool               `json:"granted"`
	Constraints map[string]any     `json:"constraints,omitempty"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponses(roles))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type createRoleRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=64"`
	ParentID *int64 `json:"parent_id"`
	IsSystem bool   `json:"is_system"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.ParentID, req.IsSystem)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type setParentRequest struct {
	ParentID *int64 `json:"parent_id"`
}

func (h *Handler) setRoleParent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req setParentRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.SetRoleParent(r.Context(), id, req.ParentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) roleAncestors(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	ancestors, err := h.service.Hierarchy().Ancestors(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponses(ancestors))
}

func (h *Handler) roleDescendants(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	descendants, err := h.service.Hierarchy().Descendants(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponses(descendants))
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionResponse, len(perms))
	for i, perm := range perms {
		out[i] = toPermissionResponse(perm)
	}
	httpx.JSON(w, http.StatusOK, out)
}

type ensurePermissionRequest struct {
	Resource   string         `json:"resource" validate:"required,min=2,max=64"`
	Action     string         `json:"action" validate:"required,min=2,max=64"`
	Attributes map[string]any `json:"attributes"`
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	var req ensurePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.EnsurePermission(r.Context(), req.Resource, req.Action, req.Attributes)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionResponse(perm))
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	rows, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]assignmentResponse, len(rows))
	for i, row := range rows {
		out[i] = assignmentResponse{
			RoleID:      row.RoleID,
			Permission:  toPermissionResponse(row.Permission),
			Granted:     row.Granted,
			Constraints: row.Constraints,
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

type setRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required,dive,gt=0"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req setRolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), roleID, req.PermissionIDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignPermissionRequest struct {
	Granted     *bool          `json:"granted" validate:"required"`
	Constraints map[string]any `json:"constraints"`
}

func (h *Handler) assignPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req assignPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	assignment, err := h.service.AssignPermission(r.Context(), roleID, permissionID, req.Constraints, *req.Granted)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role_id":       assignment.RoleID,
		"permission_id": assignment.PermissionID,
		"granted":       assignment.Granted,
		"constraints":   assignment.Constraints,
	})
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	existed, err := h.service.RevokePermission(r.Context(), roleID, permissionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !existed {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "assignment does not exist")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantUserRoleRequest struct {
	RoleID    int64      `json:"role_id" validate:"required,gt=0"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) grantUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req grantUserRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.GrantUserRole(r.Context(), userID, req.RoleID, req.Scope, req.ExpiresAt); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.RevokeUserRole(r.Context(), userID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	perms, err := h.resolver.UserPermissions(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionResponse, len(perms))
	for i, perm := range perms {
		out[i] = toPermissionResponse(perm)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) clearUserCache(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.resolver.ClearUserCache(r.Context(), userID); err != nil {
		h.logger.Warn("clear user cache", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Cache Unavailable", "cache backend unreachable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identifier", "path parameter "+param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body is not valid JSON")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateRole):
		httpx.Problem(w, http.StatusConflict, "Duplicate Role", err.Error())
	case errors.Is(err, ErrSystemRole), errors.Is(err, ErrWouldCycle):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrCycleDetected):
		h.logger.Error("rbac hierarchy corruption", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Hierarchy Corruption", err.Error())
	default:
		h.logger.Error("rbac admin", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
