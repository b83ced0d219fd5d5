package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Middleware wires authorization checks into HTTP handlers. Every failure
// mode, missing session, unparsable user ID, resolver denial, answers 403.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireAny admits the request when the user holds at least one of the
// requirements. An empty requirement list is a wiring mistake and refuses
// everything rather than admitting everyone.
func (m Middleware) RequireAny(reqs ...Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(reqs) == 0 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Resolver.HasAnyPermission(r.Context(), userID, reqs) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll admits the request only when the user holds every requirement.
// As with RequireAny, an empty requirement list refuses everything.
func (m Middleware) RequireAll(reqs ...Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(reqs) == 0 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Resolver.HasAllPermissions(r.Context(), userID, reqs) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}
