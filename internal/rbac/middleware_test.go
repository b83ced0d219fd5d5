package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func seededSession(t *testing.T, userID string) *shared.Session {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set("session:sess-1", `{"values":{},"user_id":"`+userID+`","flashes":null}`))

	sm := shared.NewSessionManager(client, "meridian_session", "secret", time.Hour, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "meridian_session", Value: "sess-1"})
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	return sess
}

func middlewareRequest(sess *shared.Session) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if sess != nil {
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	}
	return req
}

func TestMiddlewareRequireAny(t *testing.T) {
	store := newMemStore()
	role := store.addRole("viewer", nil, false)
	perm := store.addPermission("documents", "read", nil)
	store.assign(role, perm, nil, true)
	store.grantUser(7, role, time.Now())

	mw := Middleware{Resolver: newTestResolver(t, store), Logger: discardLogger()}
	handler := mw.RequireAny(Requirement{Resource: "documents", Action: "read"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	t.Run("authorized user passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, middlewareRequest(seededSession(t, "7")))
		require.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("unauthorized user is refused", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, middlewareRequest(seededSession(t, "8")))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing session is refused", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, middlewareRequest(nil))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("non-numeric user id is refused", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, middlewareRequest(seededSession(t, "alice")))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("empty requirement list refuses everyone", func(t *testing.T) {
		open := mw.RequireAny()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, middlewareRequest(seededSession(t, "7")))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestMiddlewareRequireAll(t *testing.T) {
	store := newMemStore()
	role := store.addRole("viewer", nil, false)
	read := store.addPermission("documents", "read", nil)
	store.assign(role, read, nil, true)
	store.grantUser(7, role, time.Now())

	// Uncached resolver so the store mutation below is visible immediately.
	cfg := testResolverConfig(t, store)
	cfg.Cache = NewCache(nil, 0)
	mw := Middleware{Resolver: NewResolver(cfg), Logger: discardLogger()}
	handler := mw.RequireAll(
		Requirement{Resource: "documents", Action: "read"},
		Requirement{Resource: "documents", Action: "write"},
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, middlewareRequest(seededSession(t, "7")))
	require.Equal(t, http.StatusForbidden, rec.Code)

	write := store.addPermission("documents", "write", nil)
	store.assign(role, write, nil, true)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, middlewareRequest(seededSession(t, "7")))
	require.Equal(t, http.StatusNoContent, rec.Code)

	open := mw.RequireAll()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, middlewareRequest(seededSession(t, "7")))
	require.Equal(t, http.StatusForbidden, rec.Code)
}
