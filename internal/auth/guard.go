package auth

import (
	"net/http"
	"net/url"

	"github.com/angtu-eios/portal/internal/platform/httpx"
	"github.com/angtu-eios/portal/internal/rbac"
)

// LoginPath is where unauthenticated clients are sent.
const LoginPath = "/login"

// RequireAuthenticated rejects requests without an identity with 401 and a
// login redirect that preserves the requested location.
func (r *Registry) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sess, ok := r.fromRequest(w, req)
		if !ok {
			return
		}
		if !sess.IsAuthenticated() {
			respondLoginRequired(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// RequireRole admits identities whose highest role reaches one of roles.
func (r *Registry) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return r.guard(func(req *http.Request, sess *Manager) bool {
		return rbac.HasRequiredRole(rbac.UserRoles(sess.User()), roles)
	})
}

// RequireAll admits identities holding every permission. An empty list
// admits every authenticated identity.
func (r *Registry) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return r.guard(func(req *http.Request, sess *Manager) bool {
		if len(perms) == 0 {
			return true
		}
		return sess.Resolver().HasAllPermissions(req.Context(), sess.User(), perms)
	})
}

// RequireAny admits identities holding at least one permission. An empty
// list admits every authenticated identity.
func (r *Registry) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return r.guard(func(req *http.Request, sess *Manager) bool {
		if len(perms) == 0 {
			return true
		}
		return sess.Resolver().HasAnyPermission(req.Context(), sess.User(), perms)
	})
}

func (r *Registry) guard(allowed func(*http.Request, *Manager) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, ok := r.fromRequest(w, req)
			if !ok {
				return
			}
			if !sess.IsAuthenticated() {
				respondLoginRequired(w, req)
				return
			}
			if !allowed(req, sess) {
				httpx.Problem(w, http.StatusForbidden, "Access Denied", "you do not have access to this resource")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func respondLoginRequired(w http.ResponseWriter, req *http.Request) {
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:    "Authentication Required",
		Status:   http.StatusUnauthorized,
		Detail:   "sign in to continue",
		Redirect: LoginPath + "?from=" + url.QueryEscape(req.URL.RequestURI()),
	})
}
