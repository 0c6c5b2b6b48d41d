package middleware

import (
	"net/http"
	"strings"

	"github.com/guildindex/backend/internal/models"
)

// RequireUser rejects anonymous API requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUser(r.Context()) == nil {
			writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects anonymous requests with 401 and non-admins with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := GetUser(r.Context())
		if u == nil {
			writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authentication required"))
			return
		}
		if !u.IsAdmin() {
			writeJSON(w, http.StatusForbidden, models.NewErrorResponse("Admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ProtectedPath struct {
	Prefix    string
	AdminOnly bool
}

var DefaultProtectedPaths = []ProtectedPath{
	{Prefix: "/servers/add"},
	{Prefix: "/servers/mine"},
	{Prefix: "/profile"},
	{Prefix: "/admin", AdminOnly: true},
}

// matches is a segment-aware prefix match: /admin covers /admin and
// /admin/reports but not /administrator.
func (p ProtectedPath) matches(path string) bool {
	return path == p.Prefix || strings.HasPrefix(path, p.Prefix+"/")
}

// ProtectPages redirects page requests under a protected prefix to redirectTo
// when the caller lacks the required state.
func ProtectPages(paths []ProtectedPath, redirectTo string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range paths {
				if !p.matches(r.URL.Path) {
					continue
				}
				u := GetUser(r.Context())
				if u == nil || (p.AdminOnly && !u.IsAdmin()) {
					http.Redirect(w, r, redirectTo, http.StatusFound)
					return
				}
				break
			}
			next.ServeHTTP(w, r)
		})
	}
}
