package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/guildindex/backend/internal/logging"
	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/middleware"
	"github.com/guildindex/backend/internal/models"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	AllowedOrigins []string
	StaticDir      string

	Sessions   *middleware.SessionManager
	Principals middleware.Principals
	Limiter    *middleware.IPRateLimiter
	Metrics    *metrics.Metrics
	Health     Pinger

	Auth    *AuthHandler
	Servers *ServerHandler
	Profile *ProfileHandler
	Admin   *AdminHandler
}

// NewIPRateLimiter is the limiter used for login and mutating API calls.
func NewIPRateLimiter() *middleware.IPRateLimiter {
	return middleware.NewIPRateLimiter(rate.Limit(5), 10)
}

func NewRouter(rc RouterConfig) http.Handler {
	if rc.Limiter == nil {
		rc.Limiter = NewIPRateLimiter()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.RequestLogger())
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rc.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Authenticate(rc.Sessions, rc.Principals))

	r.Get("/health", healthHandler(rc.Health))
	if rc.Metrics != nil {
		r.Handle("/metrics", rc.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.RateLimit(rc.Limiter))
		r.Get("/login", rc.Auth.Login)
		r.Get("/callback", rc.Auth.Callback)
		r.Post("/logout", rc.Auth.Logout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimitMutations(rc.Limiter))

		r.Get("/meta", GetMeta)
		r.Get("/servers", rc.Servers.ListServers)
		r.Get("/servers/featured", rc.Servers.FeaturedServers)
		r.Get("/servers/{serverId}", rc.Servers.GetServer)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)

			r.Post("/servers", rc.Servers.CreateServer)
			r.Put("/servers/{serverId}", rc.Servers.UpdateServer)
			r.Delete("/servers/{serverId}", rc.Servers.DeleteServer)
			r.Get("/servers/{serverId}/bump", rc.Servers.BumpStatus)
			r.Post("/servers/{serverId}/bump", rc.Servers.BumpServer)
			r.Post("/servers/{serverId}/reports", rc.Servers.ReportServer)

			r.Get("/me", rc.Profile.GetMe)
			r.Get("/me/servers", rc.Profile.ListMyServers)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/servers/pending", rc.Admin.PendingServers)
			r.Post("/servers/{serverId}/approve", rc.Admin.ApproveServer)
			r.Post("/servers/{serverId}/unapprove", rc.Admin.UnapproveServer)
			r.Post("/servers/{serverId}/verify", rc.Admin.VerifyServer)
			r.Get("/reports", rc.Admin.ListReports)
			r.Post("/reports/{reportId}/resolve", rc.Admin.ResolveReport)
			r.Post("/reports/{reportId}/dismiss", rc.Admin.DismissReport)
		})

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Not found"))
		})
	})

	// Everything else is a page.
	r.Group(func(r chi.Router) {
		r.Use(middleware.ProtectPages(middleware.DefaultProtectedPaths, "/"))
		r.Get("/*", pageHandler(rc.StaticDir))
	})

	return r
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("store unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// pageHandler serves the built frontend, falling back to index.html for
// client-side routes.
func pageHandler(staticDir string) http.HandlerFunc {
	if staticDir == "" {
		return func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}
	}
	files := http.FileServer(http.Dir(staticDir))
	return func(w http.ResponseWriter, r *http.Request) {
		clean := filepath.Clean("/" + strings.TrimPrefix(r.URL.Path, "/"))
		if info, err := os.Stat(filepath.Join(staticDir, clean)); err == nil && !info.IsDir() {
			files.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
	}
}
