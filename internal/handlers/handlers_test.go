package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/middleware"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
	"github.com/guildindex/backend/internal/storage"
)

type fakeProvider struct {
	ident *models.ExternalIdentity
	err   error
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://discord.example/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(context.Context, string) (*models.ExternalIdentity, error) {
	return p.ident, p.err
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, models.ExternalIdentity) (*models.User, error) {
	return nil, services.ErrStoreUnavailable
}

type testEnv struct {
	store    *storage.MemoryStore
	sessions *middleware.SessionManager
	identity *services.IdentityService
	provider *fakeProvider
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	m := metrics.New()
	sessions := middleware.NewSessionManager("0123456789abcdef", time.Hour, false)
	identity := services.NewIdentityService(store)
	provider := &fakeProvider{ident: &models.ExternalIdentity{DiscordID: "d-login", Username: "login"}}

	serverSvc := services.NewServerService(store, nil, m)
	env := &testEnv{store: store, sessions: sessions, identity: identity, provider: provider}
	env.router = NewRouter(RouterConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		Sessions:       sessions,
		Principals:     identity,
		Limiter:        middleware.NewIPRateLimiter(1000, 1000),
		Metrics:        m,
		Health:         store,
		Auth:           NewAuthHandler(provider, identity, sessions, m, "http://site.example", false),
		Servers:        NewServerHandler(serverSvc, services.NewBumpService(store, m), services.NewReportService(store, nil, nil, m)),
		Profile:        NewProfileHandler(serverSvc),
		Admin:          NewAdminHandler(services.NewAdminService(store)),
	})
	return env
}

func (e *testEnv) login(t *testing.T, discordID string, role models.Role) string {
	t.Helper()
	ctx := context.Background()
	u, err := e.identity.Resolve(ctx, models.ExternalIdentity{DiscordID: discordID, Username: discordID})
	require.NoError(t, err)
	if role == models.RoleAdmin {
		_, err = e.store.SetUserRole(ctx, discordID, role)
		require.NoError(t, err)
	}
	token, err := e.sessions.Issue(middleware.SessionClaims{UserID: u.ID, DiscordID: discordID})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Error   string            `json:"error"`
	Errors  map[string]string `json:"errors"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func serverBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"description": strings.Repeat("We play games and talk about them. ", 2),
		"invite_link": "https://discord.gg/games",
		"tags":        []string{"Gaming"},
		"language":    "English",
		"region":      "Global",
	}
}

func createServer(t *testing.T, e *testEnv, token, name string) models.Server {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/servers", token, serverBody(name))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var srv models.Server
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &srv))
	return srv
}

func TestRoutes_AuthGate(t *testing.T) {
	e := newTestEnv(t)
	user := e.login(t, "d-user", models.RoleUser)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/servers", "", serverBody("x")).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/admin/servers/pending", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/admin/servers/pending", user, nil).Code)

	rec := e.do(t, http.MethodGet, "/servers/add", "", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rec = e.do(t, http.MethodGet, "/admin", user, nil)
	assert.Equal(t, http.StatusFound, rec.Code)

	// public pages fall through to the (absent) frontend
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/servers", "", nil).Code)
}

func TestRoutes_ServerLifecycle(t *testing.T) {
	e := newTestEnv(t)
	owner := e.login(t, "d-owner", models.RoleUser)
	other := e.login(t, "d-other", models.RoleUser)
	admin := e.login(t, "d-admin", models.RoleAdmin)

	srv := createServer(t, e, owner, "Game Night")
	assert.False(t, srv.IsApproved)

	// not yet public
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/servers/"+srv.ID, "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/servers/"+srv.ID, owner, nil).Code)

	rec := e.do(t, http.MethodGet, "/api/servers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decode(t, rec).Data))

	// admin approves
	rec = e.do(t, http.MethodPost, "/api/admin/servers/"+srv.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/servers?sort=new", "", nil)
	var list []models.Server
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, srv.ID, list[0].ID)

	// edit by someone else looks like a missing listing
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPut, "/api/servers/"+srv.ID, other, serverBody("Stolen")).Code)
	rec = e.do(t, http.MethodPut, "/api/servers/"+srv.ID, owner, serverBody("Game Night 2"))
	require.Equal(t, http.StatusOK, rec.Code)

	// foreign delete is a silent no-op
	rec = e.do(t, http.MethodDelete, "/api/servers/"+srv.ID, other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":false}`, string(decode(t, rec).Data))

	rec = e.do(t, http.MethodGet, "/api/me/servers", owner, nil)
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Game Night 2", list[0].Name)

	rec = e.do(t, http.MethodDelete, "/api/servers/"+srv.ID, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, string(decode(t, rec).Data))
}

func TestRoutes_ValidationAndQuota(t *testing.T) {
	e := newTestEnv(t)
	owner := e.login(t, "d-owner", models.RoleUser)

	body := serverBody("x")
	body["invite_link"] = "https://example.com/join"
	rec := e.do(t, http.MethodPost, "/api/servers", owner, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "Must be a Discord invite link", env.Errors["invite_link"])
	assert.Contains(t, env.Errors, "name")

	for i := 0; i < services.MaxServersPerOwner; i++ {
		createServer(t, e, owner, fmt.Sprintf("Server %d", i))
	}
	rec = e.do(t, http.MethodPost, "/api/servers", owner, serverBody("Sixth"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/me", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(decode(t, rec).Data), `"server_count":5`)
}

func TestRoutes_BumpCooldown(t *testing.T) {
	e := newTestEnv(t)
	owner := e.login(t, "d-owner", models.RoleUser)
	srv := createServer(t, e, owner, "Bump Me")

	rec := e.do(t, http.MethodPost, "/api/servers/"+srv.ID+"/bump", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/servers/"+srv.ID+"/bump", owner, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var cd models.CooldownResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &cd))
	retryAt, err := time.Parse(time.RFC3339, cd.RetryAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(services.BumpCooldown), retryAt, time.Minute)

	rec = e.do(t, http.MethodGet, "/api/servers/"+srv.ID+"/bump", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(decode(t, rec).Data), `"can_bump":false`)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/servers/missing/bump", owner, nil).Code)
}

func TestRoutes_Reports(t *testing.T) {
	e := newTestEnv(t)
	owner := e.login(t, "d-owner", models.RoleUser)
	admin := e.login(t, "d-admin", models.RoleAdmin)
	srv := createServer(t, e, owner, "Reported")

	rec := e.do(t, http.MethodPost, "/api/servers/"+srv.ID+"/reports", owner, map[string]string{"reason": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/servers/"+srv.ID+"/reports", owner, map[string]string{"reason": "this listing is a scam"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var report models.Report
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &report))

	rec = e.do(t, http.MethodGet, "/api/admin/reports?status=pending", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(decode(t, rec).Data), report.ID)

	rec = e.do(t, http.MethodPost, "/api/admin/reports/"+report.ID+"/resolve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(decode(t, rec).Data), `"status":"resolved"`)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/admin/reports/nope/dismiss", admin, nil).Code)
}

func TestRoutes_LoginFlow(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/auth/login", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	// missing state cookie
	rec = e.do(t, http.MethodGet, "/auth/callback?code=c&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "login_error=state")

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://site.example/", rec.Header().Get("Location"))

	var session string
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookie {
			session = c.Value
		}
	}
	require.NotEmpty(t, session)

	rec = e.do(t, http.MethodGet, "/api/me", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(decode(t, rec).Data), `"discord_id":"d-login"`)

	rec = e.do(t, http.MethodPost, "/auth/logout", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthHandler_ResolveFailureStillLogsIn(t *testing.T) {
	sessions := middleware.NewSessionManager("0123456789abcdef", time.Hour, false)
	provider := &fakeProvider{ident: &models.ExternalIdentity{DiscordID: "d1"}}
	h := NewAuthHandler(provider, failingResolver{}, sessions, nil, "http://site.example", false)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state=s", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "s"})
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	var claims *middleware.SessionClaims
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookie {
			var err error
			claims, err = sessions.Parse(c.Value)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, claims)
	assert.Equal(t, "d1", claims.DiscordID)
	assert.Empty(t, claims.UserID)
}

func TestAuthHandler_ExchangeFailure(t *testing.T) {
	sessions := middleware.NewSessionManager("0123456789abcdef", time.Hour, false)
	provider := &fakeProvider{err: errors.New("bad code")}
	h := NewAuthHandler(provider, failingResolver{}, sessions, nil, "http://site.example", false)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state=s", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "s"})
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "login_error=exchange")
}

func TestRoutes_MetaHealthMetrics(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/meta", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog models.Catalog
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &catalog))
	assert.Len(t, catalog.Tags, len(models.Tags))

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/nope", "", nil).Code)
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&services.ValidationError{Fields: map[string]string{"name": "bad"}}, http.StatusBadRequest},
		{services.ErrQuotaExceeded, http.StatusConflict},
		{&services.CooldownError{RetryAt: time.Now()}, http.StatusTooManyRequests},
		{services.ErrServerNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", services.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeServiceError(rec, "Test", tt.err)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	assert.Equal(t, "10.1.1.1", clientIP(req))

	// headers the client controls are ignored
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "10.1.1.1", clientIP(req))

	req.RemoteAddr = "198.51.100.7"
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.RemoteAddr = "garbage"
	assert.Empty(t, clientIP(req))
}
