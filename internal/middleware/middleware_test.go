package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
)

type stubPrincipals struct {
	users       map[string]*models.User
	resolved    *models.User
	resolveErr  error
	getErr      error
	resolveHits int
}

func (p *stubPrincipals) Get(_ context.Context, id string) (*models.User, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	u, ok := p.users[id]
	if !ok {
		return nil, services.ErrUserNotFound
	}
	return u, nil
}

func (p *stubPrincipals) Resolve(_ context.Context, ident models.ExternalIdentity) (*models.User, error) {
	p.resolveHits++
	return p.resolved, p.resolveErr
}

func whoAmI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := GetUser(r.Context())
		if u == nil {
			fmt.Fprint(w, "anonymous")
			return
		}
		fmt.Fprintf(w, "%s:%s", u.ID, u.Role)
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionManager_RoundTrip(t *testing.T) {
	m := NewSessionManager("0123456789abcdef", time.Hour, false)
	token, err := m.Issue(SessionClaims{UserID: "u1", DiscordID: "d1", Username: "pixel"})
	require.NoError(t, err)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "d1", claims.DiscordID)

	other := NewSessionManager("fedcba9876543210", time.Hour, false)
	_, err = other.Parse(token)
	assert.Error(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Parse(token)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	sessions := NewSessionManager("0123456789abcdef", time.Hour, false)
	principals := &stubPrincipals{users: map[string]*models.User{
		"u1": {ID: "u1", DiscordID: "d1", Role: models.RoleAdmin},
	}}
	h := Authenticate(sessions, principals)(whoAmI())

	// anonymous
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "anonymous", rec.Body.String())

	// garbage token stays anonymous
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, "anonymous", serve(h, req).Body.String())

	// cookie session reads the current role from the store
	token, err := sessions.Issue(SessionClaims{UserID: "u1", DiscordID: "d1"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	assert.Equal(t, "u1:admin", serve(h, req).Body.String())

	principals.users["u1"].Role = models.RoleUser
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, "u1:user", serve(h, req).Body.String())

	// mismatched discord id is treated as anonymous
	forged, err := sessions.Issue(SessionClaims{UserID: "u1", DiscordID: "d2"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: forged})
	assert.Equal(t, "anonymous", serve(h, req).Body.String())
}

func TestAuthenticate_LazyResolve(t *testing.T) {
	sessions := NewSessionManager("0123456789abcdef", time.Hour, false)
	principals := &stubPrincipals{resolved: &models.User{ID: "u9", DiscordID: "d9", Role: models.RoleUser}}
	h := Authenticate(sessions, principals)(whoAmI())

	token, err := sessions.Issue(SessionClaims{DiscordID: "d9"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec := serve(h, req)

	assert.Equal(t, "u9:user", rec.Body.String())
	assert.Equal(t, 1, principals.resolveHits)

	var reissued *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			reissued = c
		}
	}
	require.NotNil(t, reissued)
	claims, err := sessions.Parse(reissued.Value)
	require.NoError(t, err)
	assert.Equal(t, "u9", claims.UserID)
}

func TestAuthenticate_StoreUnavailable(t *testing.T) {
	sessions := NewSessionManager("0123456789abcdef", time.Hour, false)
	principals := &stubPrincipals{getErr: fmt.Errorf("get user: %w: %w", services.ErrStoreUnavailable, errors.New("dial tcp"))}
	h := Authenticate(sessions, principals)(whoAmI())

	token, err := sessions.Issue(SessionClaims{UserID: "u1", DiscordID: "d1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec := serve(h, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireUserAndAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name      string
		user      *models.User
		wantUser  int
		wantAdmin int
	}{
		{"anonymous", nil, http.StatusUnauthorized, http.StatusUnauthorized},
		{"user", &models.User{ID: "u", Role: models.RoleUser}, http.StatusNoContent, http.StatusForbidden},
		{"admin", &models.User{ID: "a", Role: models.RoleAdmin}, http.StatusNoContent, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
			if tt.user != nil {
				req = req.WithContext(WithUser(req.Context(), tt.user))
			}
			rec := serve(RequireUser(ok), req)
			assert.Equal(t, tt.wantUser, rec.Code)
			rec = serve(RequireAdmin(ok), req)
			assert.Equal(t, tt.wantAdmin, rec.Code)
			if rec.Code >= 400 {
				assert.Contains(t, rec.Body.String(), `"success":false`)
			}
		})
	}
}

func TestProtectPages(t *testing.T) {
	h := ProtectPages(DefaultProtectedPaths, "/")(whoAmI())
	user := &models.User{ID: "u", Role: models.RoleUser}
	admin := &models.User{ID: "a", Role: models.RoleAdmin}

	tests := []struct {
		path     string
		user     *models.User
		redirect bool
	}{
		{"/", nil, false},
		{"/servers", nil, false},
		{"/servers/add", nil, true},
		{"/servers/mine", nil, true},
		{"/servers/mine/edit", nil, true},
		{"/profile", nil, true},
		{"/profile", user, false},
		{"/admin", nil, true},
		{"/admin/reports", user, true},
		{"/admin/reports", admin, false},
		{"/administrator", nil, false},
		{"/servers/additional", nil, false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.user != nil {
			req = req.WithContext(WithUser(req.Context(), tt.user))
		}
		rec := serve(h, req)
		if tt.redirect {
			assert.Equal(t, http.StatusFound, rec.Code, tt.path)
			assert.Equal(t, "/", rec.Header().Get("Location"), tt.path)
		} else {
			assert.Equal(t, http.StatusOK, rec.Code, tt.path)
		}
	}
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimitMutations(NewIPRateLimiter(rate.Limit(1), 2))(ok)

	post := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/servers", nil)
		req.RemoteAddr = ip + ":1234"
		return serve(h, req).Code
	}

	assert.Equal(t, http.StatusOK, post("10.0.0.1"))
	assert.Equal(t, http.StatusOK, post("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, post("10.0.0.1"))
	assert.Equal(t, http.StatusOK, post("10.0.0.2"))

	// reads are not limited
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		assert.Equal(t, http.StatusOK, serve(h, req).Code)
	}
}
