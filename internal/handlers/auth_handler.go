package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/middleware"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
)

const (
	stateCookie = "oauth_state"
	stateTTL    = 10 * time.Minute
)

// IdentityResolver maps the OAuth identity onto an internal user.
type IdentityResolver interface {
	Resolve(ctx context.Context, ident models.ExternalIdentity) (*models.User, error)
}

type AuthHandler struct {
	provider services.IdentityProvider
	identity IdentityResolver
	sessions *middleware.SessionManager
	metrics  *metrics.Metrics
	siteURL  string
	secure   bool
}

func NewAuthHandler(provider services.IdentityProvider, identity IdentityResolver, sessions *middleware.SessionManager, m *metrics.Metrics, siteURL string, secure bool) *AuthHandler {
	return &AuthHandler{
		provider: provider,
		identity: identity,
		sessions: sessions,
		metrics:  m,
		siteURL:  strings.TrimRight(siteURL, "/"),
		secure:   secure,
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := services.NewOAuthState()
	if err != nil {
		log.Printf("[Login] state generation failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to start login"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

// Callback finishes the OAuth flow. A failure to resolve the internal user
// does not block login; the session carries the Discord id and the user is
// resolved on a later request.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	c, err := r.Cookie(stateCookie)
	if err != nil || q.Get("state") == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(q.Get("state"))) != 1 {
		h.metrics.ObserveLogin("bad_state")
		h.fail(w, r, "state")
		return
	}
	h.clearState(w)

	if errParam := q.Get("error"); errParam != "" {
		h.metrics.ObserveLogin("denied")
		h.fail(w, r, errParam)
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	ident, err := h.provider.Exchange(ctx, q.Get("code"))
	if err != nil {
		log.Printf("[Callback] exchange failed: %v", err)
		h.metrics.ObserveLogin("exchange_failed")
		h.fail(w, r, "exchange")
		return
	}

	claims := middleware.SessionClaims{
		DiscordID: ident.DiscordID,
		Username:  ident.Username,
		AvatarURL: ident.AvatarURL,
	}
	user, err := h.identity.Resolve(ctx, *ident)
	if err != nil {
		log.WithError(err).WithField("discord_id", ident.DiscordID).Error("[Callback] identity resolution failed, continuing with deferred resolution")
		h.metrics.ObserveLogin("deferred")
	} else {
		claims.UserID = user.ID
		h.metrics.ObserveLogin("ok")
	}

	token, err := h.sessions.Issue(claims)
	if err != nil {
		log.Printf("[Callback] session signing failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to create session"))
		return
	}
	h.sessions.SetCookie(w, token)
	http.Redirect(w, r, h.siteURL+"/", http.StatusFound)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(nil))
}

func (h *AuthHandler) clearState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, h.siteURL+"/?login_error="+url.QueryEscape(reason), http.StatusFound)
}
