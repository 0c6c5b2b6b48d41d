package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
)

type contextKey string

const userKey contextKey = "user"

// SessionCookie holds the signed session token.
const SessionCookie = "session"

// SessionClaims is the payload of a session token. UserID may be empty when
// identity resolution failed at login; it is filled in on a later request.
type SessionClaims struct {
	UserID    string `json:"uid,omitempty"`
	DiscordID string `json:"did"`
	Username  string `json:"name,omitempty"`
	AvatarURL string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies HMAC-signed session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func NewSessionManager(secret string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		secret: []byte(secret),
		ttl:    ttl,
		secure: secure,
		now:    time.Now,
	}
}

func (m *SessionManager) Issue(claims SessionClaims) (string, error) {
	now := m.now()
	claims.Subject = claims.DiscordID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *SessionManager) Parse(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.DiscordID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (m *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// tokenFromRequest prefers the session cookie and falls back to a bearer token.
func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// Principals loads the current user behind a session.
type Principals interface {
	Get(ctx context.Context, userID string) (*models.User, error)
	Resolve(ctx context.Context, ident models.ExternalIdentity) (*models.User, error)
}

// Authenticate attaches the signed-in user to the request context. The user
// record is read from the store on every request so role changes apply
// immediately. Requests without a valid session continue anonymously.
func Authenticate(sessions *SessionManager, principals Principals) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := sessions.Parse(token)
			if err != nil {
				log.WithError(err).Debug("[Auth] ignoring invalid session")
				next.ServeHTTP(w, r)
				return
			}

			user, err := loadPrincipal(r.Context(), principals, claims)
			switch {
			case err == nil:
			case errors.Is(err, services.ErrUserNotFound):
				next.ServeHTTP(w, r)
				return
			case errors.Is(err, services.ErrStoreUnavailable):
				log.WithError(err).Error("[Auth] failed to load session user")
				writeJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("Service temporarily unavailable"))
				return
			default:
				log.WithError(err).Warn("[Auth] session user not resolved")
				next.ServeHTTP(w, r)
				return
			}

			if claims.UserID == "" {
				// identity resolution failed at login; finish it now
				claims.UserID = user.ID
				if reissued, err := sessions.Issue(*claims); err == nil {
					sessions.SetCookie(w, reissued)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func loadPrincipal(ctx context.Context, principals Principals, claims *SessionClaims) (*models.User, error) {
	if claims.UserID == "" {
		return principals.Resolve(ctx, models.ExternalIdentity{
			DiscordID: claims.DiscordID,
			Username:  claims.Username,
			AvatarURL: claims.AvatarURL,
		})
	}
	user, err := principals.Get(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user.DiscordID != claims.DiscordID {
		return nil, services.ErrUserNotFound
	}
	return user, nil
}

func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser returns the authenticated user, or nil.
func GetUser(ctx context.Context) *models.User {
	u, _ := ctx.Value(userKey).(*models.User)
	return u
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.ID
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("encode response")
	}
}
