package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/oauth2"

	"github.com/guildindex/backend/internal/models"
)

var ErrOAuthNotConfigured = errors.New("discord oauth not configured")

// IdentityProvider is the OAuth side of login.
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*models.ExternalIdentity, error)
}

// DiscordEndpoint is Discord's OAuth2 endpoint. Discord wants client
// credentials in the form body.
var DiscordEndpoint = oauth2.Endpoint{
	AuthURL:   "https://discord.com/oauth2/authorize",
	TokenURL:  "https://discord.com/api/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

type DiscordOAuth struct {
	config *oauth2.Config
	// fetchUser reads the account behind an access token.
	fetchUser func(ctx context.Context, tok *oauth2.Token) (*discordgo.User, error)
}

func NewDiscordOAuth(clientID, clientSecret, redirectURL string) *DiscordOAuth {
	return &DiscordOAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"identify"},
			Endpoint:     DiscordEndpoint,
		},
		fetchUser: fetchDiscordUser,
	}
}

func (d *DiscordOAuth) AuthCodeURL(state string) string {
	return d.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for the Discord identity behind it.
func (d *DiscordOAuth) Exchange(ctx context.Context, code string) (*models.ExternalIdentity, error) {
	if d == nil || d.config.ClientID == "" {
		return nil, ErrOAuthNotConfigured
	}
	tok, err := d.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	u, err := d.fetchUser(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("fetch discord user: %w", err)
	}
	return identityFromUser(u), nil
}

func fetchDiscordUser(ctx context.Context, tok *oauth2.Token) (*discordgo.User, error) {
	s, err := discordgo.New("Bearer " + tok.AccessToken)
	if err != nil {
		return nil, err
	}
	return s.User("@me", discordgo.WithContext(ctx))
}

func identityFromUser(u *discordgo.User) *models.ExternalIdentity {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	ident := &models.ExternalIdentity{
		DiscordID: u.ID,
		Username:  name,
	}
	if u.Avatar != "" {
		ident.AvatarURL = u.AvatarURL("")
	}
	return ident
}

// NewOAuthState returns a random value for the OAuth state parameter.
func NewOAuthState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
