package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

// IdentityService maps Discord accounts onto internal users.
type IdentityService struct {
	store storage.UserStore
	now   func() time.Time
}

func NewIdentityService(store storage.UserStore) *IdentityService {
	return &IdentityService{store: store, now: time.Now}
}

// Resolve returns the user for the external identity, creating it on the
// first login. Later logins are lookups only.
func (s *IdentityService) Resolve(ctx context.Context, ident models.ExternalIdentity) (*models.User, error) {
	discordID := strings.TrimSpace(ident.DiscordID)
	if discordID == "" {
		return nil, newValidationError(map[string]string{"discord_id": "Discord id is required"})
	}

	existing, err := s.store.GetUserByDiscordID(ctx, discordID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, unavailable("lookup user", err)
	}

	user, created, err := s.store.CreateUserIfAbsent(ctx, &models.User{
		ID:        uuid.NewString(),
		DiscordID: discordID,
		Username:  strings.TrimSpace(ident.Username),
		AvatarURL: ident.AvatarURL,
		Role:      models.RoleUser,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, unavailable("create user", err)
	}
	if created {
		log.WithFields(log.Fields{"user_id": user.ID, "discord_id": discordID}).Info("user created on first login")
	}
	return user, nil
}

func (s *IdentityService) Get(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable("get user", err)
	}
	return user, nil
}
