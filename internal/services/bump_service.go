package services

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

// BumpCooldown is how long a user waits between bumps of the same listing.
const BumpCooldown = 12 * time.Hour

type BumpService struct {
	store   storage.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewBumpService(store storage.Store, m *metrics.Metrics) *BumpService {
	return &BumpService{store: store, metrics: m, now: time.Now}
}

// Bump records a bump for (userID, serverID) and refreshes the listing's
// last_bumped_at. A bump inside the cooldown returns *CooldownError and
// changes nothing.
func (s *BumpService) Bump(ctx context.Context, userID, serverID string) (*models.BumpLog, error) {
	at := s.now().UTC()
	entry, err := s.store.Bump(ctx, userID, serverID, at, BumpCooldown)
	if err != nil {
		var cd *storage.CooldownError
		switch {
		case errors.As(err, &cd):
			s.metrics.ObserveBump("cooldown")
			return nil, &CooldownError{RetryAt: cd.LastBumpAt.Add(BumpCooldown).UTC()}
		case errors.Is(err, storage.ErrNotFound):
			s.metrics.ObserveBump("not_found")
			return nil, ErrServerNotFound
		default:
			s.metrics.ObserveBump("error")
			return nil, unavailable("bump", err)
		}
	}

	s.metrics.ObserveBump("ok")
	log.WithFields(log.Fields{"server_id": serverID, "user_id": userID}).Debug("server bumped")
	return entry, nil
}

// Status reports whether userID may bump serverID now and when they may next.
func (s *BumpService) Status(ctx context.Context, userID, serverID string) (*models.BumpStatus, error) {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, unavailable("bump status", err)
	}

	status := &models.BumpStatus{ServerID: serverID, CanBump: true}

	last, err := s.store.LastBump(ctx, userID, serverID)
	switch {
	case err == nil:
		lastAt := last.BumpedAt.UTC()
		next := lastAt.Add(BumpCooldown)
		status.LastBumpAt = &lastAt
		if !s.now().After(next) {
			status.CanBump = false
			status.NextBumpAt = &next
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, unavailable("bump status", err)
	}

	total, err := s.store.CountBumps(ctx, userID, serverID)
	if err != nil {
		return nil, unavailable("bump status", err)
	}
	status.TotalBumps = total
	return status, nil
}
