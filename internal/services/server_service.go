package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

const (
	MaxServersPerOwner = 5
	BrowseLimit        = 20
	FeaturedLimit      = 6
)

// ServerService owns listing submission, editing and public ranking.
type ServerService struct {
	store    storage.ServerStore
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewServerService(store storage.ServerStore, notifier Notifier, m *metrics.Metrics) *ServerService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ServerService{
		store:    store,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
	}
}

func (s *ServerService) Create(ctx context.Context, ownerID string, req *models.ServerRequest) (*models.Server, error) {
	if err := newValidationError(req.Validate()); err != nil {
		s.metrics.ObserveSubmission("invalid")
		return nil, err
	}

	srv := &models.Server{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC(),
	}
	req.Fields().Apply(srv)

	if err := s.store.CreateServer(ctx, srv, MaxServersPerOwner); err != nil {
		switch {
		case errors.Is(err, storage.ErrQuotaExceeded):
			s.metrics.ObserveSubmission("quota")
			return nil, ErrQuotaExceeded
		case errors.Is(err, storage.ErrNotFound):
			// the owner row vanished between authentication and insert
			s.metrics.ObserveSubmission("error")
			return nil, ErrUserNotFound
		default:
			s.metrics.ObserveSubmission("error")
			return nil, unavailable("create server", err)
		}
	}
	s.metrics.ObserveSubmission("ok")

	if err := s.notifier.ServerSubmitted(ctx, srv); err != nil {
		log.WithError(err).WithField("server_id", srv.ID).Warn("submission notification failed")
	}
	return srv, nil
}

// Get returns a listing. Unapproved listings are only visible to their owner
// and admins; everyone else sees ErrServerNotFound.
func (s *ServerService) Get(ctx context.Context, viewer *models.User, id string) (*models.Server, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, s.mapNotFound("get server", err)
	}
	if !srv.IsApproved && !viewer.IsAdmin() && (viewer == nil || viewer.ID != srv.OwnerID) {
		return nil, ErrServerNotFound
	}
	return srv, nil
}

func (s *ServerService) Update(ctx context.Context, ownerID, id string, req *models.ServerRequest) (*models.Server, error) {
	if err := newValidationError(req.Validate()); err != nil {
		return nil, err
	}
	srv, err := s.store.UpdateServer(ctx, ownerID, id, req.Fields())
	if err != nil {
		return nil, s.mapNotFound("update server", err)
	}
	return srv, nil
}

// Delete removes the listing when ownerID owns it. A listing owned by someone
// else, or one that does not exist, is left alone and reported as false.
func (s *ServerService) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	n, err := s.store.DeleteServer(ctx, ownerID, id)
	if err != nil {
		return false, unavailable("delete server", err)
	}
	if n == 0 {
		log.WithFields(log.Fields{"server_id": id, "owner_id": ownerID}).Debug("delete matched no rows")
	}
	return n > 0, nil
}

func (s *ServerService) ListByOwner(ctx context.Context, ownerID string) ([]models.Server, error) {
	list, err := s.store.ListServersByOwner(ctx, ownerID)
	if err != nil {
		return nil, unavailable("list owner servers", err)
	}
	return list, nil
}

// Browse returns at most BrowseLimit approved listings.
func (s *ServerService) Browse(ctx context.Context, q models.BrowseQuery) ([]models.Server, error) {
	list, err := s.store.QueryServers(ctx, storage.ServerQuery{
		Tag:      strings.TrimSpace(q.Category),
		Language: strings.TrimSpace(q.Language),
		Search:   strings.TrimSpace(q.Search),
		Sort:     models.ParseSortKey(string(q.Sort)),
		Limit:    BrowseLimit,
	})
	if err != nil {
		return nil, unavailable("browse servers", err)
	}
	return list, nil
}

// Featured returns the largest approved listings.
func (s *ServerService) Featured(ctx context.Context) ([]models.Server, error) {
	list, err := s.store.QueryServers(ctx, storage.ServerQuery{
		Sort:  models.SortTop,
		Limit: FeaturedLimit,
	})
	if err != nil {
		return nil, unavailable("featured servers", err)
	}
	return list, nil
}

func (s *ServerService) mapNotFound(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrServerNotFound
	}
	return unavailable(op, err)
}
