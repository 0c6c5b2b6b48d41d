package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

// InviteResolver looks up an invite with its approximate counts.
// *discordgo.Session satisfies it.
type InviteResolver interface {
	InviteWithCounts(inviteID string, options ...discordgo.RequestOption) (*discordgo.Invite, error)
}

// RunCoordinator gates a refresh cycle across replicas.
type RunCoordinator interface {
	Begin(ctx context.Context) (finish func(completed bool), ok bool, err error)
}

// MemberRefresher keeps listing member counts in step with Discord.
type MemberRefresher struct {
	store       storage.ServerStore
	invites     InviteResolver
	notifier    Notifier
	coordinator RunCoordinator
	metrics     *metrics.Metrics
	interval    time.Duration
	batch       int
	now         func() time.Time
}

type RefresherOption func(*MemberRefresher)

func WithCoordinator(c RunCoordinator) RefresherOption {
	return func(r *MemberRefresher) { r.coordinator = c }
}

func WithRefresherNotifier(n Notifier) RefresherOption {
	return func(r *MemberRefresher) { r.notifier = n }
}

func WithRefresherMetrics(m *metrics.Metrics) RefresherOption {
	return func(r *MemberRefresher) { r.metrics = m }
}

func NewMemberRefresher(store storage.ServerStore, invites InviteResolver, interval time.Duration, batch int, opts ...RefresherOption) *MemberRefresher {
	r := &MemberRefresher{
		store:    store,
		invites:  invites,
		notifier: NopNotifier{},
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run refreshes on every tick until ctx is done.
func (r *MemberRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			log.WithError(err).Error("[MemberRefresher] cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of stale listings and refreshes them. It returns the
// number of listings whose count was updated.
func (r *MemberRefresher) RunOnce(ctx context.Context) (int, error) {
	if r.coordinator != nil {
		finish, ok, err := r.coordinator.Begin(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			log.Debug("[MemberRefresher] skipped, another worker ran recently")
			return 0, nil
		}
		completed := false
		defer func() { finish(completed) }()
		updated, err := r.refreshBatch(ctx)
		completed = err == nil
		return updated, err
	}
	return r.refreshBatch(ctx)
}

func (r *MemberRefresher) refreshBatch(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveRefreshRun(time.Since(start).Seconds()) }()

	now := r.now().UTC()
	claimed, err := r.store.ClaimServersForRefresh(ctx, now.Add(-r.interval), now, r.batch)
	if err != nil {
		return 0, fmt.Errorf("claim servers: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	log.WithField("amount", len(claimed)).Info("[MemberRefresher] checking servers")

	updated := 0
	for i := range claimed {
		srv := &claimed[i]
		ok, err := r.refresh(ctx, srv)
		if err != nil {
			r.metrics.ObserveMemberRefresh("error")
			log.WithError(err).WithField("server_id", srv.ID).Error("[MemberRefresher] failure checking server")
			continue
		}
		if ok {
			updated++
		}
	}
	return updated, nil
}

func (r *MemberRefresher) refresh(ctx context.Context, srv *models.Server) (bool, error) {
	logger := log.WithFields(log.Fields{"server_id": srv.ID, "invite": srv.InviteLink})

	code, ok := models.InviteCode(srv.InviteLink)
	if !ok {
		r.metrics.ObserveMemberRefresh("invalid")
		logger.Warn("[MemberRefresher] stored invite link is not parseable")
		return false, nil
	}

	invite, err := r.invites.InviteWithCounts(code, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Message != nil &&
			restErr.Message.Code == discordgo.ErrCodeUnknownInvite {
			r.metrics.ObserveMemberRefresh("expired")
			logger.Warn("[MemberRefresher] invite no longer valid")
			if nerr := r.notifier.InviteExpired(ctx, srv); nerr != nil {
				logger.WithError(nerr).Warn("[MemberRefresher] expired invite notification failed")
			}
			return false, nil
		}
		return false, fmt.Errorf("resolve invite: %w", err)
	}
	if invite == nil {
		return false, errors.New("received empty invite from the Discord API")
	}

	if invite.ApproximateMemberCount <= 0 {
		r.metrics.ObserveMemberRefresh("skipped")
		return false, nil
	}
	if err := r.store.SetMemberCount(ctx, srv.ID, invite.ApproximateMemberCount); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// deleted while we were asking Discord
			return false, nil
		}
		return false, fmt.Errorf("update member count: %w", err)
	}
	r.metrics.ObserveMemberRefresh("ok")
	return true, nil
}
