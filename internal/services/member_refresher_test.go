package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

type stubInvites struct {
	mu      sync.Mutex
	results map[string]*discordgo.Invite
	errs    map[string]error
	calls   []string
}

func (s *stubInvites) InviteWithCounts(code string, _ ...discordgo.RequestOption) (*discordgo.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, code)
	if err, ok := s.errs[code]; ok {
		return nil, err
	}
	return s.results[code], nil
}

type stubCoordinator struct {
	ok        bool
	completed []bool
}

func (c *stubCoordinator) Begin(context.Context) (func(bool), bool, error) {
	if !c.ok {
		return nil, false, nil
	}
	return func(done bool) { c.completed = append(c.completed, done) }, true, nil
}

func seedWithInvite(t *testing.T, store storage.Store, owner, invite string) *models.Server {
	t.Helper()
	req := validRequest("Guild " + owner)
	req.InviteLink = invite
	srv := &models.Server{OwnerID: owner, CreatedAt: time.Now().UTC()}
	req.Fields().Apply(srv)
	require.NoError(t, store.CreateServer(context.Background(), srv, MaxServersPerOwner))
	return srv
}

func TestMemberRefresher_RunOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	ctx := context.Background()

	live := seedWithInvite(t, store, "a", "https://discord.gg/live")
	expired := seedWithInvite(t, store, "b", "https://discord.com/invite/gone")
	empty := seedWithInvite(t, store, "c", "https://discord.gg/empty")

	invites := &stubInvites{
		results: map[string]*discordgo.Invite{
			"live":  {Code: "live", ApproximateMemberCount: 1500},
			"empty": {Code: "empty"},
		},
		errs: map[string]error{
			"gone": &discordgo.RESTError{
				Response: &http.Response{Status: "404 Not Found"},
				Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownInvite, Message: "Unknown Invite"},
			},
		},
	}

	r := NewMemberRefresher(store, invites, 15*time.Minute, 10, WithRefresherNotifier(notifier))
	updated, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err := store.GetServer(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, 1500, got.MemberCount)
	assert.NotNil(t, got.MemberCheckedAt)

	got, err = store.GetServer(ctx, empty.ID)
	require.NoError(t, err)
	assert.Zero(t, got.MemberCount)

	assert.Equal(t, []string{expired.ID}, notifier.expired)

	// everything was just checked, so the next cycle claims nothing
	updated, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Len(t, invites.calls, 3)
}

func TestMemberRefresher_ErrorsDoNotAbortBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	seedWithInvite(t, store, "a", "https://discord.gg/flaky")
	ok := seedWithInvite(t, store, "b", "https://discord.gg/fine")

	invites := &stubInvites{
		results: map[string]*discordgo.Invite{"fine": {Code: "fine", ApproximateMemberCount: 7}},
		errs:    map[string]error{"flaky": errors.New("connection reset")},
	}
	r := NewMemberRefresher(store, invites, time.Minute, 10)
	updated, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err := store.GetServer(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.MemberCount)
}

func TestMemberRefresher_Coordinator(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	seedWithInvite(t, store, "a", "https://discord.gg/live")
	invites := &stubInvites{results: map[string]*discordgo.Invite{"live": {Code: "live", ApproximateMemberCount: 3}}}

	busy := &stubCoordinator{ok: false}
	r := NewMemberRefresher(store, invites, time.Minute, 10, WithCoordinator(busy))
	updated, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Empty(t, invites.calls)

	free := &stubCoordinator{ok: true}
	r = NewMemberRefresher(store, invites, time.Minute, 10, WithCoordinator(free))
	updated, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, []bool{true}, free.completed)
}

func TestMemberRefresher_RunStopsOnCancel(t *testing.T) {
	r := NewMemberRefresher(storage.NewMemoryStore(), &stubInvites{}, 10*time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
