package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/guildindex/backend/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu        sync.Mutex
	submitted []string
	reported  []string
	expired   []string
	err       error
}

func (n *recordingNotifier) ServerSubmitted(_ context.Context, srv *models.Server) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, srv.ID)
	return n.err
}

func (n *recordingNotifier) ServerReported(_ context.Context, r *models.Report, srv *models.Server) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reported = append(n.reported, r.ID)
	return n.err
}

func (n *recordingNotifier) InviteExpired(_ context.Context, srv *models.Server) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, srv.ID)
	return n.err
}

func validRequest(name string) *models.ServerRequest {
	return &models.ServerRequest{
		Name:        name,
		Description: strings.Repeat("A friendly place to hang out. ", 3),
		InviteLink:  "https://discord.gg/abc123",
		Tags:        []string{"Gaming", "Community"},
		Language:    "English",
		Region:      "Europe",
	}
}
