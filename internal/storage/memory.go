package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/models"
)

// MemoryStore keeps everything in maps behind a single mutex. With a snapshot
// file attached it rewrites the file after every mutation and rolls the
// mutation back when the write fails.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	servers  map[string]*models.Server
	bumps    []models.BumpLog
	reports  map[string]*models.Report
	snapshot *SnapshotFile
}

type memorySnapshot struct {
	Users   []*models.User   `json:"users"`
	Servers []*models.Server `json:"servers"`
	Bumps   []models.BumpLog `json:"bump_logs"`
	Reports []*models.Report `json:"reports"`
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*models.User),
		servers: make(map[string]*models.Server),
		reports: make(map[string]*models.Report),
	}
}

// NewFileStore returns a MemoryStore loaded from and persisted to dataDir.
func NewFileStore(dataDir string) (*MemoryStore, error) {
	file, err := NewSnapshotFile(dataDir, "guildindex.json")
	if err != nil {
		return nil, err
	}

	var snap memorySnapshot
	if err := file.Load(&snap); err != nil {
		return nil, err
	}

	s := NewMemoryStore()
	s.snapshot = file
	for _, u := range snap.Users {
		s.users[u.ID] = u
	}
	for _, srv := range snap.Servers {
		s.servers[srv.ID] = srv
	}
	s.bumps = snap.Bumps
	for _, r := range snap.Reports {
		s.reports[r.ID] = r
	}

	log.WithFields(log.Fields{
		"path":    file.Path(),
		"users":   len(s.users),
		"servers": len(s.servers),
	}).Info("file store loaded")
	return s, nil
}

// persist must be called with mu held.
func (s *MemoryStore) persist() error {
	if s.snapshot == nil {
		return nil
	}
	snap := memorySnapshot{Bumps: s.bumps}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	for _, srv := range s.servers {
		snap.Servers = append(snap.Servers, srv)
	}
	for _, r := range s.reports {
		snap.Reports = append(snap.Reports, r)
	}
	if err := s.snapshot.Save(&snap); err != nil {
		log.WithError(err).Error("failed to write store snapshot")
		return fmt.Errorf("write store snapshot: %w", err)
	}
	return nil
}

// commit persists the mutation just applied, or runs undo and reports the
// failure. Must be called with mu held.
func (s *MemoryStore) commit(undo func()) error {
	if err := s.persist(); err != nil {
		undo()
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func copyUser(u *models.User) *models.User {
	out := *u
	return &out
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryStore) GetUserByDiscordID(ctx context.Context, discordID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.DiscordID == discordID {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.DiscordID == u.DiscordID {
			return copyUser(existing), false, nil
		}
	}

	stored := copyUser(u)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	s.users[stored.ID] = stored
	if err := s.commit(func() { delete(s.users, stored.ID) }); err != nil {
		return nil, false, err
	}
	return copyUser(stored), true, nil
}

func (s *MemoryStore) SetUserRole(ctx context.Context, discordID string, role models.Role) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.DiscordID == discordID {
			prev := u.Role
			u.Role = role
			if err := s.commit(func() { u.Role = prev }); err != nil {
				return nil, err
			}
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateServer(ctx context.Context, srv *models.Server, quota int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := 0
	for _, existing := range s.servers {
		if existing.OwnerID == srv.OwnerID {
			owned++
		}
	}
	if owned >= quota {
		return ErrQuotaExceeded
	}

	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	s.servers[srv.ID] = srv.Clone()
	return s.commit(func() { delete(s.servers, srv.ID) })
}

func (s *MemoryStore) GetServer(ctx context.Context, id string) (*models.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return srv.Clone(), nil
}

func (s *MemoryStore) UpdateServer(ctx context.Context, ownerID, id string, f models.ServerFields) (*models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok || srv.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	prev := srv.Clone()
	f.Apply(srv)
	if err := s.commit(func() { s.servers[id] = prev }); err != nil {
		return nil, err
	}
	return srv.Clone(), nil
}

func (s *MemoryStore) DeleteServer(ctx context.Context, ownerID, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok || srv.OwnerID != ownerID {
		return 0, nil
	}
	delete(s.servers, id)

	prevBumps := s.bumps
	kept := make([]models.BumpLog, 0, len(s.bumps))
	for _, b := range s.bumps {
		if b.ServerID != id {
			kept = append(kept, b)
		}
	}
	s.bumps = kept
	removed := map[string]*models.Report{}
	for rid, r := range s.reports {
		if r.ServerID == id {
			removed[rid] = r
			delete(s.reports, rid)
		}
	}

	err := s.commit(func() {
		s.servers[id] = srv
		s.bumps = prevBumps
		for rid, r := range removed {
			s.reports[rid] = r
		}
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *MemoryStore) ListServersByOwner(ctx context.Context, ownerID string) ([]models.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Server{}
	for _, srv := range s.servers {
		if srv.OwnerID == ownerID {
			out = append(out, *srv.Clone())
		}
	}
	sortServers(out, models.SortNew)
	return out, nil
}

func (s *MemoryStore) QueryServers(ctx context.Context, q ServerQuery) ([]models.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(q.Search)
	out := []models.Server{}
	for _, srv := range s.servers {
		if !srv.IsApproved {
			continue
		}
		if q.Tag != "" && !srv.HasTag(q.Tag) {
			continue
		}
		if q.Language != "" && srv.Language != q.Language {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(srv.Name), needle) {
			continue
		}
		out = append(out, *srv.Clone())
	}

	sortServers(out, q.Sort)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingServers(ctx context.Context, limit int) ([]models.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Server{}
	for _, srv := range s.servers {
		if !srv.IsApproved {
			out = append(out, *srv.Clone())
		}
	}
	// Oldest submissions first so the queue drains in order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetServerApproved(ctx context.Context, id string, approved bool) (*models.Server, error) {
	return s.mutateServer(id, func(srv *models.Server) { srv.IsApproved = approved })
}

func (s *MemoryStore) SetServerVerified(ctx context.Context, id string, verified bool) (*models.Server, error) {
	return s.mutateServer(id, func(srv *models.Server) { srv.IsVerified = verified })
}

func (s *MemoryStore) SetMemberCount(ctx context.Context, id string, count int) error {
	_, err := s.mutateServer(id, func(srv *models.Server) { srv.MemberCount = count })
	return err
}

func (s *MemoryStore) mutateServer(id string, fn func(*models.Server)) (*models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	prev := srv.Clone()
	fn(srv)
	if err := s.commit(func() { s.servers[id] = prev }); err != nil {
		return nil, err
	}
	return srv.Clone(), nil
}

func (s *MemoryStore) ClaimServersForRefresh(ctx context.Context, staleBefore, now time.Time, limit int) ([]models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Server
	for _, srv := range s.servers {
		if srv.MemberCheckedAt == nil || srv.MemberCheckedAt.Before(staleBefore) {
			due = append(due, srv)
		}
	}
	// Never-checked first, then the stalest.
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].MemberCheckedAt, due[j].MemberCheckedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	prev := make([]*time.Time, len(due))
	out := make([]models.Server, 0, len(due))
	for i, srv := range due {
		prev[i] = srv.MemberCheckedAt
		checked := now
		srv.MemberCheckedAt = &checked
		out = append(out, *srv.Clone())
	}
	if len(out) == 0 {
		return out, nil
	}
	err := s.commit(func() {
		for i, srv := range due {
			srv.MemberCheckedAt = prev[i]
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) Bump(ctx context.Context, userID, serverID string, at time.Time, cooldown time.Duration) (*models.BumpLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return nil, ErrNotFound
	}

	cutoff := at.Add(-cooldown)
	if last := s.lastBump(userID, serverID); last != nil && !last.BumpedAt.Before(cutoff) {
		return nil, &CooldownError{LastBumpAt: last.BumpedAt}
	}

	entry := models.BumpLog{
		ID:       uuid.NewString(),
		UserID:   userID,
		ServerID: serverID,
		BumpedAt: at,
	}
	prevLast := srv.LastBumpedAt
	s.bumps = append(s.bumps, entry)
	bumped := at
	srv.LastBumpedAt = &bumped

	err := s.commit(func() {
		s.bumps = s.bumps[:len(s.bumps)-1]
		srv.LastBumpedAt = prevLast
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// lastBump must be called with mu held.
func (s *MemoryStore) lastBump(userID, serverID string) *models.BumpLog {
	var last *models.BumpLog
	for i := range s.bumps {
		b := &s.bumps[i]
		if b.UserID != userID || b.ServerID != serverID {
			continue
		}
		if last == nil || b.BumpedAt.After(last.BumpedAt) {
			last = b
		}
	}
	return last
}

func (s *MemoryStore) LastBump(ctx context.Context, userID, serverID string) (*models.BumpLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := s.lastBump(userID, serverID)
	if last == nil {
		return nil, ErrNotFound
	}
	out := *last
	return &out, nil
}

func (s *MemoryStore) CountBumps(ctx context.Context, userID, serverID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, b := range s.bumps {
		if b.UserID == userID && b.ServerID == serverID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateReport(ctx context.Context, r *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[r.ServerID]; !ok {
		return ErrNotFound
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	stored := *r
	s.reports[r.ID] = &stored
	return s.commit(func() { delete(s.reports, r.ID) })
}

func (s *MemoryStore) ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Report{}
	for _, r := range s.reports {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetReportStatus(ctx context.Context, id string, status models.ReportStatus) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	prev := r.Status
	r.Status = status
	if err := s.commit(func() { r.Status = prev }); err != nil {
		return nil, err
	}
	out := *r
	return &out, nil
}

// sortServers orders listings the same way the SQL backends do, with
// created_at desc and id as tie-breakers.
func sortServers(list []models.Server, key models.SortKey) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := &list[i], &list[j]
		switch key {
		case models.SortNew:
		case models.SortBumped:
			switch {
			case a.LastBumpedAt == nil && b.LastBumpedAt != nil:
				return false
			case a.LastBumpedAt != nil && b.LastBumpedAt == nil:
				return true
			case a.LastBumpedAt != nil && !a.LastBumpedAt.Equal(*b.LastBumpedAt):
				return a.LastBumpedAt.After(*b.LastBumpedAt)
			}
		default:
			if a.MemberCount != b.MemberCount {
				return a.MemberCount > b.MemberCount
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
