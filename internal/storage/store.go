// Package storage defines the persistence contract shared by the memory,
// Postgres and Mongo backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guildindex/backend/internal/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrQuotaExceeded  = errors.New("owner quota exceeded")
	ErrCooldownActive = errors.New("bump cooldown active")
)

// CooldownError carries the bump that is still blocking a new one.
type CooldownError struct {
	LastBumpAt time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: last bump at %s", ErrCooldownActive, e.LastBumpAt.UTC().Format(time.RFC3339))
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}

// ServerQuery selects approved listings for public browsing.
type ServerQuery struct {
	Tag      string
	Language string
	Search   string
	Sort     models.SortKey
	Limit    int
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByDiscordID(ctx context.Context, discordID string) (*models.User, error)
	// CreateUserIfAbsent inserts u unless a user with the same discord id exists.
	// It returns the stored user and whether this call created it.
	CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error)
	SetUserRole(ctx context.Context, discordID string, role models.Role) (*models.User, error)
}

type ServerStore interface {
	// CreateServer inserts s unless its owner already holds quota listings.
	// The count and the insert are atomic.
	CreateServer(ctx context.Context, s *models.Server, quota int) error
	GetServer(ctx context.Context, id string) (*models.Server, error)
	// UpdateServer only matches rows owned by ownerID.
	UpdateServer(ctx context.Context, ownerID, id string, f models.ServerFields) (*models.Server, error)
	// DeleteServer removes the row matching both id and owner and reports the
	// number of rows removed. A foreign owner removes nothing.
	DeleteServer(ctx context.Context, ownerID, id string) (int64, error)
	ListServersByOwner(ctx context.Context, ownerID string) ([]models.Server, error)
	QueryServers(ctx context.Context, q ServerQuery) ([]models.Server, error)
	ListPendingServers(ctx context.Context, limit int) ([]models.Server, error)
	SetServerApproved(ctx context.Context, id string, approved bool) (*models.Server, error)
	SetServerVerified(ctx context.Context, id string, verified bool) (*models.Server, error)
	// ClaimServersForRefresh marks up to limit listings whose member count was
	// last checked before staleBefore (or never) as checked at now and returns them.
	ClaimServersForRefresh(ctx context.Context, staleBefore, now time.Time, limit int) ([]models.Server, error)
	SetMemberCount(ctx context.Context, id string, count int) error
}

type BumpStore interface {
	// Bump records a bump at `at` and stamps the listing's last_bumped_at in one
	// unit. It fails with *CooldownError when the user bumped the listing at or
	// after at-cooldown.
	Bump(ctx context.Context, userID, serverID string, at time.Time, cooldown time.Duration) (*models.BumpLog, error)
	LastBump(ctx context.Context, userID, serverID string) (*models.BumpLog, error)
	CountBumps(ctx context.Context, userID, serverID string) (int, error)
}

type ReportStore interface {
	CreateReport(ctx context.Context, r *models.Report) error
	ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error)
	SetReportStatus(ctx context.Context, id string, status models.ReportStatus) (*models.Report, error)
}

type Store interface {
	UserStore
	ServerStore
	BumpStore
	ReportStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// EscapeLike escapes LIKE metacharacters using the default backslash escape.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
