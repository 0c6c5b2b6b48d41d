// Package postgres is the relational storage backend, built on bun.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

const foreignKeyViolation = "23503"

type Store struct {
	db *bun.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects with pgdriver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == foreignKeyViolation
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	if !validID(id) {
		return nil, storage.ErrNotFound
	}
	row := new(userRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) GetUserByDiscordID(ctx context.Context, discordID string) (*models.User, error) {
	row := new(userRow)
	err := s.db.NewSelect().Model(row).Where("discord_id = ?", discordID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user by discord id: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	row := &userRow{
		ID:        u.ID,
		DiscordID: u.DiscordID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}

	res, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (discord_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := s.GetUserByDiscordID(ctx, u.DiscordID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

func (s *Store) SetUserRole(ctx context.Context, discordID string, role models.Role) (*models.User, error) {
	res, err := s.db.NewUpdate().
		Model((*userRow)(nil)).
		Set("role = ?", string(role)).
		Where("discord_id = ?", discordID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to set user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetUserByDiscordID(ctx, discordID)
}

// CreateServer locks the owner's user row so concurrent submissions by the
// same owner serialize on the quota count.
func (s *Store) CreateServer(ctx context.Context, srv *models.Server, quota int) error {
	if !validID(srv.OwnerID) {
		return storage.ErrNotFound
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	row := serverRowFrom(srv)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var ownerID string
		err := tx.NewRaw("SELECT id FROM users WHERE id = ? FOR UPDATE", srv.OwnerID).Scan(ctx, &ownerID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to lock owner: %w", err)
		}

		owned, err := tx.NewSelect().
			Model((*serverRow)(nil)).
			Where("owner_id = ?", srv.OwnerID).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("failed to count owner servers: %w", err)
		}
		if owned >= quota {
			return storage.ErrQuotaExceeded
		}

		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert server: %w", err)
		}
		return nil
	})
	return err
}

func (s *Store) GetServer(ctx context.Context, id string) (*models.Server, error) {
	if !validID(id) {
		return nil, storage.ErrNotFound
	}
	row := new(serverRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	m := row.toModel()
	return &m, nil
}

func (s *Store) UpdateServer(ctx context.Context, ownerID, id string, f models.ServerFields) (*models.Server, error) {
	if !validID(id) || !validID(ownerID) {
		return nil, storage.ErrNotFound
	}
	row := new(serverRow)
	err := s.db.NewUpdate().
		Model(row).
		Set("name = ?", f.Name).
		Set("description = ?", f.Description).
		Set("invite_link = ?", f.InviteLink).
		Set("tags = ?", pgdialect.Array(f.Tags)).
		Set("language = ?", f.Language).
		Set("region = ?", f.Region).
		Set("icon_url = NULLIF(?, '')", f.IconURL).
		Set("banner_url = NULLIF(?, '')", f.BannerURL).
		Where("id = ?", id).
		Where("owner_id = ?", ownerID).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update server: %w", err)
	}
	m := row.toModel()
	return &m, nil
}

func (s *Store) DeleteServer(ctx context.Context, ownerID, id string) (int64, error) {
	if !validID(id) || !validID(ownerID) {
		return 0, nil
	}
	res, err := s.db.NewDelete().
		Model((*serverRow)(nil)).
		Where("id = ?", id).
		Where("owner_id = ?", ownerID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) ListServersByOwner(ctx context.Context, ownerID string) ([]models.Server, error) {
	if !validID(ownerID) {
		return []models.Server{}, nil
	}
	var rows []serverRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("owner_id = ?", ownerID).
		OrderExpr("created_at DESC").
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owner servers: %w", err)
	}
	return serverModels(rows), nil
}

func (s *Store) QueryServers(ctx context.Context, q storage.ServerQuery) ([]models.Server, error) {
	var rows []serverRow
	sel := s.db.NewSelect().
		Model(&rows).
		Where("is_approved = TRUE")

	if q.Tag != "" {
		sel = sel.Where("? = ANY(tags)", q.Tag)
	}
	if q.Language != "" {
		sel = sel.Where("language = ?", q.Language)
	}
	if q.Search != "" {
		sel = sel.Where("name ILIKE ?", "%"+storage.EscapeLike(q.Search)+"%")
	}

	switch q.Sort {
	case models.SortNew:
	case models.SortBumped:
		sel = sel.OrderExpr("last_bumped_at DESC NULLS LAST")
	default:
		sel = sel.OrderExpr("member_count DESC")
	}
	sel = sel.OrderExpr("created_at DESC").OrderExpr("id ASC")

	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}

	if err := sel.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	return serverModels(rows), nil
}

func (s *Store) ListPendingServers(ctx context.Context, limit int) ([]models.Server, error) {
	var rows []serverRow
	sel := s.db.NewSelect().
		Model(&rows).
		Where("is_approved = FALSE").
		OrderExpr("created_at ASC")
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list pending servers: %w", err)
	}
	return serverModels(rows), nil
}

func (s *Store) SetServerApproved(ctx context.Context, id string, approved bool) (*models.Server, error) {
	return s.setServerColumn(ctx, id, "is_approved = ?", approved)
}

func (s *Store) SetServerVerified(ctx context.Context, id string, verified bool) (*models.Server, error) {
	return s.setServerColumn(ctx, id, "is_verified = ?", verified)
}

func (s *Store) SetMemberCount(ctx context.Context, id string, count int) error {
	_, err := s.setServerColumn(ctx, id, "member_count = ?", count)
	return err
}

func (s *Store) setServerColumn(ctx context.Context, id, expr string, value any) (*models.Server, error) {
	if !validID(id) {
		return nil, storage.ErrNotFound
	}
	row := new(serverRow)
	err := s.db.NewUpdate().
		Model(row).
		Set(expr, value).
		Where("id = ?", id).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update server: %w", err)
	}
	m := row.toModel()
	return &m, nil
}

// ClaimServersForRefresh uses SKIP LOCKED so concurrent workers never claim
// the same rows.
func (s *Store) ClaimServersForRefresh(ctx context.Context, staleBefore, now time.Time, limit int) ([]models.Server, error) {
	var rows []serverRow
	err := s.db.NewRaw(`
		UPDATE servers SET member_checked_at = ?
		WHERE id IN (
			SELECT id FROM servers
			WHERE member_checked_at IS NULL OR member_checked_at < ?
			ORDER BY member_checked_at ASC NULLS FIRST
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, now, staleBefore, limit).
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim servers: %w", err)
	}
	return serverModels(rows), nil
}

// Bump runs the cooldown check and both writes in one transaction. The
// listing row lock serializes concurrent bumps of the same listing.
func (s *Store) Bump(ctx context.Context, userID, serverID string, at time.Time, cooldown time.Duration) (*models.BumpLog, error) {
	if !validID(serverID) || !validID(userID) {
		return nil, storage.ErrNotFound
	}

	entry := &bumpRow{
		ID:       uuid.NewString(),
		UserID:   userID,
		ServerID: serverID,
		BumpedAt: at,
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var lockedID string
		err := tx.NewRaw("SELECT id FROM servers WHERE id = ? FOR UPDATE", serverID).Scan(ctx, &lockedID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to lock server: %w", err)
		}

		last := new(bumpRow)
		err = tx.NewSelect().
			Model(last).
			Where("user_id = ?", userID).
			Where("server_id = ?", serverID).
			Where("bumped_at >= ?", at.Add(-cooldown)).
			OrderExpr("bumped_at DESC").
			Limit(1).
			Scan(ctx)
		if err == nil {
			return &storage.CooldownError{LastBumpAt: last.BumpedAt}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check cooldown: %w", err)
		}

		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			if isForeignKeyViolation(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to insert bump log: %w", err)
		}

		_, err = tx.NewUpdate().
			Model((*serverRow)(nil)).
			Set("last_bumped_at = ?", at).
			Where("id = ?", serverID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to stamp server bump: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry.toModel(), nil
}

func (s *Store) LastBump(ctx context.Context, userID, serverID string) (*models.BumpLog, error) {
	if !validID(serverID) || !validID(userID) {
		return nil, storage.ErrNotFound
	}
	row := new(bumpRow)
	err := s.db.NewSelect().
		Model(row).
		Where("user_id = ?", userID).
		Where("server_id = ?", serverID).
		OrderExpr("bumped_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last bump: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) CountBumps(ctx context.Context, userID, serverID string) (int, error) {
	if !validID(serverID) || !validID(userID) {
		return 0, nil
	}
	n, err := s.db.NewSelect().
		Model((*bumpRow)(nil)).
		Where("user_id = ?", userID).
		Where("server_id = ?", serverID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count bumps: %w", err)
	}
	return n, nil
}

func (s *Store) CreateReport(ctx context.Context, r *models.Report) error {
	if !validID(r.ServerID) || !validID(r.ReporterID) {
		return storage.ErrNotFound
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	row := &reportRow{
		ID:         r.ID,
		ReporterID: r.ReporterID,
		ServerID:   r.ServerID,
		Reason:     r.Reason,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

func (s *Store) ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error) {
	var rows []reportRow
	sel := s.db.NewSelect().Model(&rows).OrderExpr("created_at DESC")
	if status != "" {
		sel = sel.Where("status = ?", string(status))
	}
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	out := make([]models.Report, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toModel())
	}
	return out, nil
}

func (s *Store) SetReportStatus(ctx context.Context, id string, status models.ReportStatus) (*models.Report, error) {
	if !validID(id) {
		return nil, storage.ErrNotFound
	}
	row := new(reportRow)
	err := s.db.NewUpdate().
		Model(row).
		Set("status = ?", string(status)).
		Where("id = ?", id).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update report: %w", err)
	}
	return row.toModel(), nil
}
