package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/guildindex/backend/internal/models"
)

type userRow struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        string    `bun:"id,pk,type:uuid"`
	DiscordID string    `bun:"discord_id,notnull"`
	Username  string    `bun:"username,notnull"`
	AvatarURL string    `bun:"avatar_url,nullzero"`
	Role      string    `bun:"role,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func (r *userRow) toModel() *models.User {
	return &models.User{
		ID:        r.ID,
		DiscordID: r.DiscordID,
		Username:  r.Username,
		AvatarURL: r.AvatarURL,
		Role:      models.Role(r.Role),
		CreatedAt: r.CreatedAt,
	}
}

type serverRow struct {
	bun.BaseModel `bun:"table:servers,alias:s"`

	ID              string     `bun:"id,pk,type:uuid"`
	OwnerID         string     `bun:"owner_id,type:uuid,notnull"`
	Name            string     `bun:"name,notnull"`
	Description     string     `bun:"description,notnull"`
	InviteLink      string     `bun:"invite_link,notnull"`
	Tags            []string   `bun:"tags,array"`
	Language        string     `bun:"language,notnull"`
	Region          string     `bun:"region,notnull"`
	MemberCount     int        `bun:"member_count,notnull"`
	IsVerified      bool       `bun:"is_verified,notnull"`
	IsApproved      bool       `bun:"is_approved,notnull"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	IconURL         string     `bun:"icon_url,nullzero"`
	BannerURL       string     `bun:"banner_url,nullzero"`
	LastBumpedAt    *time.Time `bun:"last_bumped_at"`
	MemberCheckedAt *time.Time `bun:"member_checked_at"`
}

func serverRowFrom(s *models.Server) *serverRow {
	return &serverRow{
		ID:              s.ID,
		OwnerID:         s.OwnerID,
		Name:            s.Name,
		Description:     s.Description,
		InviteLink:      s.InviteLink,
		Tags:            s.Tags,
		Language:        s.Language,
		Region:          s.Region,
		MemberCount:     s.MemberCount,
		IsVerified:      s.IsVerified,
		IsApproved:      s.IsApproved,
		CreatedAt:       s.CreatedAt,
		IconURL:         s.IconURL,
		BannerURL:       s.BannerURL,
		LastBumpedAt:    s.LastBumpedAt,
		MemberCheckedAt: s.MemberCheckedAt,
	}
}

func (r *serverRow) toModel() models.Server {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return models.Server{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Name:            r.Name,
		Description:     r.Description,
		InviteLink:      r.InviteLink,
		Tags:            tags,
		Language:        r.Language,
		Region:          r.Region,
		MemberCount:     r.MemberCount,
		IsVerified:      r.IsVerified,
		IsApproved:      r.IsApproved,
		CreatedAt:       r.CreatedAt,
		IconURL:         r.IconURL,
		BannerURL:       r.BannerURL,
		LastBumpedAt:    r.LastBumpedAt,
		MemberCheckedAt: r.MemberCheckedAt,
	}
}

func serverModels(rows []serverRow) []models.Server {
	out := make([]models.Server, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}

type bumpRow struct {
	bun.BaseModel `bun:"table:bump_logs,alias:b"`

	ID       string    `bun:"id,pk,type:uuid"`
	UserID   string    `bun:"user_id,type:uuid,notnull"`
	ServerID string    `bun:"server_id,type:uuid,notnull"`
	BumpedAt time.Time `bun:"bumped_at,notnull"`
}

func (r *bumpRow) toModel() *models.BumpLog {
	return &models.BumpLog{
		ID:       r.ID,
		UserID:   r.UserID,
		ServerID: r.ServerID,
		BumpedAt: r.BumpedAt,
	}
}

type reportRow struct {
	bun.BaseModel `bun:"table:reports,alias:r"`

	ID         string    `bun:"id,pk,type:uuid"`
	ReporterID string    `bun:"reporter_id,type:uuid,notnull"`
	ServerID   string    `bun:"server_id,type:uuid,notnull"`
	Reason     string    `bun:"reason,notnull"`
	Status     string    `bun:"status,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

func (r *reportRow) toModel() *models.Report {
	return &models.Report{
		ID:         r.ID,
		ReporterID: r.ReporterID,
		ServerID:   r.ServerID,
		Reason:     r.Reason,
		Status:     models.ReportStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}
}
