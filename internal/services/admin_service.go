package services

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

const moderationPageSize = 100

// AdminService backs both the admin HTTP panel and the admin CLI.
type AdminService struct {
	store storage.Store
}

func NewAdminService(store storage.Store) *AdminService {
	return &AdminService{store: store}
}

func (s *AdminService) PendingServers(ctx context.Context) ([]models.Server, error) {
	list, err := s.store.ListPendingServers(ctx, moderationPageSize)
	if err != nil {
		return nil, unavailable("pending servers", err)
	}
	return list, nil
}

func (s *AdminService) SetApproved(ctx context.Context, serverID string, approved bool) (*models.Server, error) {
	srv, err := s.store.SetServerApproved(ctx, serverID, approved)
	if err != nil {
		return nil, s.serverErr("set approved", err)
	}
	log.WithFields(log.Fields{"server_id": serverID, "approved": approved}).Info("listing approval changed")
	return srv, nil
}

func (s *AdminService) SetVerified(ctx context.Context, serverID string, verified bool) (*models.Server, error) {
	srv, err := s.store.SetServerVerified(ctx, serverID, verified)
	if err != nil {
		return nil, s.serverErr("set verified", err)
	}
	log.WithFields(log.Fields{"server_id": serverID, "verified": verified}).Info("listing verification changed")
	return srv, nil
}

// Reports lists reports with the given status; an empty status lists all.
func (s *AdminService) Reports(ctx context.Context, status models.ReportStatus) ([]models.Report, error) {
	if status != "" && !status.Valid() {
		return nil, newValidationError(map[string]string{"status": "Unknown report status"})
	}
	list, err := s.store.ListReports(ctx, status, moderationPageSize)
	if err != nil {
		return nil, unavailable("list reports", err)
	}
	return list, nil
}

func (s *AdminService) ResolveReport(ctx context.Context, reportID string) (*models.Report, error) {
	return s.setReportStatus(ctx, reportID, models.ReportResolved)
}

func (s *AdminService) DismissReport(ctx context.Context, reportID string) (*models.Report, error) {
	return s.setReportStatus(ctx, reportID, models.ReportDismissed)
}

func (s *AdminService) setReportStatus(ctx context.Context, reportID string, status models.ReportStatus) (*models.Report, error) {
	r, err := s.store.SetReportStatus(ctx, reportID, status)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, unavailable("set report status", err)
	}
	log.WithFields(log.Fields{"report_id": reportID, "status": status}).Info("report status changed")
	return r, nil
}

// SetRole changes the role of the user linked to discordID. Users only exist
// after their first login.
func (s *AdminService) SetRole(ctx context.Context, discordID string, role models.Role) (*models.User, error) {
	discordID = strings.TrimSpace(discordID)
	if discordID == "" {
		return nil, newValidationError(map[string]string{"discord_id": "Discord id is required"})
	}
	if !role.Valid() {
		return nil, newValidationError(map[string]string{"role": "Unknown role"})
	}
	u, err := s.store.SetUserRole(ctx, discordID, role)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable("set role", err)
	}
	log.WithFields(log.Fields{"discord_id": discordID, "role": role}).Info("user role changed")
	return u, nil
}

func (s *AdminService) serverErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrServerNotFound
	}
	return unavailable(op, err)
}
