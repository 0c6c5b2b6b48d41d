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

type ReportService struct {
	store    storage.Store
	notifier Notifier
	captcha  CaptchaVerifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewReportService(store storage.Store, notifier Notifier, captcha CaptchaVerifier, m *metrics.Metrics) *ReportService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ReportService{
		store:    store,
		notifier: notifier,
		captcha:  captcha,
		metrics:  m,
		now:      time.Now,
	}
}

// Create files a pending report against a listing. When a captcha verifier is
// enabled the request token must pass it.
func (s *ReportService) Create(ctx context.Context, reporterID, serverID string, req *models.CreateReportRequest, remoteIP string) (*models.Report, error) {
	if err := newValidationError(req.Validate()); err != nil {
		return nil, err
	}

	if s.captcha != nil && s.captcha.Enabled() {
		ok, reason, err := s.captcha.Verify(ctx, req.RecaptchaToken, remoteIP)
		if err != nil {
			log.WithError(err).Warn("captcha verification errored")
			return nil, ErrCaptchaFailed
		}
		if !ok {
			log.WithField("reason", reason).Info("captcha rejected report")
			return nil, ErrCaptchaFailed
		}
	}

	srv, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, unavailable("report lookup", err)
	}

	report := &models.Report{
		ID:         uuid.NewString(),
		ReporterID: reporterID,
		ServerID:   srv.ID,
		Reason:     strings.TrimSpace(req.Reason),
		Status:     models.ReportPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateReport(ctx, report); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, unavailable("create report", err)
	}
	s.metrics.ObserveReport()

	if err := s.notifier.ServerReported(ctx, report, srv); err != nil {
		log.WithError(err).WithField("report_id", report.ID).Warn("report notification failed")
	}
	return report, nil
}
