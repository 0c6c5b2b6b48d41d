package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	ReasonMinLength = 10
	ReasonMaxLength = 1000
)

type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

func (s ReportStatus) Valid() bool {
	switch s {
	case ReportPending, ReportResolved, ReportDismissed:
		return true
	}
	return false
}

// Report is a flag raised by a user against a listing.
type Report struct {
	ID         string       `json:"id"`
	ReporterID string       `json:"reporter_id"`
	ServerID   string       `json:"server_id"`
	Reason     string       `json:"reason"`
	Status     ReportStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

type CreateReportRequest struct {
	Reason         string `json:"reason"`
	RecaptchaToken string `json:"recaptchaToken,omitempty"`
}

func (r *CreateReportRequest) Validate() map[string]string {
	errors := make(map[string]string)

	reason := strings.TrimSpace(r.Reason)
	switch n := utf8.RuneCountInString(reason); {
	case n == 0:
		errors["reason"] = "Reason is required"
	case n < ReasonMinLength:
		errors["reason"] = "Reason must be at least 10 characters"
	case n > ReasonMaxLength:
		errors["reason"] = "Reason is too long"
	}

	return errors
}
