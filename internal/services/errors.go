package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrServerNotFound covers both a missing listing and one the caller does
	// not own.
	ErrServerNotFound   = errors.New("server not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrReportNotFound   = errors.New("report not found")
	ErrQuotaExceeded    = errors.New("server quota exceeded")
	ErrCooldownActive   = errors.New("bump cooldown active")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCaptchaFailed    = errors.New("captcha verification failed")
)

// ValidationError lists the offending fields and their messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidationError(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// CooldownError is returned for a bump inside the cooldown window.
type CooldownError struct {
	RetryAt time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s until %s", ErrCooldownActive, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}

// unavailable wraps a backend failure so callers can match ErrStoreUnavailable
// while logs keep the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
