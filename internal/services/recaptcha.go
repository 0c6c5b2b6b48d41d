package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CaptchaVerifier checks a client-side challenge token.
type CaptchaVerifier interface {
	Enabled() bool
	Verify(ctx context.Context, token, remoteIP string) (bool, string, error)
}

const recaptchaEndpoint = "https://www.google.com/recaptcha/api/siteverify"

type RecaptchaVerifier struct {
	Secret     string
	Endpoint   string
	HTTPClient *http.Client
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

func NewRecaptchaVerifier(secret string) *RecaptchaVerifier {
	return &RecaptchaVerifier{
		Secret:   strings.TrimSpace(secret),
		Endpoint: recaptchaEndpoint,
		HTTPClient: &http.Client{
			Timeout: 8 * time.Second,
		},
	}
}

// Enabled is false when no secret is configured; reports are then accepted
// without a token.
func (v *RecaptchaVerifier) Enabled() bool {
	return v != nil && v.Secret != ""
}

// Verify checks a reCAPTCHA v2 token. The string result is a short reason when
// verification did not pass.
func (v *RecaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, string, error) {
	if !v.Enabled() {
		return false, "verifier_not_configured", nil
	}
	tok := strings.TrimSpace(token)
	if tok == "" {
		return false, "missing_token", nil
	}

	form := url.Values{}
	form.Set("secret", v.Secret)
	form.Set("response", tok)
	if ip := strings.TrimSpace(remoteIP); ip != "" {
		form.Set("remoteip", ip)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := v.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("recaptcha verify http %d", resp.StatusCode)
	}

	var out siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", err
	}
	switch {
	case out.Success:
		return true, "", nil
	case len(out.ErrorCodes) > 0:
		return false, strings.Join(out.ErrorCodes, ","), nil
	default:
		return false, "verification_failed", nil
	}
}
