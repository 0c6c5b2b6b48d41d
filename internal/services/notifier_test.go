package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildindex/backend/internal/models"
)

const testWebhookURL = "https://discord.com/api/webhooks/123456789012345678/secret-token"

// redirectTransport sends every request to the test server instead of Discord.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestWebhook(t *testing.T, handler http.HandlerFunc, siteURL string) *WebhookNotifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	n, err := NewWebhookNotifier(testWebhookURL, siteURL)
	require.NoError(t, err)
	n.session.Client = &http.Client{Transport: redirectTransport{target: target}, Timeout: 5 * time.Second}
	return n
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := ParseWebhookURL(testWebhookURL)
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678", id)
	assert.Equal(t, "secret-token", token)

	id, _, err = ParseWebhookURL(" https://discordapp.com/api/webhooks/42/tok/ ")
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	for _, bad := range []string{
		"",
		"not a url",
		"https://discord.com/api/webhooks/123",
		"https://discord.com/api/webhooks/abc/token",
		"https://discord.com/channels/1/2",
	} {
		_, _, err := ParseWebhookURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestWebhookNotifier_ServerSubmitted(t *testing.T) {
	var got discordgo.WebhookParams
	n := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/webhooks/123456789012345678/secret-token"), r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("wait"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}, "https://guildindex.example/")

	err := n.ServerSubmitted(context.Background(), &models.Server{
		ID:         "abc",
		Name:       "Pixel Guild",
		InviteLink: "https://discord.gg/pixel",
		Tags:       []string{"Art", "Gaming"},
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "Guild Index", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "https://guildindex.example/servers/abc", got.Embeds[0].URL)
	assert.Equal(t, "Pixel Guild", got.Embeds[0].Description)
	assert.Equal(t, "Art, Gaming", got.Embeds[0].Fields[1].Value)
}

func TestWebhookNotifier_Errors(t *testing.T) {
	n := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": 50006, "message": "Cannot send an empty message"}`))
	}, "")

	err := n.InviteExpired(context.Background(), &models.Server{ID: "x"})
	var restErr *discordgo.RESTError
	require.True(t, errors.As(err, &restErr))
	assert.Equal(t, http.StatusBadRequest, restErr.Response.StatusCode)

	_, err = NewWebhookNotifier("", "")
	assert.Error(t, err)

	unconfigured := &WebhookNotifier{}
	assert.Error(t, unconfigured.ServerReported(context.Background(), &models.Report{}, &models.Server{}))
	assert.Error(t, unconfigured.ServerSubmitted(context.Background(), &models.Server{}))
}
