package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildindex/backend/internal/models"
)

// Notifier tells moderators about things that need a human.
type Notifier interface {
	ServerSubmitted(ctx context.Context, srv *models.Server) error
	ServerReported(ctx context.Context, report *models.Report, srv *models.Server) error
	InviteExpired(ctx context.Context, srv *models.Server) error
}

type NopNotifier struct{}

func (NopNotifier) ServerSubmitted(context.Context, *models.Server) error { return nil }
func (NopNotifier) ServerReported(context.Context, *models.Report, *models.Server) error {
	return nil
}
func (NopNotifier) InviteExpired(context.Context, *models.Server) error { return nil }

const (
	colorSubmitted = 0x5865F2
	colorReported  = 0xED4245
	colorExpired   = 0xFEE75C
)

// WebhookNotifier posts embeds to a Discord channel webhook.
type WebhookNotifier struct {
	WebhookID string
	Token     string
	SiteURL   string
	session   *discordgo.Session
}

// NewWebhookNotifier accepts a channel webhook URL as Discord hands it out,
// https://discord.com/api/webhooks/{id}/{token}.
func NewWebhookNotifier(webhookURL, siteURL string) (*WebhookNotifier, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	session.Client = &http.Client{Timeout: 10 * time.Second}
	return &WebhookNotifier{
		WebhookID: id,
		Token:     token,
		SiteURL:   strings.TrimRight(siteURL, "/"),
		session:   session,
	}, nil
}

// ParseWebhookURL extracts the webhook id and token from a webhook URL.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("invalid webhook url %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			id, token = parts[i+1], parts[i+2]
			break
		}
	}
	if id == "" || token == "" {
		return "", "", fmt.Errorf("webhook url %q has no id and token", raw)
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", "", fmt.Errorf("webhook url %q has a malformed id", raw)
	}
	return id, token, nil
}

func (n *WebhookNotifier) serverURL(id string) string {
	return n.SiteURL + "/servers/" + id
}

func (n *WebhookNotifier) ServerSubmitted(ctx context.Context, srv *models.Server) error {
	return n.send(ctx, &discordgo.MessageEmbed{
		Title:       "New listing awaiting approval",
		URL:         n.serverURL(srv.ID),
		Description: srv.Name,
		Color:       colorSubmitted,
		Timestamp:   srv.CreatedAt.UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Invite", Value: srv.InviteLink},
			{Name: "Tags", Value: strings.Join(srv.Tags, ", "), Inline: true},
			{Name: "Language", Value: srv.Language, Inline: true},
			{Name: "Region", Value: srv.Region, Inline: true},
		},
	})
}

func (n *WebhookNotifier) ServerReported(ctx context.Context, report *models.Report, srv *models.Server) error {
	return n.send(ctx, &discordgo.MessageEmbed{
		Title:       "Listing reported",
		URL:         n.serverURL(srv.ID),
		Description: report.Reason,
		Color:       colorReported,
		Timestamp:   report.CreatedAt.UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Listing", Value: srv.Name, Inline: true},
			{Name: "Report", Value: report.ID, Inline: true},
		},
	})
}

func (n *WebhookNotifier) InviteExpired(ctx context.Context, srv *models.Server) error {
	return n.send(ctx, &discordgo.MessageEmbed{
		Title:       "Listing invite is no longer valid",
		URL:         n.serverURL(srv.ID),
		Description: srv.Name,
		Color:       colorExpired,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Invite", Value: srv.InviteLink},
		},
	})
}

func (n *WebhookNotifier) send(ctx context.Context, embed *discordgo.MessageEmbed) error {
	if n == nil || n.session == nil || n.WebhookID == "" {
		return fmt.Errorf("moderation webhook not configured")
	}

	_, err := n.session.WebhookExecute(n.WebhookID, n.Token, false, &discordgo.WebhookParams{
		Username:        "Guild Index",
		Embeds:          []*discordgo.MessageEmbed{embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("execute webhook: %w", err)
	}
	return nil
}
