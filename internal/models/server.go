package models

import (
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	NameMinLength        = 3
	NameMaxLength        = 100
	DescriptionMinLength = 50
	DescriptionMaxLength = 2000
	MinTags              = 1
	MaxTags              = 5
)

// Server is a directory listing for a Discord community.
type Server struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	InviteLink      string     `json:"invite_link"`
	Tags            []string   `json:"tags"`
	Language        string     `json:"language"`
	Region          string     `json:"region"`
	MemberCount     int        `json:"member_count"`
	IsVerified      bool       `json:"is_verified"`
	IsApproved      bool       `json:"is_approved"`
	IconURL         string     `json:"icon_url,omitempty"`
	BannerURL       string     `json:"banner_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastBumpedAt    *time.Time `json:"last_bumped_at,omitempty"`
	MemberCheckedAt *time.Time `json:"member_checked_at,omitempty"`
}

// Clone returns a deep copy so callers never share the tag slice or timestamps.
func (s *Server) Clone() *Server {
	if s == nil {
		return nil
	}
	out := *s
	out.Tags = append([]string(nil), s.Tags...)
	if s.LastBumpedAt != nil {
		t := *s.LastBumpedAt
		out.LastBumpedAt = &t
	}
	if s.MemberCheckedAt != nil {
		t := *s.MemberCheckedAt
		out.MemberCheckedAt = &t
	}
	return &out
}

func (s *Server) HasTag(tag string) bool {
	return contains(s.Tags, tag)
}

// ServerFields are the owner-editable attributes of a listing.
type ServerFields struct {
	Name        string
	Description string
	InviteLink  string
	Tags        []string
	Language    string
	Region      string
	IconURL     string
	BannerURL   string
}

func (f ServerFields) Apply(s *Server) {
	s.Name = f.Name
	s.Description = f.Description
	s.InviteLink = f.InviteLink
	s.Tags = append([]string(nil), f.Tags...)
	s.Language = f.Language
	s.Region = f.Region
	s.IconURL = f.IconURL
	s.BannerURL = f.BannerURL
}

// ServerRequest is the body of both submission and edit.
type ServerRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InviteLink  string   `json:"invite_link"`
	Tags        []string `json:"tags"`
	Language    string   `json:"language"`
	Region      string   `json:"region"`
	IconURL     string   `json:"icon_url"`
	BannerURL   string   `json:"banner_url"`
}

// Fields returns the trimmed form of the request.
func (r *ServerRequest) Fields() ServerFields {
	tags := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		tags = append(tags, strings.TrimSpace(t))
	}
	return ServerFields{
		Name:        strings.TrimSpace(r.Name),
		Description: strings.TrimSpace(r.Description),
		InviteLink:  strings.TrimSpace(r.InviteLink),
		Tags:        tags,
		Language:    strings.TrimSpace(r.Language),
		Region:      strings.TrimSpace(r.Region),
		IconURL:     strings.TrimSpace(r.IconURL),
		BannerURL:   strings.TrimSpace(r.BannerURL),
	}
}

func (r *ServerRequest) Validate() map[string]string {
	errors := make(map[string]string)
	f := r.Fields()

	switch n := utf8.RuneCountInString(f.Name); {
	case n < NameMinLength:
		errors["name"] = "Server name must be at least 3 characters"
	case n > NameMaxLength:
		errors["name"] = "Server name must be at most 100 characters"
	}

	switch n := utf8.RuneCountInString(f.Description); {
	case n < DescriptionMinLength:
		errors["description"] = "Description must be at least 50 characters"
	case n > DescriptionMaxLength:
		errors["description"] = "Description must be at most 2000 characters"
	}

	if f.InviteLink == "" {
		errors["invite_link"] = "Invite link is required"
	} else if _, ok := InviteCode(f.InviteLink); !ok {
		errors["invite_link"] = "Must be a Discord invite link"
	}

	if f.Language == "" {
		errors["language"] = "Please select a language"
	} else if !IsLanguage(f.Language) {
		errors["language"] = "Unknown language"
	}

	if f.Region == "" {
		errors["region"] = "Please select a region"
	} else if !IsRegion(f.Region) {
		errors["region"] = "Unknown region"
	}

	if msg := validateTags(f.Tags); msg != "" {
		errors["tags"] = msg
	}

	if f.IconURL != "" && !isWebURL(f.IconURL) {
		errors["icon_url"] = "Please enter a valid URL"
	}
	if f.BannerURL != "" && !isWebURL(f.BannerURL) {
		errors["banner_url"] = "Please enter a valid URL"
	}

	return errors
}

func validateTags(tags []string) string {
	if len(tags) < MinTags {
		return "Select at least 1 tag"
	}
	if len(tags) > MaxTags {
		return "You can select up to 5 tags"
	}
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if !IsTag(t) {
			return "Unknown tag: " + t
		}
		if seen[t] {
			return "Tags must be unique"
		}
		seen[t] = true
	}
	return ""
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

var inviteCodePattern = regexp.MustCompile(`^[A-Za-z0-9-]{2,32}$`)

// InviteCode extracts the invite code from a discord.gg, discord.com/invite or
// discordapp.com/invite link.
func InviteCode(link string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.Trim(u.Path, "/")

	var code string
	switch host {
	case "discord.gg":
		code = path
	case "discord.com", "discordapp.com":
		rest, ok := strings.CutPrefix(path, "invite/")
		if !ok {
			return "", false
		}
		code = rest
	default:
		return "", false
	}

	if !inviteCodePattern.MatchString(code) {
		return "", false
	}
	return code, true
}

type SortKey string

const (
	SortTop    SortKey = "top"
	SortNew    SortKey = "new"
	SortBumped SortKey = "bumped"
)

// ParseSortKey falls back to top for empty or unknown input.
func ParseSortKey(v string) SortKey {
	switch SortKey(strings.ToLower(strings.TrimSpace(v))) {
	case SortNew:
		return SortNew
	case SortBumped:
		return SortBumped
	default:
		return SortTop
	}
}

// BrowseQuery holds the public browse filters.
type BrowseQuery struct {
	Category string  `json:"category,omitempty"`
	Language string  `json:"language,omitempty"`
	Search   string  `json:"q,omitempty"`
	Sort     SortKey `json:"sort"`
}
