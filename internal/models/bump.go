package models

import "time"

type BumpLog struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	ServerID string    `json:"server_id"`
	BumpedAt time.Time `json:"bumped_at"`
}

// BumpStatus tells a user whether they can bump a listing right now.
type BumpStatus struct {
	ServerID   string     `json:"server_id"`
	CanBump    bool       `json:"can_bump"`
	LastBumpAt *time.Time `json:"last_bump_at,omitempty"`
	NextBumpAt *time.Time `json:"next_bump_at,omitempty"`
	TotalBumps int        `json:"total_bumps"`
}
