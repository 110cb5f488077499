package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to a canonical Cirql user id and
// carries the profile fields shown in place rosters.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	Headline    string    `gorm:"column:user_headline;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the display-ready view of a user.
type Profile struct {
	UserID            string `json:"userId"`
	DisplayName       string `json:"displayName"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
	Headline          string `json:"headline,omitempty"`
}

func (i Identity) profile() Profile {
	return Profile{
		UserID:            i.UserID,
		DisplayName:       i.DisplayName,
		ProfilePictureURL: i.AvatarURL,
		Headline:          i.Headline,
	}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
