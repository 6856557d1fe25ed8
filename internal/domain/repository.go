package domain

import "time"

// Repository represents a GitHub repository tracked for a user
type Repository struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	GitHubID     int64      `json:"github_id"`
	Owner        string     `json:"owner"`
	Name         string     `json:"name"`
	FullName     string     `json:"full_name"`
	IsPrivate    bool       `json:"is_private"`
	IsSelected   bool       `json:"is_selected"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// User represents a connected GitHub account. The OAuth handshake happens
// elsewhere; only the resulting login and access token are stored here.
type User struct {
	ID          int64     `json:"id"`
	GitHubID    int64     `json:"github_id"`
	Login       string    `json:"login"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
