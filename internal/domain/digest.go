package domain

import "time"

// Digest is a generated engineering summary for one repository and one
// period. At most one live digest exists per (repo, period) pair;
// regeneration overwrites in place. Deleted digests keep their row with
// the flag set.
type Digest struct {
	ID           int64     `json:"id"`
	RepoID       int64     `json:"repo_id"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	Text         string    `json:"text"`
	ModelVersion string    `json:"model_version"`
	Deleted      bool      `json:"deleted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
