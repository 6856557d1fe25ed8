package storage

import (
	"context"
	"time"

	"github.com/devpulse/devpulse/internal/domain"
)

// UserStore persists connected GitHub accounts
type UserStore interface {
	UpsertUser(ctx context.Context, user *domain.User) (*domain.User, error)
	GetUserByID(ctx context.Context, id int64) (*domain.User, error)
	GetUserByLogin(ctx context.Context, login string) (*domain.User, error)
}

// RepositoryStore persists tracked repositories and their selection state
type RepositoryStore interface {
	UpsertRepository(ctx context.Context, repo *domain.Repository) (*domain.Repository, error)
	GetRepositoryByID(ctx context.Context, id int64) (*domain.Repository, error)
	GetRepositoriesByUser(ctx context.Context, userID int64) ([]*domain.Repository, error)
	GetSelectedRepositories(ctx context.Context, userID int64) ([]*domain.Repository, error)
	SetSelectedRepositories(ctx context.Context, userID int64, repoIDs []int64) error
	MarkRepositorySynced(ctx context.Context, repoID int64, at time.Time) error
}

// ActivityStore is the event store: keyed upserts in, window reads out
type ActivityStore interface {
	// UpsertActivity inserts or overwrites the row keyed by
	// (repo, kind, external id). Events without an external id always insert.
	UpsertActivity(ctx context.Context, event *domain.ActivityEvent) error
	UpsertActivities(ctx context.Context, events []*domain.ActivityEvent) error

	// GetActivitiesByRepoAndRange returns events with start <= timestamp <= end,
	// newest first
	GetActivitiesByRepoAndRange(ctx context.Context, repoID int64, start, end time.Time) ([]*domain.ActivityEvent, error)
	// GetActivitiesByRepo returns the most recent events up to limit
	GetActivitiesByRepo(ctx context.Context, repoID int64, limit int) ([]*domain.ActivityEvent, error)
	CountActivitiesByRepo(ctx context.Context, repoID int64) (int64, error)
}

// DigestStore persists generated digests, one live row per (repo, period)
type DigestStore interface {
	UpsertDigest(ctx context.Context, digest *domain.Digest) (*domain.Digest, error)
	GetDigest(ctx context.Context, repoID int64, start, end time.Time) (*domain.Digest, error)
	GetDigestByID(ctx context.Context, id int64) (*domain.Digest, error)
	GetLatestDigest(ctx context.Context, repoID int64) (*domain.Digest, error)
	GetDigestsByRepo(ctx context.Context, repoID int64) ([]*domain.Digest, error)
	SoftDeleteDigest(ctx context.Context, id int64) error
}

// Storage is the abstract interface for the persistence layer
type Storage interface {
	UserStore
	RepositoryStore
	ActivityStore
	DigestStore

	// Migration
	Migrate(ctx context.Context) error

	// Connection management
	Close() error
}
