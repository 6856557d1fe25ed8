package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
	"github.com/devpulse/devpulse/internal/storage"
)

// postgresStorage implements the Storage interface for PostgreSQL
type postgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(connURL string) (storage.Storage, error) {
	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &postgresStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *postgresStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		github_id BIGINT NOT NULL DEFAULT 0,
		login TEXT NOT NULL UNIQUE,
		access_token TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		github_id BIGINT NOT NULL,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		is_selected BOOLEAN NOT NULL DEFAULT FALSE,
		last_synced_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, github_id)
	);

	CREATE INDEX IF NOT EXISTS idx_repositories_user ON repositories(user_id);
	CREATE INDEX IF NOT EXISTS idx_repositories_selected ON repositories(user_id, is_selected);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		github_id TEXT,
		author TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		raw_payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (repo_id, event_type, github_id)
	);

	CREATE INDEX IF NOT EXISTS idx_activities_repo_timestamp ON activities(repo_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(event_type);

	CREATE TABLE IF NOT EXISTS digests (
		id BIGSERIAL PRIMARY KEY,
		repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		digest_text TEXT NOT NULL,
		model_version TEXT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (repo_id, period_start, period_end)
	);

	CREATE INDEX IF NOT EXISTS idx_digests_repo ON digests(repo_id, period_start);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// UpsertUser inserts or updates a user keyed by login
func (s *postgresStorage) UpsertUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (github_id, login, access_token)
		VALUES ($1, $2, $3)
		ON CONFLICT (login) DO UPDATE SET
			github_id = EXCLUDED.github_id,
			access_token = EXCLUDED.access_token,
			updated_at = NOW()
		RETURNING id, github_id, login, access_token, created_at, updated_at
	`, user.GitHubID, user.Login, user.AccessToken)
	return scanUser(row)
}

// GetUserByID retrieves a user by internal id
func (s *postgresStorage) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, github_id, login, access_token, created_at, updated_at
		FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

// GetUserByLogin retrieves a user by GitHub login
func (s *postgresStorage) GetUserByLogin(ctx context.Context, login string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, github_id, login, access_token, created_at, updated_at
		FROM users WHERE login = $1
	`, login)
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.GitHubID, &u.Login, &u.AccessToken, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("user")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertRepository inserts or updates a repository keyed by (user, GitHub id)
func (s *postgresStorage) UpsertRepository(ctx context.Context, repo *domain.Repository) (*domain.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO repositories (user_id, github_id, owner, name, full_name, is_private)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, github_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			full_name = EXCLUDED.full_name,
			is_private = EXCLUDED.is_private,
			updated_at = NOW()
		RETURNING id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
	`, repo.UserID, repo.GitHubID, repo.Owner, repo.Name, repo.FullName, repo.IsPrivate)
	return scanRepository(row)
}

// GetRepositoryByID retrieves a repository by internal id
func (s *postgresStorage) GetRepositoryByID(ctx context.Context, id int64) (*domain.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
		FROM repositories WHERE id = $1
	`, id)
	return scanRepository(row)
}

// GetRepositoriesByUser retrieves all repositories tracked for a user
func (s *postgresStorage) GetRepositoriesByUser(ctx context.Context, userID int64) ([]*domain.Repository, error) {
	return s.queryRepositories(ctx, `
		SELECT id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
		FROM repositories WHERE user_id = $1 ORDER BY name
	`, userID)
}

// GetSelectedRepositories retrieves the user's selected repositories
func (s *postgresStorage) GetSelectedRepositories(ctx context.Context, userID int64) ([]*domain.Repository, error) {
	return s.queryRepositories(ctx, `
		SELECT id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
		FROM repositories WHERE user_id = $1 AND is_selected = TRUE ORDER BY name
	`, userID)
}

// SetSelectedRepositories replaces the user's selection; at most three
// repositories stay selected, extras are dropped
func (s *postgresStorage) SetSelectedRepositories(ctx context.Context, userID int64, repoIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE repositories SET is_selected = FALSE WHERE user_id = $1`, userID); err != nil {
		return err
	}

	if len(repoIDs) > 3 {
		repoIDs = repoIDs[:3]
	}
	for _, id := range repoIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE repositories SET is_selected = TRUE WHERE user_id = $1 AND id = $2`, userID, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkRepositorySynced records the last successful ingestion time
func (s *postgresStorage) MarkRepositorySynced(ctx context.Context, repoID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET last_synced_at = $1, updated_at = NOW() WHERE id = $2
	`, at.UTC(), repoID)
	return err
}

func (s *postgresStorage) queryRepositories(ctx context.Context, query string, args ...interface{}) ([]*domain.Repository, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func scanRepository(row rowScanner) (*domain.Repository, error) {
	var r domain.Repository
	var lastSynced sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.GitHubID, &r.Owner, &r.Name, &r.FullName,
		&r.IsPrivate, &r.IsSelected, &lastSynced, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("repository")
	}
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		r.LastSyncedAt = &t
	}
	return &r, nil
}

// UpsertActivity saves one activity event, overwriting the row with the
// same (repo, kind, external id). Rows without an external id always insert.
func (s *postgresStorage) UpsertActivity(ctx context.Context, event *domain.ActivityEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (id, repo_id, event_type, github_id, author, timestamp, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (repo_id, event_type, github_id) DO UPDATE SET
			author = EXCLUDED.author,
			timestamp = EXCLUDED.timestamp,
			raw_payload = EXCLUDED.raw_payload
	`, event.ID, event.RepoID, string(event.Kind), nullString(event.ExternalID),
		event.Author, event.Timestamp.UTC(), string(payloadJSON), event.CreatedAt.UTC())
	return err
}

// UpsertActivities saves multiple activity events in one transaction
func (s *postgresStorage) UpsertActivities(ctx context.Context, events []*domain.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activities (id, repo_id, event_type, github_id, author, timestamp, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (repo_id, event_type, github_id) DO UPDATE SET
			author = EXCLUDED.author,
			timestamp = EXCLUDED.timestamp,
			raw_payload = EXCLUDED.raw_payload
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, event := range events {
		payloadJSON, err := json.Marshal(event.Payload)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, event.ID, event.RepoID, string(event.Kind),
			nullString(event.ExternalID), event.Author, event.Timestamp.UTC(),
			string(payloadJSON), event.CreatedAt.UTC())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetActivitiesByRepoAndRange returns events inside the window, both ends
// inclusive, newest first
func (s *postgresStorage) GetActivitiesByRepoAndRange(ctx context.Context, repoID int64, start, end time.Time) ([]*domain.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, event_type, github_id, author, timestamp, raw_payload, created_at
		FROM activities
		WHERE repo_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp DESC
	`, repoID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

// GetActivitiesByRepo returns the newest events for a repository, capped
// at limit
func (s *postgresStorage) GetActivitiesByRepo(ctx context.Context, repoID int64, limit int) ([]*domain.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, event_type, github_id, author, timestamp, raw_payload, created_at
		FROM activities
		WHERE repo_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

func scanActivityRows(rows *sql.Rows) ([]*domain.ActivityEvent, error) {
	var events []*domain.ActivityEvent
	for rows.Next() {
		var e domain.ActivityEvent
		var kind string
		var externalID sql.NullString
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.RepoID, &kind, &externalID, &e.Author, &e.Timestamp, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EventKind(kind)
		if externalID.Valid {
			e.ExternalID = externalID.String
		}
		payload, err := domain.DecodePayload(e.Kind, payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("decode payload for activity %s: %w", e.ID, err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountActivitiesByRepo counts stored events for a repository
func (s *postgresStorage) CountActivitiesByRepo(ctx context.Context, repoID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE repo_id = $1`, repoID).Scan(&count)
	return count, err
}

// UpsertDigest saves a digest, overwriting the row for the same
// (repo, period) and clearing any prior soft delete
func (s *postgresStorage) UpsertDigest(ctx context.Context, digest *domain.Digest) (*domain.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO digests (repo_id, period_start, period_end, digest_text, model_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, period_start, period_end) DO UPDATE SET
			digest_text = EXCLUDED.digest_text,
			model_version = EXCLUDED.model_version,
			deleted = FALSE,
			updated_at = NOW()
		RETURNING id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
	`, digest.RepoID, digest.PeriodStart.UTC(), digest.PeriodEnd.UTC(), digest.Text, digest.ModelVersion)
	return scanDigest(row)
}

// GetDigest retrieves the live digest for an exact (repo, period) pair
func (s *postgresStorage) GetDigest(ctx context.Context, repoID int64, start, end time.Time) (*domain.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests
		WHERE repo_id = $1 AND period_start = $2 AND period_end = $3 AND deleted = FALSE
	`, repoID, start.UTC(), end.UTC())
	return scanDigest(row)
}

// GetDigestByID retrieves a live digest by id
func (s *postgresStorage) GetDigestByID(ctx context.Context, id int64) (*domain.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests WHERE id = $1 AND deleted = FALSE
	`, id)
	return scanDigest(row)
}

// GetLatestDigest retrieves the most recent live digest for a repository
func (s *postgresStorage) GetLatestDigest(ctx context.Context, repoID int64) (*domain.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests
		WHERE repo_id = $1 AND deleted = FALSE
		ORDER BY period_start DESC LIMIT 1
	`, repoID)
	return scanDigest(row)
}

// GetDigestsByRepo lists all live digests for a repository, newest first
func (s *postgresStorage) GetDigestsByRepo(ctx context.Context, repoID int64) ([]*domain.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests
		WHERE repo_id = $1 AND deleted = FALSE
		ORDER BY period_start DESC
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var digests []*domain.Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// SoftDeleteDigest sets the deleted flag; the row is retained
func (s *postgresStorage) SoftDeleteDigest(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE digests SET deleted = TRUE, updated_at = NOW() WHERE id = $1 AND deleted = FALSE
	`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("digest")
	}
	return nil
}

func scanDigest(row rowScanner) (*domain.Digest, error) {
	var d domain.Digest
	err := row.Scan(&d.ID, &d.RepoID, &d.PeriodStart, &d.PeriodEnd,
		&d.Text, &d.ModelVersion, &d.Deleted, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("digest")
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Close closes the database connection
func (s *postgresStorage) Close() error {
	return s.db.Close()
}
