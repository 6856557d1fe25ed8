package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
	"github.com/devpulse/devpulse/internal/storage"
)

// sqliteStorage implements the Storage interface for SQLite
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (storage.Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &sqliteStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *sqliteStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		github_id INTEGER NOT NULL DEFAULT 0,
		login TEXT NOT NULL UNIQUE,
		access_token TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		github_id INTEGER NOT NULL,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL,
		is_private INTEGER NOT NULL DEFAULT 0,
		is_selected INTEGER NOT NULL DEFAULT 0,
		last_synced_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (user_id, github_id)
	);

	CREATE INDEX IF NOT EXISTS idx_repositories_user ON repositories(user_id);
	CREATE INDEX IF NOT EXISTS idx_repositories_selected ON repositories(user_id, is_selected);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		github_id TEXT,
		author TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		raw_payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_dedup ON activities(repo_id, event_type, github_id);
	CREATE INDEX IF NOT EXISTS idx_activities_repo_timestamp ON activities(repo_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(event_type);

	CREATE TABLE IF NOT EXISTS digests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		period_start TIMESTAMP NOT NULL,
		period_end TIMESTAMP NOT NULL,
		digest_text TEXT NOT NULL,
		model_version TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (repo_id, period_start, period_end)
	);

	CREATE INDEX IF NOT EXISTS idx_digests_repo ON digests(repo_id, period_start);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// UpsertUser inserts or updates a user keyed by login
func (s *sqliteStorage) UpsertUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (github_id, login, access_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (login) DO UPDATE SET
			github_id = excluded.github_id,
			access_token = excluded.access_token,
			updated_at = excluded.updated_at
	`, user.GitHubID, user.Login, user.AccessToken, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetUserByLogin(ctx, user.Login)
}

// GetUserByID retrieves a user by internal id
func (s *sqliteStorage) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, github_id, login, access_token, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetUserByLogin retrieves a user by GitHub login
func (s *sqliteStorage) GetUserByLogin(ctx context.Context, login string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, github_id, login, access_token, created_at, updated_at
		FROM users WHERE login = ?
	`, login)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
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
func (s *sqliteStorage) UpsertRepository(ctx context.Context, repo *domain.Repository) (*domain.Repository, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (user_id, github_id, owner, name, full_name, is_private, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, github_id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			full_name = excluded.full_name,
			is_private = excluded.is_private,
			updated_at = excluded.updated_at
	`, repo.UserID, repo.GitHubID, repo.Owner, repo.Name, repo.FullName, repo.IsPrivate, now, now)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
		FROM repositories WHERE user_id = ? AND github_id = ?
	`, repo.UserID, repo.GitHubID)
	return scanRepository(row)
}

// GetRepositoryByID retrieves a repository by internal id
func (s *sqliteStorage) GetRepositoryByID(ctx context.Context, id int64) (*domain.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
		FROM repositories WHERE id = ?
	`, id)
	return scanRepository(row)
}

// GetRepositoriesByUser retrieves all repositories tracked for a user
func (s *sqliteStorage) GetRepositoriesByUser(ctx context.Context, userID int64) ([]*domain.Repository, error) {
	return s.queryRepositories(ctx, `
		SELECT id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
		FROM repositories WHERE user_id = ? ORDER BY name
	`, userID)
}

// GetSelectedRepositories retrieves the user's selected repositories
func (s *sqliteStorage) GetSelectedRepositories(ctx context.Context, userID int64) ([]*domain.Repository, error) {
	return s.queryRepositories(ctx, `
		SELECT id, user_id, github_id, owner, name, full_name, is_private, is_selected, last_synced_at, created_at, updated_at
		FROM repositories WHERE user_id = ? AND is_selected = 1 ORDER BY name
	`, userID)
}

// SetSelectedRepositories replaces the user's selection; at most three
// repositories stay selected, extras are dropped
func (s *sqliteStorage) SetSelectedRepositories(ctx context.Context, userID int64, repoIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE repositories SET is_selected = 0 WHERE user_id = ?`, userID); err != nil {
		return err
	}

	if len(repoIDs) > 3 {
		repoIDs = repoIDs[:3]
	}
	for _, id := range repoIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE repositories SET is_selected = 1 WHERE user_id = ? AND id = ?`, userID, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkRepositorySynced records the last successful ingestion time
func (s *sqliteStorage) MarkRepositorySynced(ctx context.Context, repoID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET last_synced_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC(), time.Now().UTC(), repoID)
	return err
}

func (s *sqliteStorage) queryRepositories(ctx context.Context, query string, args ...interface{}) ([]*domain.Repository, error) {
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

type rowScanner interface {
	Scan(dest ...interface{}) error
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
func (s *sqliteStorage) UpsertActivity(ctx context.Context, event *domain.ActivityEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (id, repo_id, event_type, github_id, author, timestamp, raw_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, event_type, github_id) DO UPDATE SET
			author = excluded.author,
			timestamp = excluded.timestamp,
			raw_payload = excluded.raw_payload
	`, event.ID, event.RepoID, string(event.Kind), nullString(event.ExternalID),
		event.Author, event.Timestamp.UTC(), string(payloadJSON), event.CreatedAt.UTC())
	return err
}

// UpsertActivities saves multiple activity events in one transaction
func (s *sqliteStorage) UpsertActivities(ctx context.Context, events []*domain.ActivityEvent) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, event_type, github_id) DO UPDATE SET
			author = excluded.author,
			timestamp = excluded.timestamp,
			raw_payload = excluded.raw_payload
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
func (s *sqliteStorage) GetActivitiesByRepoAndRange(ctx context.Context, repoID int64, start, end time.Time) ([]*domain.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, event_type, github_id, author, timestamp, raw_payload, created_at
		FROM activities
		WHERE repo_id = ? AND timestamp >= ? AND timestamp <= ?
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
func (s *sqliteStorage) GetActivitiesByRepo(ctx context.Context, repoID int64, limit int) ([]*domain.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, event_type, github_id, author, timestamp, raw_payload, created_at
		FROM activities
		WHERE repo_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
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
		var payloadJSON string
		if err := rows.Scan(&e.ID, &e.RepoID, &kind, &externalID, &e.Author, &e.Timestamp, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EventKind(kind)
		if externalID.Valid {
			e.ExternalID = externalID.String
		}
		payload, err := domain.DecodePayload(e.Kind, []byte(payloadJSON))
		if err != nil {
			return nil, fmt.Errorf("decode payload for activity %s: %w", e.ID, err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountActivitiesByRepo counts stored events for a repository
func (s *sqliteStorage) CountActivitiesByRepo(ctx context.Context, repoID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE repo_id = ?`, repoID).Scan(&count)
	return count, err
}

// UpsertDigest saves a digest, overwriting the row for the same
// (repo, period) and clearing any prior soft delete
func (s *sqliteStorage) UpsertDigest(ctx context.Context, digest *domain.Digest) (*domain.Digest, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO digests (repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (repo_id, period_start, period_end) DO UPDATE SET
			digest_text = excluded.digest_text,
			model_version = excluded.model_version,
			deleted = 0,
			updated_at = excluded.updated_at
	`, digest.RepoID, digest.PeriodStart.UTC(), digest.PeriodEnd.UTC(),
		digest.Text, digest.ModelVersion, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetDigest(ctx, digest.RepoID, digest.PeriodStart, digest.PeriodEnd)
}

// GetDigest retrieves the live digest for an exact (repo, period) pair
func (s *sqliteStorage) GetDigest(ctx context.Context, repoID int64, start, end time.Time) (*domain.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests
		WHERE repo_id = ? AND period_start = ? AND period_end = ? AND deleted = 0
	`, repoID, start.UTC(), end.UTC())
	return scanDigest(row)
}

// GetDigestByID retrieves a live digest by id
func (s *sqliteStorage) GetDigestByID(ctx context.Context, id int64) (*domain.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests WHERE id = ? AND deleted = 0
	`, id)
	return scanDigest(row)
}

// GetLatestDigest retrieves the most recent live digest for a repository
func (s *sqliteStorage) GetLatestDigest(ctx context.Context, repoID int64) (*domain.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests
		WHERE repo_id = ? AND deleted = 0
		ORDER BY period_start DESC LIMIT 1
	`, repoID)
	return scanDigest(row)
}

// GetDigestsByRepo lists all live digests for a repository, newest first
func (s *sqliteStorage) GetDigestsByRepo(ctx context.Context, repoID int64) ([]*domain.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, period_start, period_end, digest_text, model_version, deleted, created_at, updated_at
		FROM digests
		WHERE repo_id = ? AND deleted = 0
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
func (s *sqliteStorage) SoftDeleteDigest(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE digests SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0
	`, time.Now().UTC(), id)
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
func (s *sqliteStorage) Close() error {
	return s.db.Close()
}
