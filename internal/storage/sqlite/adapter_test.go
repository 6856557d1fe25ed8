package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
	"github.com/devpulse/devpulse/internal/storage"
)

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "devpulse_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRepo(t *testing.T, store storage.Storage, userID int64, fullName string) *domain.Repository {
	t.Helper()
	ctx := context.Background()

	user, err := store.UpsertUser(ctx, &domain.User{
		GitHubID: userID, Login: "user" + fullName, AccessToken: "tok",
	})
	require.NoError(t, err)

	repo, err := store.UpsertRepository(ctx, &domain.Repository{
		UserID: user.ID, GitHubID: userID * 1000, Owner: "octo", Name: fullName, FullName: "octo/" + fullName,
	})
	require.NoError(t, err)
	return repo
}

func commitEvent(repoID int64, sha string, ts time.Time) *domain.ActivityEvent {
	return &domain.ActivityEvent{
		ID:         uuid.New().String(),
		RepoID:     repoID,
		Kind:       domain.EventKindCommit,
		ExternalID: sha,
		Author:     "alice",
		Timestamp:  ts,
		Payload:    domain.CommitPayload{SHA: sha, Message: "change"},
		CreatedAt:  time.Now(),
	}
}

func TestActivityUpsertIsIdempotent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")
	ts := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.UpsertActivity(ctx, commitEvent(repo.ID, "abc1234", ts)))
	require.NoError(t, store.UpsertActivity(ctx, commitEvent(repo.ID, "abc1234", ts)))
	require.NoError(t, store.UpsertActivity(ctx, commitEvent(repo.ID, "def5678", ts)))

	count, err := store.CountActivitiesByRepo(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "same (repo, kind, key) overwrites in place")
}

func TestActivityWithoutKeyAlwaysInserts(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")
	ts := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		e := commitEvent(repo.ID, "", ts)
		e.Kind = domain.EventKindPRComment
		e.Payload = domain.CommentPayload{Number: 1, Body: "ping"}
		require.NoError(t, store.UpsertActivity(ctx, e))
	}

	count, err := store.CountActivitiesByRepo(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "events without an external id never deduplicate")
}

func TestGetActivitiesWindowIsInclusive(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	require.NoError(t, store.UpsertActivities(ctx, []*domain.ActivityEvent{
		commitEvent(repo.ID, "at-start", start),
		commitEvent(repo.ID, "at-end", end),
		commitEvent(repo.ID, "before", start.Add(-time.Second)),
		commitEvent(repo.ID, "after", end.Add(time.Second)),
	}))

	events, err := store.GetActivitiesByRepoAndRange(ctx, repo.ID, start, end)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first, payloads decoded back to their concrete types
	assert.Equal(t, "at-end", events[0].ExternalID)
	payload, ok := events[0].Payload.(domain.CommitPayload)
	require.True(t, ok)
	assert.Equal(t, "at-end", payload.SHA)
}

func TestGetActivitiesByRepoHonorsLimit(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertActivities(ctx, []*domain.ActivityEvent{
		commitEvent(repo.ID, "oldest", base),
		commitEvent(repo.ID, "middle", base.Add(time.Hour)),
		commitEvent(repo.ID, "newest", base.Add(2*time.Hour)),
	}))

	events, err := store.GetActivitiesByRepo(ctx, repo.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "newest", events[0].ExternalID)
	assert.Equal(t, "middle", events[1].ExternalID)
}

func TestSelectedRepositoriesCapAtThree(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	user, err := store.UpsertUser(ctx, &domain.User{GitHubID: 1, Login: "octo", AccessToken: "tok"})
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		repo, err := store.UpsertRepository(ctx, &domain.Repository{
			UserID: user.ID, GitHubID: int64(100 + i), Owner: "octo",
			Name: string(rune('a' + i)), FullName: "octo/" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		ids = append(ids, repo.ID)
	}

	require.NoError(t, store.SetSelectedRepositories(ctx, user.ID, ids))

	selected, err := store.GetSelectedRepositories(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, selected, 3, "selection keeps the first three ids")

	// A new selection replaces the old one entirely
	require.NoError(t, store.SetSelectedRepositories(ctx, user.ID, ids[4:]))
	selected, err = store.GetSelectedRepositories(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, ids[4], selected[0].ID)
}

func TestDigestUpsertKeepsOneRowPerPeriod(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	first, err := store.UpsertDigest(ctx, &domain.Digest{
		RepoID: repo.ID, PeriodStart: start, PeriodEnd: end,
		Text: "first", ModelVersion: "m1",
	})
	require.NoError(t, err)

	second, err := store.UpsertDigest(ctx, &domain.Digest{
		RepoID: repo.ID, PeriodStart: start, PeriodEnd: end,
		Text: "second", ModelVersion: "m2",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "second", second.Text)

	digests, err := store.GetDigestsByRepo(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, digests, 1)
}

func TestSoftDeleteHidesDigest(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	d, err := store.UpsertDigest(ctx, &domain.Digest{
		RepoID: repo.ID, PeriodStart: start, PeriodEnd: start.AddDate(0, 0, 7),
		Text: "gone soon", ModelVersion: "m1",
	})
	require.NoError(t, err)

	require.NoError(t, store.SoftDeleteDigest(ctx, d.ID))

	_, err = store.GetDigestByID(ctx, d.ID)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = store.GetLatestDigest(ctx, repo.ID)
	assert.True(t, apperrors.IsNotFound(err))

	err = store.SoftDeleteDigest(ctx, d.ID)
	assert.True(t, apperrors.IsNotFound(err), "deleting twice reports not found")
}

func TestGetLatestDigestReturnsNewestPeriod(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for week := 0; week < 3; week++ {
		start := base.AddDate(0, 0, week*7)
		_, err := store.UpsertDigest(ctx, &domain.Digest{
			RepoID: repo.ID, PeriodStart: start, PeriodEnd: start.AddDate(0, 0, 7),
			Text: start.Format("2006-01-02"), ModelVersion: "m1",
		})
		require.NoError(t, err)
	}

	latest, err := store.GetLatestDigest(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-15", latest.Text)
}

func TestUpsertRepositoryPreservesSelection(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	repo := seedRepo(t, store, 1, "widgets")

	require.NoError(t, store.SetSelectedRepositories(ctx, repo.UserID, []int64{repo.ID}))

	// A later sync upserts the same repository again
	again, err := store.UpsertRepository(ctx, &domain.Repository{
		UserID: repo.UserID, GitHubID: repo.GitHubID, Owner: repo.Owner,
		Name: repo.Name, FullName: repo.FullName, IsPrivate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)

	selected, err := store.GetSelectedRepositories(ctx, repo.UserID)
	require.NoError(t, err)
	require.Len(t, selected, 1, "re-syncing must not clear the selection")
	assert.True(t, selected[0].IsPrivate, "sync updates repository fields")
}
