package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/aggregator"
	"github.com/devpulse/devpulse/internal/connector"
	"github.com/devpulse/devpulse/internal/digest"
	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
)

// memStorage is a minimal in-memory Storage for pipeline tests
type memStorage struct {
	users    map[int64]*domain.User
	repos    map[int64]*domain.Repository
	selected map[int64]bool
	events   []*domain.ActivityEvent
	digests  map[string]*domain.Digest
	synced   map[int64]time.Time
	nextID   int64

	digestReadErr error // injected into GetDigest
}

func newMemStorage() *memStorage {
	return &memStorage{
		users:    make(map[int64]*domain.User),
		repos:    make(map[int64]*domain.Repository),
		selected: make(map[int64]bool),
		digests:  make(map[string]*domain.Digest),
		synced:   make(map[int64]time.Time),
	}
}

func (s *memStorage) UpsertUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	s.users[u.ID] = u
	return u, nil
}

func (s *memStorage) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, apperrors.NewNotFoundError("user")
}

func (s *memStorage) GetUserByLogin(ctx context.Context, login string) (*domain.User, error) {
	for _, u := range s.users {
		if u.Login == login {
			return u, nil
		}
	}
	return nil, apperrors.NewNotFoundError("user")
}

func (s *memStorage) UpsertRepository(ctx context.Context, r *domain.Repository) (*domain.Repository, error) {
	if r.ID == 0 {
		s.nextID++
		r.ID = s.nextID
	}
	s.repos[r.ID] = r
	return r, nil
}

func (s *memStorage) GetRepositoryByID(ctx context.Context, id int64) (*domain.Repository, error) {
	if r, ok := s.repos[id]; ok {
		return r, nil
	}
	return nil, apperrors.NewNotFoundError("repository")
}

func (s *memStorage) GetRepositoriesByUser(ctx context.Context, userID int64) ([]*domain.Repository, error) {
	var out []*domain.Repository
	for _, r := range s.repos {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStorage) GetSelectedRepositories(ctx context.Context, userID int64) ([]*domain.Repository, error) {
	var out []*domain.Repository
	for id, r := range s.repos {
		if r.UserID == userID && s.selected[id] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStorage) SetSelectedRepositories(ctx context.Context, userID int64, repoIDs []int64) error {
	s.selected = make(map[int64]bool)
	for _, id := range repoIDs {
		s.selected[id] = true
	}
	return nil
}

func (s *memStorage) MarkRepositorySynced(ctx context.Context, repoID int64, at time.Time) error {
	s.synced[repoID] = at
	return nil
}

func (s *memStorage) UpsertActivity(ctx context.Context, e *domain.ActivityEvent) error {
	s.events = append(s.events, e)
	return nil
}

func (s *memStorage) UpsertActivities(ctx context.Context, events []*domain.ActivityEvent) error {
	s.events = append(s.events, events...)
	return nil
}

func (s *memStorage) GetActivitiesByRepoAndRange(ctx context.Context, repoID int64, start, end time.Time) ([]*domain.ActivityEvent, error) {
	var out []*domain.ActivityEvent
	for _, e := range s.events {
		if e.RepoID == repoID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStorage) GetActivitiesByRepo(ctx context.Context, repoID int64, limit int) ([]*domain.ActivityEvent, error) {
	var out []*domain.ActivityEvent
	for _, e := range s.events {
		if e.RepoID == repoID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStorage) CountActivitiesByRepo(ctx context.Context, repoID int64) (int64, error) {
	return int64(len(s.events)), nil
}

func periodKey(repoID int64, start, end time.Time) string {
	return fmt.Sprintf("%d/%s/%s", repoID, start.Format("2006-01-02"), end.Format("2006-01-02"))
}

func (s *memStorage) UpsertDigest(ctx context.Context, d *domain.Digest) (*domain.Digest, error) {
	key := periodKey(d.RepoID, d.PeriodStart, d.PeriodEnd)
	if existing, ok := s.digests[key]; ok {
		existing.Text = d.Text
		return existing, nil
	}
	s.nextID++
	d.ID = s.nextID
	s.digests[key] = d
	return d, nil
}

func (s *memStorage) GetDigest(ctx context.Context, repoID int64, start, end time.Time) (*domain.Digest, error) {
	if s.digestReadErr != nil {
		return nil, s.digestReadErr
	}
	if d, ok := s.digests[periodKey(repoID, start, end)]; ok {
		return d, nil
	}
	return nil, apperrors.NewNotFoundError("digest")
}

func (s *memStorage) GetDigestByID(ctx context.Context, id int64) (*domain.Digest, error) {
	for _, d := range s.digests {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, apperrors.NewNotFoundError("digest")
}

func (s *memStorage) GetLatestDigest(ctx context.Context, repoID int64) (*domain.Digest, error) {
	return nil, apperrors.NewNotFoundError("digest")
}

func (s *memStorage) GetDigestsByRepo(ctx context.Context, repoID int64) ([]*domain.Digest, error) {
	return nil, nil
}

func (s *memStorage) SoftDeleteDigest(ctx context.Context, id int64) error { return nil }
func (s *memStorage) Migrate(ctx context.Context) error                    { return nil }
func (s *memStorage) Close() error                                         { return nil }

// fakeConnector returns canned per-repo outcomes keyed by full name
type fakeConnector struct {
	events map[string]int
	errs   map[string]error
	repos  []*domain.Repository
}

func (c *fakeConnector) ListUserRepositories(ctx context.Context) ([]*domain.Repository, error) {
	return c.repos, nil
}

func (c *fakeConnector) Ingest(ctx context.Context, repo *domain.Repository, daysBack int) (*connector.IngestResult, error) {
	return &connector.IngestResult{Events: c.events[repo.FullName]}, c.errs[repo.FullName]
}

type staticGenerator struct {
	text  string
	calls int
}

func (g *staticGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	g.calls++
	return g.text, nil
}

func (g *staticGenerator) ModelVersion() string { return "test-model" }

func seedUserAndRepos(store *memStorage) {
	store.users[1] = &domain.User{ID: 1, Login: "octo", AccessToken: "tok"}
	for i, name := range []string{"octo/alpha", "octo/beta", "octo/gamma"} {
		id := int64(i + 1)
		store.repos[id] = &domain.Repository{ID: id, UserID: 1, FullName: name}
		store.selected[id] = true
	}
}

func newTestPipeline(store *memStorage, conn connector.Connector, gen digest.Generator) *Pipeline {
	logger := zap.NewNop()
	builder := digest.NewBuilder(store, aggregator.New(store, logger), gen, logger)
	factory := func(token string) connector.Connector { return conn }
	return New(store, factory, builder, 7, logger)
}

func TestRunIngestionTalliesOutcomes(t *testing.T) {
	store := newMemStorage()
	seedUserAndRepos(store)

	conn := &fakeConnector{
		events: map[string]int{"octo/alpha": 5},
		errs: map[string]error{
			"octo/beta":  apperrors.NewRestrictedError("org restricted", nil),
			"octo/gamma": fmt.Errorf("network down"),
		},
	}

	result, err := newTestPipeline(store, conn, &staticGenerator{}).
		RunIngestion(context.Background(), Job{Kind: JobKindIngest, UserID: 1})

	require.NoError(t, err)
	assert.Equal(t, 1, result.ReposProcessed)
	assert.Equal(t, 1, result.ReposSkipped)
	assert.Equal(t, 1, result.ReposFailed)
	assert.Equal(t, 5, result.Events)

	_, alphaSynced := store.synced[1]
	_, betaSynced := store.synced[2]
	assert.True(t, alphaSynced, "successful repo records its sync time")
	assert.False(t, betaSynced, "restricted repo does not")
}

func TestRunIngestionUnknownUser(t *testing.T) {
	store := newMemStorage()
	_, err := newTestPipeline(store, &fakeConnector{}, &staticGenerator{}).
		RunIngestion(context.Background(), Job{Kind: JobKindIngest, UserID: 99})

	assert.True(t, apperrors.IsNotFound(err))
}

func TestRunGenerationSkipsExistingWithoutForce(t *testing.T) {
	store := newMemStorage()
	store.users[1] = &domain.User{ID: 1, AccessToken: "tok"}
	store.repos[1] = &domain.Repository{ID: 1, UserID: 1, FullName: "octo/alpha"}
	store.selected[1] = true
	store.events = []*domain.ActivityEvent{{
		RepoID: 1, Kind: domain.EventKindCommit, Author: "alice",
		Timestamp: time.Now().Add(-time.Hour),
		Payload:   domain.CommitPayload{SHA: "abc1234"},
	}}

	gen := &staticGenerator{text: "## Overview\nfirst"}
	pipeline := newTestPipeline(store, &fakeConnector{}, gen)
	ctx := context.Background()

	first, err := pipeline.RunGeneration(ctx, Job{Kind: JobKindDigest, UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Generated)
	assert.Equal(t, 1, gen.calls)

	second, err := pipeline.RunGeneration(ctx, Job{Kind: JobKindDigest, UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Generated)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, gen.calls, "existing digest must not hit the model again")

	forced, err := pipeline.RunGeneration(ctx, Job{Kind: JobKindDigest, UserID: 1, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, forced.Generated)
	assert.Equal(t, 2, gen.calls)
}

func TestRunGenerationFailsOnDigestLookupError(t *testing.T) {
	store := newMemStorage()
	store.users[1] = &domain.User{ID: 1, AccessToken: "tok"}
	store.repos[1] = &domain.Repository{ID: 1, UserID: 1, FullName: "octo/alpha"}
	store.selected[1] = true
	store.digestReadErr = fmt.Errorf("connection refused")

	gen := &staticGenerator{text: "should not run"}
	result, err := newTestPipeline(store, &fakeConnector{}, gen).
		RunGeneration(context.Background(), Job{Kind: JobKindDigest, UserID: 1})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed, "a store outage must not be read as a missing digest")
	assert.Equal(t, 0, gen.calls)
}

func TestRunGenerationSkipsQuietRepos(t *testing.T) {
	store := newMemStorage()
	store.users[1] = &domain.User{ID: 1, AccessToken: "tok"}
	store.repos[1] = &domain.Repository{ID: 1, UserID: 1, FullName: "octo/quiet"}
	store.selected[1] = true

	gen := &staticGenerator{text: "should not run"}
	result, err := newTestPipeline(store, &fakeConnector{}, gen).
		RunGeneration(context.Background(), Job{Kind: JobKindDigest, UserID: 1})

	require.NoError(t, err)
	assert.Equal(t, 0, result.Generated)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, gen.calls)
}

func TestSyncRepositoriesAssignsOwner(t *testing.T) {
	store := newMemStorage()
	store.users[1] = &domain.User{ID: 1, AccessToken: "tok"}

	conn := &fakeConnector{repos: []*domain.Repository{
		{GitHubID: 100, FullName: "octo/alpha"},
		{GitHubID: 200, FullName: "octo/beta"},
	}}

	synced, err := newTestPipeline(store, conn, &staticGenerator{}).
		SyncRepositories(context.Background(), 1)

	require.NoError(t, err)
	require.Len(t, synced, 2)
	for _, repo := range synced {
		assert.Equal(t, int64(1), repo.UserID)
		assert.NotZero(t, repo.ID)
	}
}

func TestWorkerRejectsWhenQueueFull(t *testing.T) {
	worker := NewWorker(newTestPipeline(newMemStorage(), &fakeConnector{}, &staticGenerator{}), 1, zap.NewNop())

	require.NoError(t, worker.Enqueue(Job{Kind: JobKindIngest, UserID: 1}))
	err := worker.Enqueue(Job{Kind: JobKindIngest, UserID: 1})
	assert.Error(t, err, "second enqueue exceeds the queue capacity")
}
