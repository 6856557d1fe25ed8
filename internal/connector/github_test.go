package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
)

// fakeActivityStore keeps events in memory with the same keyed-upsert
// semantics as the SQL adapters
type fakeActivityStore struct {
	keyed   map[string]*domain.ActivityEvent
	unkeyed []*domain.ActivityEvent
	failing bool
}

func newFakeActivityStore() *fakeActivityStore {
	return &fakeActivityStore{keyed: make(map[string]*domain.ActivityEvent)}
}

func (s *fakeActivityStore) UpsertActivity(ctx context.Context, event *domain.ActivityEvent) error {
	if s.failing {
		return fmt.Errorf("store unavailable")
	}
	if event.ExternalID == "" {
		s.unkeyed = append(s.unkeyed, event)
		return nil
	}
	key := fmt.Sprintf("%d/%s/%s", event.RepoID, event.Kind, event.ExternalID)
	s.keyed[key] = event
	return nil
}

func (s *fakeActivityStore) UpsertActivities(ctx context.Context, events []*domain.ActivityEvent) error {
	for _, e := range events {
		if err := s.UpsertActivity(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeActivityStore) GetActivitiesByRepoAndRange(ctx context.Context, repoID int64, start, end time.Time) ([]*domain.ActivityEvent, error) {
	var out []*domain.ActivityEvent
	for _, e := range s.all() {
		if e.RepoID == repoID && !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeActivityStore) GetActivitiesByRepo(ctx context.Context, repoID int64, limit int) ([]*domain.ActivityEvent, error) {
	var out []*domain.ActivityEvent
	for _, e := range s.all() {
		if e.RepoID == repoID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeActivityStore) CountActivitiesByRepo(ctx context.Context, repoID int64) (int64, error) {
	return int64(len(s.all())), nil
}

func (s *fakeActivityStore) all() []*domain.ActivityEvent {
	out := make([]*domain.ActivityEvent, 0, len(s.keyed)+len(s.unkeyed))
	for _, e := range s.keyed {
		out = append(out, e)
	}
	return append(out, s.unkeyed...)
}

func (s *fakeActivityStore) kinds() map[domain.EventKind]int {
	counts := make(map[domain.EventKind]int)
	for _, e := range s.all() {
		counts[e.Kind]++
	}
	return counts
}

func newTestConnector(t *testing.T, handler http.Handler) (*githubConnector, *fakeActivityStore) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL

	store := newFakeActivityStore()
	return &githubConnector{
		client:      client,
		store:       store,
		rateLimiter: NewRateLimiter(zap.NewNop()),
		logger:      zap.NewNop(),
	}, store
}

func testRepo() *domain.Repository {
	return &domain.Repository{
		ID:       1,
		Owner:    "octo",
		Name:     "widgets",
		FullName: "octo/widgets",
	}
}

func emptyJSONList(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `[]`)
}

func TestIngestPullRequestEventsMutuallyExclusive(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/commits", emptyJSONList)
	mux.HandleFunc("/repos/octo/widgets/issues", emptyJSONList)
	mux.HandleFunc("/repos/octo/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "closed" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, `[
			{"id": 101, "number": 1, "title": "merged pr", "state": "closed",
			 "user": {"login": "alice"},
			 "created_at": %[1]q, "updated_at": %[1]q, "merged_at": %[1]q, "closed_at": %[1]q},
			{"id": 102, "number": 2, "title": "abandoned pr", "state": "closed",
			 "user": {"login": "bob"},
			 "created_at": %[1]q, "updated_at": %[1]q, "closed_at": %[1]q}
		]`, recent)
	})

	connector, store := newTestConnector(t, mux)
	result, err := connector.Ingest(context.Background(), testRepo(), 7)
	require.NoError(t, err)

	kinds := store.kinds()
	assert.Equal(t, 2, kinds[domain.EventKindPROpened])
	assert.Equal(t, 1, kinds[domain.EventKindPRMerged])
	assert.Equal(t, 1, kinds[domain.EventKindPRClosed])
	assert.Equal(t, 4, result.Events)

	merged, ok := store.keyed["1/pr_merged/pr_merged_101"]
	require.True(t, ok)
	assert.Equal(t, "alice", merged.Author)
	_, mergedAlsoClosed := store.keyed["1/pr_closed/pr_closed_101"]
	assert.False(t, mergedAlsoClosed, "merged PR must not also report pr_closed")
}

func TestIngestRestrictedAccessAbortsAfterCommits(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	issuesFetched := false

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"sha": "abc1234def", "html_url": "https://example.com/c/abc1234def",
			 "commit": {"message": "fix parser", "author": {"name": "Alice", "email": "alice@example.com", "date": %q}}}
		]`, recent)
	})
	mux.HandleFunc("/repos/octo/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "Although you appear to have the correct authorization credentials, the organization has enabled OAuth App access restrictions."}`)
	})
	mux.HandleFunc("/repos/octo/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		issuesFetched = true
		fmt.Fprint(w, `[]`)
	})

	connector, store := newTestConnector(t, mux)
	result, err := connector.Ingest(context.Background(), testRepo(), 7)

	require.Error(t, err)
	assert.True(t, apperrors.IsRestricted(err))
	assert.False(t, issuesFetched, "ingest must abort before the issue feed")

	// Commits fetched before the denial stay persisted
	assert.Equal(t, 1, store.kinds()[domain.EventKindCommit])
	assert.Equal(t, 1, result.Events)
}

func TestIngestIsIdempotent(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"sha": "abc1234def", "commit": {"message": "fix parser", "author": {"name": "Alice", "date": %q}}}
		]`, recent)
	})
	mux.HandleFunc("/repos/octo/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "open" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, `[
			{"id": 201, "number": 5, "title": "wip", "state": "open",
			 "user": {"login": "carol"}, "created_at": %[1]q, "updated_at": %[1]q}
		]`, recent)
	})
	mux.HandleFunc("/repos/octo/widgets/issues", emptyJSONList)

	connector, store := newTestConnector(t, mux)
	ctx := context.Background()
	repo := testRepo()

	_, err := connector.Ingest(ctx, repo, 7)
	require.NoError(t, err)
	first := len(store.all())

	_, err = connector.Ingest(ctx, repo, 7)
	require.NoError(t, err)

	assert.Equal(t, first, len(store.all()), "rerun must not duplicate keyed events")
}

func TestIngestToleratesCommitFeedFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message": "boom"}`)
	})
	mux.HandleFunc("/repos/octo/widgets/pulls", emptyJSONList)
	mux.HandleFunc("/repos/octo/widgets/issues", emptyJSONList)

	connector, store := newTestConnector(t, mux)
	result, err := connector.Ingest(context.Background(), testRepo(), 7)

	require.NoError(t, err, "a broken commit feed must not fail the whole ingest")
	assert.Equal(t, 0, result.Events)
	assert.Empty(t, store.all())
}

func TestIngestClassifiesCheckRunsAndStatuses(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/pulls", emptyJSONList)
	mux.HandleFunc("/repos/octo/widgets/issues", emptyJSONList)
	mux.HandleFunc("/repos/octo/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"sha": "abc1234def", "commit": {"message": "ci run", "author": {"name": "Alice", "date": %q}}}
		]`, recent)
	})
	mux.HandleFunc("/repos/octo/widgets/commits/abc1234def/check-runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"total_count": 3, "check_runs": [
			{"id": 1, "name": "build", "status": "completed", "conclusion": "success", "completed_at": %[1]q},
			{"id": 2, "name": "lint", "status": "completed", "conclusion": "failure", "completed_at": %[1]q},
			{"id": 3, "name": "deploy", "status": "in_progress"}
		]}`, recent)
	})
	mux.HandleFunc("/repos/octo/widgets/commits/abc1234def/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"state": "failure", "statuses": [
			{"id": 9, "context": "legacy-ci", "state": "error", "updated_at": %q}
		]}`, recent)
	})

	connector, store := newTestConnector(t, mux)
	_, err := connector.Ingest(context.Background(), testRepo(), 7)
	require.NoError(t, err)

	kinds := store.kinds()
	assert.Equal(t, 1, kinds[domain.EventKindCISuccess])
	assert.Equal(t, 2, kinds[domain.EventKindCIFailure], "failing check and errored status both count")
	assert.Equal(t, 1, kinds[domain.EventKindCommit])

	_, inProgressStored := store.keyed["1/ci_failure/check_3"]
	assert.False(t, inProgressStored, "incomplete check runs are ignored")
}

func TestIngestCountsSkippedSubFetches(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/commits", emptyJSONList)
	mux.HandleFunc("/repos/octo/widgets/issues", emptyJSONList)
	mux.HandleFunc("/repos/octo/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "all" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, `[
			{"id": 301, "number": 8, "title": "flaky", "state": "open",
			 "user": {"login": "dave"}, "created_at": %[1]q, "updated_at": %[1]q}
		]`, recent)
	})
	mux.HandleFunc("/repos/octo/widgets/pulls/8/reviews", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"message": "bad gateway"}`)
	})
	mux.HandleFunc("/repos/octo/widgets/issues/8/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"id": 700, "body": "looks good", "user": {"login": "erin"}, "created_at": %q}
		]`, recent)
	})

	connector, store := newTestConnector(t, mux)
	result, err := connector.Ingest(context.Background(), testRepo(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SkippedItems, "failed review fetch is counted, not fatal")
	assert.Equal(t, 1, store.kinds()[domain.EventKindPRComment], "comments still land when reviews fail")
}

func TestClassifyCI(t *testing.T) {
	tests := []struct {
		conclusion string
		want       domain.EventKind
	}{
		{"success", domain.EventKindCISuccess},
		{"failure", domain.EventKindCIFailure},
		{"neutral", domain.EventKindCIFailure},
		{"cancelled", domain.EventKindCIFailure},
		{"timed_out", domain.EventKindCIFailure},
		{"", domain.EventKindCIFailure},
	}

	for _, tt := range tests {
		t.Run("conclusion_"+tt.conclusion, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyCI(tt.conclusion))
		})
	}
}

func TestIsRestrictedAccessErr(t *testing.T) {
	restricted := &github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  "the organization has enabled OAuth App access restrictions",
	}
	assert.True(t, isRestrictedAccessErr(restricted))
	assert.True(t, isRestrictedAccessErr(fmt.Errorf("wrapped: %w", restricted)))

	plainForbidden := &github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  "rate limit exceeded",
	}
	assert.False(t, isRestrictedAccessErr(plainForbidden))
	assert.False(t, isRestrictedAccessErr(fmt.Errorf("plain error")))
}
