package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
	"github.com/devpulse/devpulse/internal/storage"
)

const restrictedAccessMessage = "organization has enabled OAuth App access restrictions"

// githubConnector implements Connector against the GitHub REST API
type githubConnector struct {
	client      *github.Client
	store       storage.ActivityStore
	rateLimiter RateLimiter
	logger      *zap.Logger
}

// NewGitHubConnector creates a connector authenticated with the given token
func NewGitHubConnector(token string, store storage.ActivityStore, logger *zap.Logger) Connector {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &githubConnector{
		client:      github.NewClient(tc),
		store:       store,
		rateLimiter: NewRateLimiter(logger),
		logger:      logger,
	}
}

// ListUserRepositories retrieves the authenticated user's repositories
func (c *githubConnector) ListUserRepositories(ctx context.Context) ([]*domain.Repository, error) {
	var all []*domain.Repository
	opts := &github.RepositoryListOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		repos, resp, err := c.client.Repositories.List(ctx, "", opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}
		c.updateRateLimitFromResponse(resp)

		for _, repo := range repos {
			all = append(all, &domain.Repository{
				GitHubID:  repo.GetID(),
				Owner:     repo.GetOwner().GetLogin(),
				Name:      repo.GetName(),
				FullName:  repo.GetFullName(),
				IsPrivate: repo.GetPrivate(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// Ingest pulls the five activity sub-feeds for one repository and upserts
// the normalized events. Feeds run sequentially; each one commits to the
// store before the next starts.
func (c *githubConnector) Ingest(ctx context.Context, repo *domain.Repository, daysBack int) (*IngestResult, error) {
	cutoff := time.Now().AddDate(0, 0, -daysBack)
	result := &IngestResult{}

	c.logger.Info("ingesting repository activity",
		zap.String("repo", repo.FullName),
		zap.Time("since", cutoff))

	if err := c.ingestCommits(ctx, repo, cutoff, result); err != nil {
		c.logger.Warn("commit feed failed, skipping",
			zap.String("repo", repo.FullName), zap.Error(err))
	}

	if err := c.ingestPullRequests(ctx, repo, cutoff, result); err != nil {
		if apperrors.IsRestricted(err) {
			return result, err
		}
		c.logger.Warn("pull request feed failed, skipping",
			zap.String("repo", repo.FullName), zap.Error(err))
	}

	if err := c.ingestReviews(ctx, repo, cutoff, result); err != nil {
		c.logger.Warn("review feed failed, skipping",
			zap.String("repo", repo.FullName), zap.Error(err))
	}

	if err := c.ingestIssues(ctx, repo, cutoff, result); err != nil {
		if apperrors.IsRestricted(err) {
			return result, err
		}
		c.logger.Warn("issue feed failed, skipping",
			zap.String("repo", repo.FullName), zap.Error(err))
	}

	if err := c.ingestCIStatus(ctx, repo, cutoff, result); err != nil {
		c.logger.Warn("ci feed failed, skipping",
			zap.String("repo", repo.FullName), zap.Error(err))
	}

	c.logger.Info("completed ingestion",
		zap.String("repo", repo.FullName),
		zap.Int("events", result.Events),
		zap.Int("skipped_items", result.SkippedItems))

	return result, nil
}

// ingestCommits fetches commits with author date >= cutoff
func (c *githubConnector) ingestCommits(ctx context.Context, repo *domain.Repository, cutoff time.Time, result *IngestResult) error {
	var events []*domain.ActivityEvent
	opts := &github.CommitsListOptions{
		Since:       cutoff,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}

		commits, resp, err := c.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			// Empty repositories report 409
			if resp != nil && resp.StatusCode == http.StatusConflict {
				break
			}
			return fmt.Errorf("failed to list commits for %s: %w", repo.FullName, err)
		}
		c.updateRateLimitFromResponse(resp)

		for _, commit := range commits {
			author := commit.Commit.GetAuthor()
			name := author.GetName()
			if name == "" {
				name = author.GetEmail()
			}
			if name == "" {
				name = "unknown"
			}

			events = append(events, c.newEvent(repo, domain.EventKindCommit, commit.GetSHA(),
				name, author.GetDate().Time, domain.CommitPayload{
					SHA:         commit.GetSHA(),
					Message:     commit.Commit.GetMessage(),
					URL:         commit.GetHTMLURL(),
					AuthorName:  author.GetName(),
					AuthorEmail: author.GetEmail(),
				}))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return c.saveEvents(ctx, events, result)
}

// ingestPullRequests fetches closed and open pull requests and emits
// pr_opened, pr_merged and pr_closed events. A pull request contributes at
// most one of merged or closed-without-merge.
func (c *githubConnector) ingestPullRequests(ctx context.Context, repo *domain.Repository, cutoff time.Time, result *IngestResult) error {
	var prs []*github.PullRequest
	for _, state := range []string{"closed", "open"} {
		list, err := c.listPullRequests(ctx, repo, state, cutoff, 100)
		if err != nil {
			if isRestrictedAccessErr(err) {
				return apperrors.NewRestrictedError(
					fmt.Sprintf("organization access restricted for %s", repo.FullName), err)
			}
			return err
		}
		prs = append(prs, list...)
	}

	var events []*domain.ActivityEvent
	for _, pr := range prs {
		if pr.GetUpdatedAt().Time.Before(cutoff) {
			continue
		}

		payload := domain.PullRequestPayload{
			Number: pr.GetNumber(),
			Title:  pr.GetTitle(),
			Body:   pr.GetBody(),
			State:  pr.GetState(),
			URL:    pr.GetHTMLURL(),
			User:   pr.User.GetLogin(),
		}

		if created := pr.GetCreatedAt().Time; !created.Before(cutoff) {
			events = append(events, c.newEvent(repo, domain.EventKindPROpened,
				fmt.Sprintf("pr_opened_%d", pr.GetID()), pr.User.GetLogin(), created, payload))
		}

		if pr.MergedAt != nil {
			if merged := pr.GetMergedAt().Time; !merged.Before(cutoff) {
				p := payload
				p.MergedAt = &merged
				events = append(events, c.newEvent(repo, domain.EventKindPRMerged,
					fmt.Sprintf("pr_merged_%d", pr.GetID()), pr.User.GetLogin(), merged, p))
			}
		} else if pr.ClosedAt != nil {
			if closed := pr.GetClosedAt().Time; !closed.Before(cutoff) {
				p := payload
				p.ClosedAt = &closed
				events = append(events, c.newEvent(repo, domain.EventKindPRClosed,
					fmt.Sprintf("pr_closed_%d", pr.GetID()), pr.User.GetLogin(), closed, p))
			}
		}
	}

	return c.saveEvents(ctx, events, result)
}

// listPullRequests pages through one state's listing, sorted by update
// time descending, stopping once results fall behind the cutoff
func (c *githubConnector) listPullRequests(ctx context.Context, repo *domain.Repository, state string, cutoff time.Time, perPage int) ([]*github.PullRequest, error) {
	var all []*github.PullRequest
	opts := &github.PullRequestListOptions{
		State:       state,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		prs, resp, err := c.client.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s pull requests for %s: %w", state, repo.FullName, err)
		}
		c.updateRateLimitFromResponse(resp)

		done := false
		for _, pr := range prs {
			if pr.GetUpdatedAt().Time.Before(cutoff) {
				done = true
				break
			}
			all = append(all, pr)
		}

		if done || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// ingestReviews walks pull requests touched since the cutoff and collects
// their submitted reviews and issue-style comments. Per-PR fetch failures
// are counted and skipped.
func (c *githubConnector) ingestReviews(ctx context.Context, repo *domain.Repository, cutoff time.Time, result *IngestResult) error {
	prs, err := c.listPullRequests(ctx, repo, "all", cutoff, 50)
	if err != nil {
		return err
	}

	for _, pr := range prs {
		var events []*domain.ActivityEvent

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		reviews, resp, err := c.client.PullRequests.ListReviews(ctx, repo.Owner, repo.Name, pr.GetNumber(), &github.ListOptions{PerPage: 100})
		if err != nil {
			result.SkippedItems++
			c.logger.Debug("skipping reviews for pull request",
				zap.Int("pr", pr.GetNumber()), zap.Error(err))
		} else {
			c.updateRateLimitFromResponse(resp)
			for _, review := range reviews {
				if review.SubmittedAt == nil {
					continue
				}
				submitted := review.GetSubmittedAt().Time
				if submitted.Before(cutoff) {
					continue
				}
				events = append(events, c.newEvent(repo, domain.EventKindPRReview,
					fmt.Sprintf("review_%d", review.GetID()), review.User.GetLogin(), submitted,
					domain.ReviewPayload{
						PRNumber:    pr.GetNumber(),
						PRTitle:     pr.GetTitle(),
						ReviewID:    review.GetID(),
						State:       review.GetState(),
						Body:        review.GetBody(),
						User:        review.User.GetLogin(),
						SubmittedAt: &submitted,
					}))
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		comments, resp, err := c.client.Issues.ListComments(ctx, repo.Owner, repo.Name, pr.GetNumber(), &github.IssueListCommentsOptions{
			Since:       &cutoff,
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			result.SkippedItems++
			c.logger.Debug("skipping comments for pull request",
				zap.Int("pr", pr.GetNumber()), zap.Error(err))
		} else {
			c.updateRateLimitFromResponse(resp)
			for _, comment := range comments {
				created := comment.GetCreatedAt().Time
				if created.Before(cutoff) {
					continue
				}
				events = append(events, c.newEvent(repo, domain.EventKindPRComment,
					fmt.Sprintf("pr_comment_%d", comment.GetID()), comment.User.GetLogin(), created,
					domain.CommentPayload{
						Number:    pr.GetNumber(),
						Title:     pr.GetTitle(),
						CommentID: comment.GetID(),
						Body:      comment.GetBody(),
						URL:       comment.GetHTMLURL(),
						User:      comment.User.GetLogin(),
					}))
			}
		}

		if err := c.saveEvents(ctx, events, result); err != nil {
			return err
		}
	}

	return nil
}

// ingestIssues fetches closed and open issues updated since the cutoff,
// excluding pull-request-backed issues, and collects their comments
func (c *githubConnector) ingestIssues(ctx context.Context, repo *domain.Repository, cutoff time.Time, result *IngestResult) error {
	var issues []*github.Issue
	for _, state := range []string{"closed", "open"} {
		list, err := c.listIssues(ctx, repo, state, cutoff)
		if err != nil {
			if isRestrictedAccessErr(err) {
				return apperrors.NewRestrictedError(
					fmt.Sprintf("organization access restricted for %s", repo.FullName), err)
			}
			return err
		}
		issues = append(issues, list...)
	}

	for _, issue := range issues {
		if issue.IsPullRequest() || issue.GetUpdatedAt().Time.Before(cutoff) {
			continue
		}

		var events []*domain.ActivityEvent
		labels := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			labels = append(labels, l.GetName())
		}

		if created := issue.GetCreatedAt().Time; !created.Before(cutoff) {
			events = append(events, c.newEvent(repo, domain.EventKindIssueOpened,
				fmt.Sprintf("issue_opened_%d", issue.GetID()), issue.User.GetLogin(), created,
				domain.IssuePayload{
					Number: issue.GetNumber(),
					Title:  issue.GetTitle(),
					Body:   issue.GetBody(),
					State:  issue.GetState(),
					URL:    issue.GetHTMLURL(),
					Labels: labels,
					User:   issue.User.GetLogin(),
				}))
		}

		if issue.ClosedAt != nil {
			if closed := issue.GetClosedAt().Time; !closed.Before(cutoff) {
				// Closer when known, reporter otherwise
				author := issue.GetClosedBy().GetLogin()
				if author == "" {
					author = issue.User.GetLogin()
				}
				events = append(events, c.newEvent(repo, domain.EventKindIssueClosed,
					fmt.Sprintf("issue_closed_%d", issue.GetID()), author, closed,
					domain.IssuePayload{
						Number:   issue.GetNumber(),
						Title:    issue.GetTitle(),
						Body:     issue.GetBody(),
						URL:      issue.GetHTMLURL(),
						ClosedBy: issue.GetClosedBy().GetLogin(),
					}))
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		comments, resp, err := c.client.Issues.ListComments(ctx, repo.Owner, repo.Name, issue.GetNumber(), &github.IssueListCommentsOptions{
			Since:       &cutoff,
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			result.SkippedItems++
			c.logger.Debug("skipping comments for issue",
				zap.Int("issue", issue.GetNumber()), zap.Error(err))
		} else {
			c.updateRateLimitFromResponse(resp)
			for _, comment := range comments {
				created := comment.GetCreatedAt().Time
				if created.Before(cutoff) {
					continue
				}
				events = append(events, c.newEvent(repo, domain.EventKindIssueComment,
					fmt.Sprintf("issue_comment_%d", comment.GetID()), comment.User.GetLogin(), created,
					domain.CommentPayload{
						Number:    issue.GetNumber(),
						Title:     issue.GetTitle(),
						CommentID: comment.GetID(),
						Body:      comment.GetBody(),
						URL:       comment.GetHTMLURL(),
						User:      comment.User.GetLogin(),
					}))
			}
		}

		if err := c.saveEvents(ctx, events, result); err != nil {
			return err
		}
	}

	return nil
}

func (c *githubConnector) listIssues(ctx context.Context, repo *domain.Repository, state string, cutoff time.Time) ([]*github.Issue, error) {
	var all []*github.Issue
	opts := &github.IssueListByRepoOptions{
		State:       state,
		Since:       cutoff,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		issues, resp, err := c.client.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s issues for %s: %w", state, repo.FullName, err)
		}
		c.updateRateLimitFromResponse(resp)
		all = append(all, issues...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// ingestCIStatus walks recent commits and classifies their check runs and
// legacy combined statuses: a "success" conclusion or state is ci_success,
// anything else is ci_failure. Per-commit fetch failures are counted and
// skipped.
func (c *githubConnector) ingestCIStatus(ctx context.Context, repo *domain.Repository, cutoff time.Time, result *IngestResult) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	// One page of recent commits is enough for the CI walk
	commits, resp, err := c.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, &github.CommitsListOptions{
		Since:       cutoff,
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("failed to list commits for CI status of %s: %w", repo.FullName, err)
	}
	c.updateRateLimitFromResponse(resp)

	for _, commit := range commits {
		var events []*domain.ActivityEvent
		author := commit.Commit.GetAuthor().GetName()
		if author == "" {
			author = "unknown"
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		checks, checksResp, err := c.client.Checks.ListCheckRunsForRef(ctx, repo.Owner, repo.Name, commit.GetSHA(), &github.ListCheckRunsOptions{
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			result.SkippedItems++
			c.logger.Debug("skipping check runs for commit",
				zap.String("sha", commit.GetSHA()), zap.Error(err))
		} else {
			c.updateRateLimitFromResponse(checksResp)
			for _, check := range checks.CheckRuns {
				if check.CompletedAt == nil {
					continue
				}
				completed := check.GetCompletedAt().Time
				if completed.Before(cutoff) {
					continue
				}
				events = append(events, c.newEvent(repo, classifyCI(check.GetConclusion()),
					fmt.Sprintf("check_%d", check.GetID()), author, completed,
					domain.CheckPayload{
						Name:       check.GetName(),
						Conclusion: check.GetConclusion(),
						Status:     check.GetStatus(),
						CommitSHA:  commit.GetSHA(),
						URL:        check.GetHTMLURL(),
					}))
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		combined, statusResp, err := c.client.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, commit.GetSHA(), &github.ListOptions{PerPage: 100})
		if err != nil {
			result.SkippedItems++
			c.logger.Debug("skipping combined status for commit",
				zap.String("sha", commit.GetSHA()), zap.Error(err))
		} else {
			c.updateRateLimitFromResponse(statusResp)
			for _, status := range combined.Statuses {
				if status.UpdatedAt == nil {
					continue
				}
				updated := status.GetUpdatedAt().Time
				if updated.Before(cutoff) {
					continue
				}
				events = append(events, c.newEvent(repo, classifyCI(status.GetState()),
					fmt.Sprintf("status_%d", status.GetID()), author, updated,
					domain.CheckPayload{
						Name:       status.GetContext(),
						Conclusion: status.GetState(),
						CommitSHA:  commit.GetSHA(),
						URL:        status.GetTargetURL(),
					}))
			}
		}

		if err := c.saveEvents(ctx, events, result); err != nil {
			return err
		}
	}

	return nil
}

// classifyCI keeps the binary policy: success, or failure for every other
// conclusion/state (pending, neutral, skipped, cancelled included)
func classifyCI(conclusion string) domain.EventKind {
	if conclusion == "success" {
		return domain.EventKindCISuccess
	}
	return domain.EventKindCIFailure
}

func (c *githubConnector) newEvent(repo *domain.Repository, kind domain.EventKind, externalID, author string, timestamp time.Time, payload domain.Payload) *domain.ActivityEvent {
	if author == "" {
		author = "unknown"
	}
	return &domain.ActivityEvent{
		ID:         uuid.New().String(),
		RepoID:     repo.ID,
		Kind:       kind,
		ExternalID: externalID,
		Author:     author,
		Timestamp:  timestamp,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
}

func (c *githubConnector) saveEvents(ctx context.Context, events []*domain.ActivityEvent, result *IngestResult) error {
	if len(events) == 0 {
		return nil
	}
	if err := c.store.UpsertActivities(ctx, events); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	result.Events += len(events)
	return nil
}

// updateRateLimitFromResponse updates the rate limiter from API response
func (c *githubConnector) updateRateLimitFromResponse(resp *github.Response) {
	if resp != nil && resp.Rate.Remaining >= 0 {
		c.rateLimiter.UpdateLimit(resp.Rate.Remaining, resp.Rate.Reset.Time)
	}
}

// isRestrictedAccessErr reports whether an API error is the
// organization-level OAuth App restriction denial
func isRestrictedAccessErr(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	if ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusForbidden {
		return false
	}
	return strings.Contains(ghErr.Message, restrictedAccessMessage)
}
