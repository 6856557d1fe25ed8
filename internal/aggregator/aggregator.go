package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/domain"
	"github.com/devpulse/devpulse/internal/storage"
)

// Aggregator folds stored activity events into per-repository period stats
type Aggregator interface {
	Aggregate(ctx context.Context, repo *domain.Repository, start, end time.Time) (*domain.ActivityAggregate, error)
}

type activityAggregator struct {
	store  storage.ActivityStore
	logger *zap.Logger
}

// New creates an aggregator reading from the given activity store
func New(store storage.ActivityStore, logger *zap.Logger) Aggregator {
	return &activityAggregator{store: store, logger: logger}
}

// Aggregate reads every event with start <= timestamp <= end and folds it
// into counters, per-kind sample lists and the contributor set. A window
// with no activity is a valid aggregate with all-zero stats.
func (a *activityAggregator) Aggregate(ctx context.Context, repo *domain.Repository, start, end time.Time) (*domain.ActivityAggregate, error) {
	events, err := a.store.GetActivitiesByRepoAndRange(ctx, repo.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load activities for %s: %w", repo.FullName, err)
	}

	agg := &domain.ActivityAggregate{
		RepoID:      repo.ID,
		RepoName:    repo.FullName,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	contributors := make(map[string]struct{})

	for _, event := range events {
		agg.Stats.TotalActivities++
		contributors[event.Author] = struct{}{}

		switch event.Kind {
		case domain.EventKindCommit:
			agg.Stats.Commits++
			if p, ok := event.Payload.(domain.CommitPayload); ok {
				agg.Commits = append(agg.Commits, domain.CommitSample{
					SHA:       shortSHA(p.SHA),
					Author:    event.Author,
					Message:   firstLine(p.Message),
					Timestamp: event.Timestamp,
				})
			}
		case domain.EventKindPROpened:
			agg.Stats.PRsOpened++
			agg.PRsOpened = append(agg.PRsOpened, prSample(event))
		case domain.EventKindPRMerged:
			agg.Stats.PRsMerged++
			agg.PRsMerged = append(agg.PRsMerged, prSample(event))
		case domain.EventKindPRClosed:
			agg.Stats.PRsClosed++
			agg.PRsClosed = append(agg.PRsClosed, prSample(event))
		case domain.EventKindPRReview:
			agg.Stats.Reviews++
			if p, ok := event.Payload.(domain.ReviewPayload); ok {
				agg.Reviews = append(agg.Reviews, domain.ReviewSample{
					PRNumber:  p.PRNumber,
					Reviewer:  event.Author,
					State:     p.State,
					Timestamp: event.Timestamp,
				})
			}
		case domain.EventKindPRComment:
			agg.Stats.PRComments++
		case domain.EventKindCISuccess:
			agg.Stats.CISuccesses++
		case domain.EventKindCIFailure:
			agg.Stats.CIFailures++
			if p, ok := event.Payload.(domain.CheckPayload); ok {
				agg.CIFailures = append(agg.CIFailures, domain.CIFailureSample{
					CheckName:  p.Name,
					Conclusion: p.Conclusion,
					CommitSHA:  shortSHA(p.CommitSHA),
					Timestamp:  event.Timestamp,
				})
			}
		case domain.EventKindIssueOpened:
			agg.Stats.IssuesOpened++
			agg.IssuesOpened = append(agg.IssuesOpened, issueSample(event))
		case domain.EventKindIssueClosed:
			agg.Stats.IssuesClosed++
			agg.IssuesClosed = append(agg.IssuesClosed, issueSample(event))
		case domain.EventKindIssueComment:
			agg.Stats.IssueComments++
		}
	}

	agg.Contributors = make([]string, 0, len(contributors))
	for name := range contributors {
		agg.Contributors = append(agg.Contributors, name)
	}
	sort.Strings(agg.Contributors)

	a.logger.Debug("aggregated repository activity",
		zap.String("repo", repo.FullName),
		zap.Int("events", agg.Stats.TotalActivities),
		zap.Int("contributors", len(agg.Contributors)))

	return agg, nil
}

func prSample(event *domain.ActivityEvent) domain.PRSample {
	sample := domain.PRSample{Author: event.Author, Timestamp: event.Timestamp}
	if p, ok := event.Payload.(domain.PullRequestPayload); ok {
		sample.Number = p.Number
		sample.Title = p.Title
		sample.Body = p.Body
	}
	return sample
}

func issueSample(event *domain.ActivityEvent) domain.IssueSample {
	sample := domain.IssueSample{Author: event.Author, Timestamp: event.Timestamp}
	if p, ok := event.Payload.(domain.IssuePayload); ok {
		sample.Number = p.Number
		sample.Title = p.Title
		sample.Body = p.Body
	}
	return sample
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return message[:i]
	}
	return message
}
