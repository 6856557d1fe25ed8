package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/connector"
	"github.com/devpulse/devpulse/internal/digest"
	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
	"github.com/devpulse/devpulse/internal/storage"
)

// JobKind selects which pipeline stage a job runs
type JobKind string

const (
	JobKindIngest JobKind = "ingest"
	JobKindDigest JobKind = "digest"
)

// Job describes one unit of background work. RepoID zero means every
// selected repository of the user.
type Job struct {
	Kind     JobKind
	UserID   int64
	RepoID   int64
	DaysBack int // zero falls back to the configured default
	Force    bool
}

// IngestionResult tallies one ingestion run across repositories
type IngestionResult struct {
	ReposProcessed int
	ReposSkipped   int // restricted-access denials
	ReposFailed    int
	Events         int
	SkippedItems   int
}

// GenerationResult tallies one digest run across repositories
type GenerationResult struct {
	Generated int
	Skipped   int // no activity, or an existing digest without force
	Failed    int
	Digests   []*domain.Digest
}

// Pipeline runs the ingest and digest stages over a user's repositories
type Pipeline struct {
	store        storage.Storage
	connectorFor connector.Factory
	builder      *digest.Builder
	daysBack     int
	logger       *zap.Logger
}

// New creates a pipeline with the given default look-back window
func New(store storage.Storage, connectorFor connector.Factory, builder *digest.Builder, daysBack int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:        store,
		connectorFor: connectorFor,
		builder:      builder,
		daysBack:     daysBack,
		logger:       logger,
	}
}

// Run dispatches a job to its stage
func (p *Pipeline) Run(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobKindIngest:
		_, err := p.RunIngestion(ctx, job)
		return err
	case JobKindDigest:
		_, err := p.RunGeneration(ctx, job)
		return err
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// RunIngestion pulls activity for the job's repositories. A restricted
// organization skips that repository; other per-repo failures are counted
// and the run continues.
func (p *Pipeline) RunIngestion(ctx context.Context, job Job) (*IngestionResult, error) {
	user, repos, err := p.resolveTargets(ctx, job)
	if err != nil {
		return nil, err
	}

	conn := p.connectorFor(user.AccessToken)
	daysBack := p.effectiveDaysBack(job)
	result := &IngestionResult{}

	for _, repo := range repos {
		ingest, err := conn.Ingest(ctx, repo, daysBack)
		if ingest != nil {
			result.Events += ingest.Events
			result.SkippedItems += ingest.SkippedItems
		}
		if err != nil {
			if apperrors.IsRestricted(err) {
				result.ReposSkipped++
				p.logger.Warn("repository skipped, organization access restricted",
					zap.String("repo", repo.FullName))
				continue
			}
			result.ReposFailed++
			p.logger.Error("repository ingestion failed",
				zap.String("repo", repo.FullName), zap.Error(err))
			continue
		}

		result.ReposProcessed++
		if err := p.store.MarkRepositorySynced(ctx, repo.ID, time.Now()); err != nil {
			p.logger.Warn("failed to record sync time",
				zap.String("repo", repo.FullName), zap.Error(err))
		}
	}

	p.logger.Info("ingestion run complete",
		zap.Int64("user_id", job.UserID),
		zap.Int("processed", result.ReposProcessed),
		zap.Int("skipped", result.ReposSkipped),
		zap.Int("failed", result.ReposFailed),
		zap.Int("events", result.Events))

	return result, nil
}

// RunGeneration builds digests over the trailing window ending now. Without
// force, a period that already has a digest is left untouched.
func (p *Pipeline) RunGeneration(ctx context.Context, job Job) (*GenerationResult, error) {
	_, repos, err := p.resolveTargets(ctx, job)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -p.effectiveDaysBack(job))
	result := &GenerationResult{}

	for _, repo := range repos {
		if !job.Force {
			existing, err := p.store.GetDigest(ctx, repo.ID, start, end)
			switch {
			case err == nil:
				result.Skipped++
				result.Digests = append(result.Digests, existing)
				p.logger.Info("digest already exists, skipping",
					zap.String("repo", repo.FullName),
					zap.Int64("digest_id", existing.ID))
				continue
			case !apperrors.IsNotFound(err):
				result.Failed++
				p.logger.Error("failed to check for existing digest",
					zap.String("repo", repo.FullName), zap.Error(err))
				continue
			}
		}

		d, err := p.builder.Generate(ctx, repo, start, end)
		if err != nil {
			if errors.Is(err, digest.ErrNoActivity) {
				result.Skipped++
				continue
			}
			result.Failed++
			p.logger.Error("digest generation failed",
				zap.String("repo", repo.FullName), zap.Error(err))
			continue
		}

		result.Generated++
		result.Digests = append(result.Digests, d)
	}

	p.logger.Info("digest run complete",
		zap.Int64("user_id", job.UserID),
		zap.Int("generated", result.Generated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))

	return result, nil
}

// SyncRepositories refreshes the user's repository list from GitHub
func (p *Pipeline) SyncRepositories(ctx context.Context, userID int64) ([]*domain.Repository, error) {
	user, err := p.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	remote, err := p.connectorFor(user.AccessToken).ListUserRepositories(ctx)
	if err != nil {
		return nil, err
	}

	synced := make([]*domain.Repository, 0, len(remote))
	for _, repo := range remote {
		repo.UserID = userID
		stored, err := p.store.UpsertRepository(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("failed to save repository %s: %w", repo.FullName, err)
		}
		synced = append(synced, stored)
	}

	p.logger.Info("synced repositories",
		zap.Int64("user_id", userID), zap.Int("count", len(synced)))

	return synced, nil
}

func (p *Pipeline) resolveTargets(ctx context.Context, job Job) (*domain.User, []*domain.Repository, error) {
	user, err := p.store.GetUserByID(ctx, job.UserID)
	if err != nil {
		return nil, nil, err
	}

	if job.RepoID != 0 {
		repo, err := p.store.GetRepositoryByID(ctx, job.RepoID)
		if err != nil {
			return nil, nil, err
		}
		return user, []*domain.Repository{repo}, nil
	}

	repos, err := p.store.GetSelectedRepositories(ctx, job.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, repos, nil
}

func (p *Pipeline) effectiveDaysBack(job Job) int {
	if job.DaysBack > 0 {
		return job.DaysBack
	}
	return p.daysBack
}
