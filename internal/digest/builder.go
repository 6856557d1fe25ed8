package digest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/aggregator"
	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
	"github.com/devpulse/devpulse/internal/storage"
)

// ErrNoActivity marks a window with nothing to summarize. Callers treat it
// as a skip, not a failure.
var ErrNoActivity = errors.New("no activity in period")

var codeFenceRe = regexp.MustCompile("(?s)^```(?:markdown)?\n(.*?)\n```$")

// Builder turns one repository-period window into a stored digest
type Builder struct {
	store      storage.DigestStore
	aggregator aggregator.Aggregator
	generator  Generator
	logger     *zap.Logger
}

// NewBuilder wires the aggregation, generation and persistence steps
func NewBuilder(store storage.DigestStore, agg aggregator.Aggregator, gen Generator, logger *zap.Logger) *Builder {
	return &Builder{
		store:      store,
		aggregator: agg,
		generator:  gen,
		logger:     logger,
	}
}

// Generate aggregates the window, renders the prompt, calls the model and
// upserts the digest row keyed by (repo, period). A window with zero events
// returns ErrNoActivity without touching the model or the store, so a prior
// digest for the same period survives a failed regeneration.
func (b *Builder) Generate(ctx context.Context, repo *domain.Repository, start, end time.Time) (*domain.Digest, error) {
	agg, err := b.aggregator.Aggregate(ctx, repo, start, end)
	if err != nil {
		return nil, err
	}

	if agg.Stats.TotalActivities == 0 {
		b.logger.Info("no activity in period, skipping digest",
			zap.String("repo", repo.FullName),
			zap.Time("start", start), zap.Time("end", end))
		return nil, ErrNoActivity
	}

	prompt := BuildPrompt(agg)
	text, err := b.generator.Generate(ctx, SystemPrompt, prompt)
	if err != nil {
		return nil, apperrors.NewGenerationError(
			fmt.Sprintf("failed to generate digest for %s", repo.FullName), err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewGenerationError(
			fmt.Sprintf("model returned no digest for %s", repo.FullName), nil)
	}

	digest, err := b.store.UpsertDigest(ctx, &domain.Digest{
		RepoID:       repo.ID,
		PeriodStart:  start,
		PeriodEnd:    end,
		Text:         StripCodeFence(text),
		ModelVersion: b.generator.ModelVersion(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save digest for %s: %w", repo.FullName, err)
	}

	b.logger.Info("generated digest",
		zap.String("repo", repo.FullName),
		zap.Int64("digest_id", digest.ID),
		zap.Int("events", agg.Stats.TotalActivities))

	return digest, nil
}

// StripCodeFence unwraps a response the model wrapped in a Markdown code
// fence, with or without a language tag
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := codeFenceRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}
