package connector

import (
	"context"

	"github.com/devpulse/devpulse/internal/domain"
)

// Connector defines the interface for pulling activity from the source API
type Connector interface {
	// ListUserRepositories retrieves the authenticated user's repositories,
	// most recently updated first
	ListUserRepositories(ctx context.Context) ([]*domain.Repository, error)

	// Ingest pulls all activity for one repository updated within the last
	// daysBack days and upserts it into the event store. Each sub-feed is
	// written independently, so events from earlier feeds survive a later
	// abort. A restricted-access condition on the pull request or issue
	// feed aborts the ingest; any other feed error degrades to a partial
	// result.
	Ingest(ctx context.Context, repo *domain.Repository, daysBack int) (*IngestResult, error)
}

// IngestResult reports what one ingestion run did. SkippedItems counts
// per-item sub-fetches (reviews, comments, CI per commit) that failed and
// were skipped; it is informational and never fails the run.
type IngestResult struct {
	Events       int
	SkippedItems int
}

// Factory builds a connector for one user's access token
type Factory func(token string) Connector
