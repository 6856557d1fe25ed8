package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind represents the category of a GitHub activity event
type EventKind string

const (
	EventKindCommit       EventKind = "commit"
	EventKindPROpened     EventKind = "pr_opened"
	EventKindPRMerged     EventKind = "pr_merged"
	EventKindPRClosed     EventKind = "pr_closed"
	EventKindPRReview     EventKind = "pr_review"
	EventKindPRComment    EventKind = "pr_comment"
	EventKindCISuccess    EventKind = "ci_success"
	EventKindCIFailure    EventKind = "ci_failure"
	EventKindIssueOpened  EventKind = "issue_opened"
	EventKindIssueClosed  EventKind = "issue_closed"
	EventKindIssueComment EventKind = "issue_comment"
)

// Payload is the kind-specific portion of an ActivityEvent. The concrete
// type is determined by the event kind; DecodePayload performs the reverse
// mapping when reading rows back from the store.
type Payload interface {
	isPayload()
}

// CommitPayload carries the commit-specific fields
type CommitPayload struct {
	SHA         string `json:"sha"`
	Message     string `json:"message"`
	URL         string `json:"url,omitempty"`
	AuthorName  string `json:"author_name,omitempty"`
	AuthorEmail string `json:"author_email,omitempty"`
}

// PullRequestPayload carries the fields shared by the pr_opened, pr_merged
// and pr_closed kinds
type PullRequestPayload struct {
	Number   int        `json:"pr_number"`
	Title    string     `json:"title"`
	Body     string     `json:"body,omitempty"`
	State    string     `json:"state,omitempty"`
	URL      string     `json:"url,omitempty"`
	User     string     `json:"user,omitempty"`
	MergedAt *time.Time `json:"merged_at,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// ReviewPayload carries the pr_review fields
type ReviewPayload struct {
	PRNumber    int        `json:"pr_number"`
	PRTitle     string     `json:"pr_title"`
	ReviewID    int64      `json:"review_id"`
	State       string     `json:"state"`
	Body        string     `json:"body,omitempty"`
	User        string     `json:"user,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// CommentPayload carries the pr_comment and issue_comment fields; Number
// and Title refer to the parent PR or issue
type CommentPayload struct {
	Number    int    `json:"number"`
	Title     string `json:"title,omitempty"`
	CommentID int64  `json:"comment_id"`
	Body      string `json:"body,omitempty"`
	URL       string `json:"url,omitempty"`
	User      string `json:"user,omitempty"`
}

// CheckPayload carries the ci_success and ci_failure fields. Name and
// Conclusion come from a check run, or from a legacy status context/state.
type CheckPayload struct {
	Name       string `json:"check_name"`
	Conclusion string `json:"conclusion"`
	Status     string `json:"status,omitempty"`
	CommitSHA  string `json:"commit_sha"`
	URL        string `json:"url,omitempty"`
}

// IssuePayload carries the issue_opened and issue_closed fields
type IssuePayload struct {
	Number   int      `json:"issue_number"`
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	State    string   `json:"state,omitempty"`
	URL      string   `json:"url,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	User     string   `json:"user,omitempty"`
	ClosedBy string   `json:"closed_by,omitempty"`
}

func (CommitPayload) isPayload()      {}
func (PullRequestPayload) isPayload() {}
func (ReviewPayload) isPayload()      {}
func (CommentPayload) isPayload()     {}
func (CheckPayload) isPayload()       {}
func (IssuePayload) isPayload()       {}

// DecodePayload unmarshals a stored payload into the concrete struct for
// the given event kind
func DecodePayload(kind EventKind, data []byte) (Payload, error) {
	switch kind {
	case EventKindCommit:
		var p CommitPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventKindPROpened, EventKindPRMerged, EventKindPRClosed:
		var p PullRequestPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventKindPRReview:
		var p ReviewPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventKindPRComment, EventKindIssueComment:
		var p CommentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventKindCISuccess, EventKindCIFailure:
		var p CheckPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventKindIssueOpened, EventKindIssueClosed:
		var p IssuePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

// ActivityEvent is the unit of the event store: one normalized piece of
// GitHub activity for a repository
type ActivityEvent struct {
	ID         string    `json:"id"`
	RepoID     int64     `json:"repo_id"`
	Kind       EventKind `json:"event_type"`
	ExternalID string    `json:"github_id,omitempty"` // empty when the kind has no natural dedup key
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}
