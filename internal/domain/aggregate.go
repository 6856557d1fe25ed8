package domain

import "time"

// ActivityStats holds one counter per event kind plus the total
type ActivityStats struct {
	TotalActivities int `json:"total_activities"`
	Commits         int `json:"commits"`
	PRsOpened       int `json:"prs_opened"`
	PRsMerged       int `json:"prs_merged"`
	PRsClosed       int `json:"prs_closed"`
	Reviews         int `json:"reviews"`
	PRComments      int `json:"pr_comments"`
	CISuccesses     int `json:"ci_successes"`
	CIFailures      int `json:"ci_failures"`
	IssuesOpened    int `json:"issues_opened"`
	IssuesClosed    int `json:"issues_closed"`
	IssueComments   int `json:"issue_comments"`
}

// CommitSample is a commit shaped for prompt rendering
type CommitSample struct {
	SHA       string    `json:"sha"` // first 7 hex chars
	Author    string    `json:"author"`
	Message   string    `json:"message"` // first line only
	Timestamp time.Time `json:"timestamp"`
}

// PRSample is a pull request shaped for prompt rendering
type PRSample struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// ReviewSample is a submitted review shaped for prompt rendering
type ReviewSample struct {
	PRNumber  int       `json:"pr_number"`
	Reviewer  string    `json:"reviewer"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// CIFailureSample is a failed check shaped for prompt rendering
type CIFailureSample struct {
	CheckName  string    `json:"check_name"`
	Conclusion string    `json:"conclusion"`
	CommitSHA  string    `json:"commit_sha"` // first 7 hex chars
	Timestamp  time.Time `json:"timestamp"`
}

// IssueSample is an issue shaped for prompt rendering
type IssueSample struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityAggregate is the derived, non-persisted result of folding one
// repository's events over a window. Constructed fresh per digest request.
type ActivityAggregate struct {
	RepoID       int64             `json:"repo_id"`
	RepoName     string            `json:"repo_name"`
	PeriodStart  time.Time         `json:"period_start"`
	PeriodEnd    time.Time         `json:"period_end"`
	Stats        ActivityStats     `json:"stats"`
	Commits      []CommitSample    `json:"commits"`
	PRsOpened    []PRSample        `json:"prs_opened"`
	PRsMerged    []PRSample        `json:"prs_merged"`
	PRsClosed    []PRSample        `json:"prs_closed"`
	Reviews      []ReviewSample    `json:"reviews"`
	CIFailures   []CIFailureSample `json:"ci_failures"`
	IssuesOpened []IssueSample     `json:"issues_opened"`
	IssuesClosed []IssueSample     `json:"issues_closed"`
	Contributors []string          `json:"contributors"`
}
