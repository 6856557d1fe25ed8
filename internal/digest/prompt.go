package digest

import (
	"fmt"
	"strings"

	"github.com/devpulse/devpulse/internal/domain"
)

// SystemPrompt frames every digest request
const SystemPrompt = "You are an expert engineering manager assistant that creates clear, factual, and professional summaries of software development activity."

const (
	maxCommitLines    = 10
	maxCIFailureLines = 5
	maxBodyPreview    = 200
)

// BuildPrompt renders an activity aggregate into the digest prompt: a
// statistics block, per-kind listings with placeholders for empty ones,
// and the instructions for the five output sections.
func BuildPrompt(agg *domain.ActivityAggregate) string {
	commits := make([]string, 0, len(agg.Commits))
	for i, c := range agg.Commits {
		if i == maxCommitLines {
			break
		}
		commits = append(commits, fmt.Sprintf("- %s: %s (%s)", c.SHA, c.Message, c.Author))
	}

	ciFailures := make([]string, 0, len(agg.CIFailures))
	for i, ci := range agg.CIFailures {
		if i == maxCIFailureLines {
			break
		}
		ciFailures = append(ciFailures, fmt.Sprintf("- %s: %s (commit %s)", ci.CheckName, ci.Conclusion, ci.CommitSHA))
	}

	return fmt.Sprintf(`You are an engineering manager assistant that creates clear, factual weekly summaries of software development activity.

CRITICAL INSTRUCTIONS:
- Only use information from the data provided below
- Do not make assumptions or add information not present in the data
- Be factual and neutral, never judgmental
- Do not mention productivity scores or rate team performance
- Focus on what happened, not on evaluating how well it was done
- Use professional, clear language

REPOSITORY: %s
WEEK: %s to %s

ACTIVITY STATISTICS:
- Total commits: %d
- Pull requests opened: %d
- Pull requests merged: %d
- Pull requests closed (not merged): %d
- Reviews submitted: %d
- PR comments: %d
- Issues opened: %d
- Issues closed: %d
- Issue comments: %d
- CI failures: %d
- CI successes: %d
- Active contributors: %d

COMMITS (%d total):
%s

PULL REQUESTS OPENED (%d total):
%s

PULL REQUESTS MERGED (%d total):
%s

PULL REQUESTS CLOSED WITHOUT MERGE (%d total):
%s

ISSUES OPENED (%d total):
%s

ISSUES CLOSED (%d total):
%s

CI FAILURES (%d total):
%s

CONTRIBUTORS (%d active):
%s

Generate a professional weekly engineering summary with these sections:

## Overview
A 2-3 sentence high-level summary of the week's engineering activity.

## Key Accomplishments
- Bullet points of major work completed (merged PRs, significant commits, closed issues)
- Only mention items that actually happened (from the data above)

## Ongoing Work
- Pull requests still in review or recently opened
- Open issues being worked on
- Only include actual PRs and issues from the data

## Issues & Risks
- New issues opened and their status
- CI failures and their patterns (if any)
- Blocked or closed PRs (if any)
- If none, say "No significant issues or blockers this week"

## Notable Contributors
- Briefly mention contributors and their main contributions
- Keep it factual, avoid superlatives

IMPORTANT: Your response should be in Markdown format, clear and ready to share with engineering leadership.`,
		agg.RepoName,
		agg.PeriodStart.UTC().Format("2006-01-02"),
		agg.PeriodEnd.UTC().Format("2006-01-02"),
		agg.Stats.Commits,
		agg.Stats.PRsOpened,
		agg.Stats.PRsMerged,
		agg.Stats.PRsClosed,
		agg.Stats.Reviews,
		agg.Stats.PRComments,
		agg.Stats.IssuesOpened,
		agg.Stats.IssuesClosed,
		agg.Stats.IssueComments,
		agg.Stats.CIFailures,
		agg.Stats.CISuccesses,
		len(agg.Contributors),
		agg.Stats.Commits, linesOr(commits, "No commits this week"),
		agg.Stats.PRsOpened, linesOr(prLines(agg.PRsOpened), "No PRs opened"),
		agg.Stats.PRsMerged, linesOr(prLines(agg.PRsMerged), "No PRs merged"),
		agg.Stats.PRsClosed, linesOr(prLines(agg.PRsClosed), "None"),
		agg.Stats.IssuesOpened, linesOr(issueLines(agg.IssuesOpened), "No issues opened"),
		agg.Stats.IssuesClosed, linesOr(issueLines(agg.IssuesClosed), "No issues closed"),
		agg.Stats.CIFailures, linesOr(ciFailures, "No CI failures"),
		len(agg.Contributors), strings.Join(agg.Contributors, ", "))
}

func prLines(prs []domain.PRSample) []string {
	lines := make([]string, 0, len(prs))
	for _, pr := range prs {
		lines = append(lines, fmt.Sprintf("- PR #%d: %s by %s%s", pr.Number, pr.Title, pr.Author, formatBodyPreview(pr.Body)))
	}
	return lines
}

func issueLines(issues []domain.IssueSample) []string {
	lines := make([]string, 0, len(issues))
	for _, issue := range issues {
		lines = append(lines, fmt.Sprintf("- Issue #%d: %s by %s%s", issue.Number, issue.Title, issue.Author, formatBodyPreview(issue.Body)))
	}
	return lines
}

// formatBodyPreview truncates a PR or issue body to its first 200 chars
func formatBodyPreview(body string) string {
	if body == "" {
		return ""
	}
	preview := body
	suffix := ""
	if runes := []rune(body); len(runes) > maxBodyPreview {
		preview = string(runes[:maxBodyPreview])
		suffix = "..."
	}
	return "\n  Description: " + preview + suffix
}

func linesOr(lines []string, placeholder string) string {
	if len(lines) == 0 {
		return placeholder
	}
	return strings.Join(lines, "\n")
}
