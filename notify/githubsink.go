package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
)

// GitHubIssueSink files (or comments on) a GitHub issue per report, for
// a GitHub-hosted recipe repository's autobuilder.
type GitHubIssueSink struct {
	client *github.Client
	owner  string
	repo   string
	// IssueNumber, when nonzero, makes every report a comment on one
	// fixed tracking issue instead of opening a new issue per report.
	IssueNumber int
}

// NewGitHubIssueSink builds a sink authenticated with an OAuth2 access
// token, targeting "owner/repo".
func NewGitHubIssueSink(ctx context.Context, accessToken, ownerRepo string) (*GitHubIssueSink, error) {
	parts := strings.SplitN(ownerRepo, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid owner/repo %q", ownerRepo)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	tc := oauth2.NewClient(ctx, ts)
	return &GitHubIssueSink{client: github.NewClient(tc), owner: parts[0], repo: parts[1]}, nil
}

func (s *GitHubIssueSink) Notify(r Report) error {
	ctx := context.Background()
	title, body := r.Title(), r.Body()

	if s.IssueNumber != 0 {
		_, _, err := s.client.Issues.CreateComment(ctx, s.owner, s.repo, s.IssueNumber, &github.IssueComment{
			Body: github.String(fmt.Sprintf("**%s**\n\n%s", title, body)),
		})
		if err != nil {
			return fmt.Errorf("commenting on issue #%d: %w", s.IssueNumber, err)
		}
		return nil
	}

	_, _, err := s.client.Issues.Create(ctx, s.owner, s.repo, &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	})
	if err != nil {
		return fmt.Errorf("creating issue: %w", err)
	}
	return nil
}
