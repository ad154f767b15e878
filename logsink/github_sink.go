package logsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-github/v45/github"
	"golang.org/x/oauth2"

	"mobcoordinator/types"
)

// ErrNotConfigured is returned by a GitHubSink built without complete
// credentials; callers route it into TransientExternal handling rather
// than surfacing it to the triggering client request.
var ErrNotConfigured = errors.New("logsink: github sink not configured")

// GitHubSink writes round artifacts to rounds/<round>.json in a GitHub
// repository via the contents API, PUTting with the current file SHA
// (when one exists) so repeated writes for the same round overwrite in
// place instead of erroring or duplicating.
type GitHubSink struct {
	client *github.Client
	owner  string
	repo   string
	branch string
}

// NewGitHubSink builds a sink from explicit credentials. If any of
// token/owner/repo is empty, Configured() reports false and Write/
// MarkMissing both return ErrNotConfigured without making a network call.
func NewGitHubSink(token, owner, repo, branch string) *GitHubSink {
	if branch == "" {
		branch = "main"
	}
	s := &GitHubSink{owner: owner, repo: repo, branch: branch}
	if token == "" || owner == "" || repo == "" {
		return s
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	s.client = github.NewClient(httpClient)
	return s
}

// Configured reports whether the sink has credentials to attempt writes.
func (s *GitHubSink) Configured() bool {
	return s.client != nil
}

// Write creates or updates rounds/<round>.json with entry's JSON content.
func (s *GitHubSink) Write(ctx context.Context, entry types.BacklogEntry) error {
	if !s.Configured() {
		return ErrNotConfigured
	}

	content, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("logsink: encoding round %d: %w", entry.Round, err)
	}

	path := fmt.Sprintf("rounds/%d.json", entry.Round)
	return s.putFile(ctx, path, content, fmt.Sprintf("coordinator: log round %d", entry.Round))
}

// MarkMissing writes a small placeholder recording that round will
// never be backfilled.
func (s *GitHubSink) MarkMissing(ctx context.Context, round int, reason, notes string) error {
	if !s.Configured() {
		return ErrNotConfigured
	}

	placeholder := struct {
		Round     int       `json:"round"`
		Reason    string    `json:"reason"`
		Notes     string    `json:"notes,omitempty"`
		MarkedAt  time.Time `json:"markedAt"`
	}{Round: round, Reason: reason, Notes: notes, MarkedAt: time.Now().UTC()}

	content, err := json.MarshalIndent(placeholder, "", "  ")
	if err != nil {
		return fmt.Errorf("logsink: encoding missing-round placeholder %d: %w", round, err)
	}

	path := fmt.Sprintf("rounds/%d.missing.json", round)
	return s.putFile(ctx, path, content, fmt.Sprintf("coordinator: mark round %d missing", round))
}

// putFile performs a get-SHA-then-put cycle so the write is idempotent
// whether or not the file already exists.
func (s *GitHubSink) putFile(ctx context.Context, path string, content []byte, message string) error {
	var sha *string
	existing, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, path, &github.RepositoryContentGetOptions{Ref: s.branch})
	if err == nil && existing != nil {
		sha = existing.SHA
	} else if resp == nil || resp.StatusCode != 404 {
		// Any failure other than "file doesn't exist yet" is treated as
		// transient; proceed to attempt a create, which will itself fail
		// loudly if the repository is genuinely unreachable.
	}

	opts := &github.RepositoryContentFileOptions{
		Message: &message,
		Content: content,
		Branch:  &s.branch,
		SHA:     sha,
	}

	if _, _, err := s.client.Repositories.CreateFile(ctx, s.owner, s.repo, path, opts); err != nil {
		return fmt.Errorf("logsink: writing %s: %w", path, err)
	}
	return nil
}
