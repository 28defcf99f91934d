package syncbot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/comment"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/githubclt"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/provider"
)

// ghRetry runs a GithubClient operation via the retryer, temporary API
// errors are retried until the retryer gives up.
func (s *Syncer) ghRetry(ctx context.Context, ev *provider.Event, operation string, fn func(context.Context) error) error {
	return s.retryer.Run(
		ctx,
		fn,
		append(ev.LogFields(), zap.String("github_operation", operation)),
	)
}

// linkedPullRequest returns the downstream pull request whose head is the
// event's branch, nil is returned when none exists.
func (s *Syncer) linkedPullRequest(ctx context.Context, ev *provider.Event) (*githubclt.PullRequest, error) {
	var pr *githubclt.PullRequest

	err := s.ghRetry(ctx, ev, "pull_request_for_branch", func(ctx context.Context) error {
		var err error

		pr, err = s.ghClient.PullRequestForBranch(
			ctx, s.downstreamOwner, s.downstreamRepo, ev.Branch,
		)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving downstream pull request for branch failed: %w", err)
	}

	return pr, nil
}

// sync regenerates the downstream code from the event's head commit,
// publishes the result and updates the linked pull request.
func (s *Syncer) sync(ctx context.Context, ev *provider.Event) error {
	logger := s.logger.With(ev.LogFields()...)

	var branchExisted bool

	err := s.ghRetry(ctx, ev, "branch_exists", func(ctx context.Context) error {
		var err error

		branchExisted, err = s.ghClient.BranchExists(
			ctx, s.downstreamOwner, s.downstreamRepo, ev.Branch,
		)

		return err
	})
	if err != nil {
		return fmt.Errorf("checking if downstream branch exists failed: %w", err)
	}

	var defaultBranch string

	err = s.ghRetry(ctx, ev, "default_branch", func(ctx context.Context) error {
		var err error

		defaultBranch, err = s.ghClient.DefaultBranch(
			ctx, s.downstreamOwner, s.downstreamRepo,
		)

		return err
	})
	if err != nil {
		return fmt.Errorf("retrieving downstream default branch failed: %w", err)
	}

	var username, password string

	err = s.ghRetry(ctx, ev, "git_credentials", func(ctx context.Context) error {
		var err error

		username, password, err = s.ghClient.GitCredentials(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("retrieving git credentials failed: %w", err)
	}

	sb, err := s.sandboxes.Build(ctx, ev.CloneURL, ev.CommitID)
	if err != nil {
		return fmt.Errorf("building sandbox failed: %w", err)
	}

	defer sb.Remove()

	co, err := s.checkouts.Open(
		ctx, s.downstreamCloneURL, ev.Branch, defaultBranch, username, password,
	)
	if err != nil {
		return fmt.Errorf("opening downstream checkout failed: %w", err)
	}

	defer co.Remove()

	result, err := s.generator.Run(ctx, sb, co)
	if err != nil {
		return fmt.Errorf("running generator failed: %w", err)
	}

	if !result.Changed() {
		logger.Info(
			"generated code is unchanged",
			logfields.Event("sync_no_changes"),
		)

		return s.commentNoChanges(ctx, ev)
	}

	commitMsg := fmt.Sprintf("%s SYNC with %s\n%s:%s",
		titlePrefix, s.sourceRepo, ev.Branch, ev.CommitID)

	commitID, err := co.CommitAndPush(ctx, commitMsg)
	if err != nil {
		return fmt.Errorf("publishing changes failed: %w", err)
	}

	logger.Info(
		"changes published to downstream branch",
		logfields.Event("sync_changes_published"),
		logfields.Commit(commitID),
		zap.Strings("changed_files", result.Files),
	)

	pr, err := s.linkedPullRequest(ctx, ev)
	if err != nil {
		return err
	}

	if pr == nil {
		pr, err = s.createLinkedPullRequest(ctx, ev, defaultBranch)
		if err != nil {
			return err
		}

		logger.Info(
			"downstream pull request created",
			logfields.Event("sync_pull_request_created"),
			logfields.PullRequest(pr.Number),
		)
	}

	msg, err := s.renderer.UpdateMessage(&comment.UpdateContext{
		NewChanges:     true,
		NewBranch:      !branchExisted,
		BranchName:     ev.Branch,
		BranchURL:      fmt.Sprintf("https://github.com/%s/%s/tree/%s", s.sourceOwner, s.sourceRepo, ev.Branch),
		CommitURL:      pr.HTMLURL + "/commits/" + commitID,
		PullRequestURL: pr.HTMLURL,
		UsedCommit:     ev.CommitID,
		Files:          result.Files,
	})
	if err != nil {
		return fmt.Errorf("rendering update comment failed: %w", err)
	}

	err = s.ghRetry(ctx, ev, "create_issue_comment", func(ctx context.Context) error {
		return s.ghClient.CreateIssueComment(
			ctx, s.sourceOwner, s.sourceRepo, ev.PullRequestNr, msg,
		)
	})
	if err != nil {
		return fmt.Errorf("posting update comment on source pull request failed: %w", err)
	}

	return nil
}

func (s *Syncer) createLinkedPullRequest(ctx context.Context, ev *provider.Event, defaultBranch string) (*githubclt.PullRequest, error) {
	body, err := s.renderer.PullRequestBody(ev.PullRequestURL)
	if err != nil {
		return nil, fmt.Errorf("rendering pull request body failed: %w", err)
	}

	var pr *githubclt.PullRequest

	err = s.ghRetry(ctx, ev, "create_pull_request", func(ctx context.Context) error {
		var err error

		pr, err = s.ghClient.CreatePullRequest(
			ctx,
			s.downstreamOwner,
			s.downstreamRepo,
			titlePrefix+ev.PullRequestTitle,
			body,
			ev.Branch,
			defaultBranch,
		)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating downstream pull request failed: %w", err)
	}

	return pr, nil
}

// commentNoChanges informs the source pull request that the latest sync run
// produced no downstream changes.
// The comment is only posted when a linked downstream pull request exists,
// without one there is nothing the source pull request author is waiting
// for.
func (s *Syncer) commentNoChanges(ctx context.Context, ev *provider.Event) error {
	pr, err := s.linkedPullRequest(ctx, ev)
	if err != nil {
		return err
	}

	if pr == nil {
		return nil
	}

	msg, err := s.renderer.UpdateMessage(&comment.UpdateContext{NewChanges: false})
	if err != nil {
		return fmt.Errorf("rendering update comment failed: %w", err)
	}

	err = s.ghRetry(ctx, ev, "create_issue_comment", func(ctx context.Context) error {
		return s.ghClient.CreateIssueComment(
			ctx, s.sourceOwner, s.sourceRepo, ev.PullRequestNr, msg,
		)
	})
	if err != nil {
		return fmt.Errorf("posting update comment on source pull request failed: %w", err)
	}

	return nil
}
