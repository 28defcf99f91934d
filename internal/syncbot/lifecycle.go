package syncbot

import (
	"context"
	"fmt"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/provider"
)

// close mirrors the closing of a source pull request.
// For a merged source pull request only a comment is posted, closing the
// linked pull request is left to the platform when its branch gets merged.
// An unmerged close additionally closes the linked pull request.
func (s *Syncer) close(ctx context.Context, ev *provider.Event) error {
	logger := s.logger.With(ev.LogFields()...)

	pr, err := s.linkedPullRequest(ctx, ev)
	if err != nil {
		return err
	}

	if pr == nil || pr.State != "open" {
		logger.Debug(
			"no open linked pull request exists, nothing to close",
			logfields.Event("close_no_linked_pull_request"),
		)

		return nil
	}

	if ev.Merged {
		return s.commentDownstream(ctx, ev, pr.Number, s.renderer.BranchMerged(ev.PullRequestURL))
	}

	err = s.commentDownstream(ctx, ev, pr.Number, s.renderer.BranchClosed(ev.PullRequestURL))
	if err != nil {
		return err
	}

	err = s.ghRetry(ctx, ev, "update_pull_request_state", func(ctx context.Context) error {
		return s.ghClient.UpdatePullRequestState(
			ctx, s.downstreamOwner, s.downstreamRepo, pr.Number, "closed",
		)
	})
	if err != nil {
		return fmt.Errorf("closing downstream pull request failed: %w", err)
	}

	logger.Info(
		"downstream pull request closed",
		logfields.Event("close_pull_request_closed"),
		logfields.PullRequest(pr.Number),
	)

	return nil
}

// reopen mirrors the reopening of a source pull request.
func (s *Syncer) reopen(ctx context.Context, ev *provider.Event) error {
	logger := s.logger.With(ev.LogFields()...)

	pr, err := s.linkedPullRequest(ctx, ev)
	if err != nil {
		return err
	}

	if pr == nil || pr.State != "closed" {
		logger.Debug(
			"no closed linked pull request exists, nothing to reopen",
			logfields.Event("reopen_no_linked_pull_request"),
		)

		return nil
	}

	err = s.commentDownstream(ctx, ev, pr.Number, s.renderer.BranchReopened(ev.PullRequestURL))
	if err != nil {
		return err
	}

	err = s.ghRetry(ctx, ev, "update_pull_request_state", func(ctx context.Context) error {
		return s.ghClient.UpdatePullRequestState(
			ctx, s.downstreamOwner, s.downstreamRepo, pr.Number, "open",
		)
	})
	if err != nil {
		return fmt.Errorf("reopening downstream pull request failed: %w", err)
	}

	logger.Info(
		"downstream pull request reopened",
		logfields.Event("reopen_pull_request_reopened"),
		logfields.PullRequest(pr.Number),
	)

	return nil
}

// edit synchronizes the title of the linked pull request with the source
// pull request title.
// It is a no-op when the titles already match.
func (s *Syncer) edit(ctx context.Context, ev *provider.Event) error {
	logger := s.logger.With(ev.LogFields()...)

	pr, err := s.linkedPullRequest(ctx, ev)
	if err != nil {
		return err
	}

	if pr == nil {
		logger.Debug(
			"no linked pull request exists, nothing to retitle",
			logfields.Event("edit_no_linked_pull_request"),
		)

		return nil
	}

	wantTitle := titlePrefix + ev.PullRequestTitle
	if pr.Title == wantTitle {
		logger.Debug(
			"pull request title is already in sync",
			logfields.Event("edit_title_in_sync"),
		)

		return nil
	}

	err = s.ghRetry(ctx, ev, "update_pull_request_title", func(ctx context.Context) error {
		return s.ghClient.UpdatePullRequestTitle(
			ctx, s.downstreamOwner, s.downstreamRepo, pr.Number, wantTitle,
		)
	})
	if err != nil {
		return fmt.Errorf("updating downstream pull request title failed: %w", err)
	}

	logger.Info(
		"downstream pull request title updated",
		logfields.Event("edit_title_updated"),
		logfields.PullRequest(pr.Number),
	)

	return nil
}

func (s *Syncer) commentDownstream(ctx context.Context, ev *provider.Event, prNr int, msg string) error {
	err := s.ghRetry(ctx, ev, "create_issue_comment", func(ctx context.Context) error {
		return s.ghClient.CreateIssueComment(
			ctx, s.downstreamOwner, s.downstreamRepo, prNr, msg,
		)
	})
	if err != nil {
		return fmt.Errorf("posting comment on downstream pull request failed: %w", err)
	}

	return nil
}
