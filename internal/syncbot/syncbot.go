// Package syncbot mirrors the pull request lifecycle of a source repository
// into a downstream repository whose code is generated from the source.
//
// It receives preprocessed webhook events via a channel, routes them by
// their pull request action and runs the resulting workflows asynchronously
// in a bounded goroutine pool.
// Events are serialized per head branch, at most one workflow per branch is
// in-flight at any time, later events for the same branch wait in a
// FIFO-queue.
package syncbot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/comment"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/generator"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/githubclt"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/provider"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/routines"
)

const DefEventChannelBufferSize = 512

const loggerName = "syncbot"

// titlePrefix marks downstream pull requests and commits that were created
// by the bot.
const titlePrefix = "[SYNC BOT]"

// GithubClient provides the GitHub API operations of the workflows.
// Operations that fail with a temporary error return an error that unwraps
// to *syncerr.RetryableError.
type GithubClient interface {
	GitCredentials(ctx context.Context) (username, password string, err error)
	PullRequestForBranch(ctx context.Context, owner, repo, branch string) (*githubclt.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*githubclt.PullRequest, error)
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	UpdatePullRequestTitle(ctx context.Context, owner, repo string, nr int, title string) error
	UpdatePullRequestState(ctx context.Context, owner, repo string, nr int, state string) error
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	BranchExists(ctx context.Context, owner, repo, branch string) (bool, error)
}

// Retryer runs GithubClient operations repeatedly when they fail with a
// temporary error.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
	Stop()
}

// Sandbox is an isolated environment with the source package installed at a
// pinned commit.
type Sandbox interface {
	Python() string
	Pip() string
	Remove()
}

// SandboxBuilder creates sandboxes.
type SandboxBuilder interface {
	Build(ctx context.Context, cloneURL, commit string) (Sandbox, error)
}

// Checkout is an ephemeral local clone of the downstream repository, bound
// to one branch.
type Checkout interface {
	Dir() string
	ChangedFiles() ([]string, error)
	CommitAndPush(ctx context.Context, message string) (string, error)
	Remove()
}

// CheckoutManager creates ephemeral checkouts of the downstream repository.
type CheckoutManager interface {
	Open(ctx context.Context, url, branch, defaultBranch, username, password string) (Checkout, error)
}

// Syncer consumes pull request events of the source repository and keeps
// the downstream repository and its pull requests in sync.
type Syncer struct {
	ch     chan *provider.Event
	logger *zap.Logger

	sourceRepositoryID int64
	sourceOwner        string
	sourceRepo         string

	downstreamOwner    string
	downstreamRepo     string
	downstreamCloneURL string

	// baseBranch gates sync events, pull requests targeting another base
	// branch are not mirrored.
	baseBranch string

	filter *eventFilter

	ghClient GithubClient
	retryer  Retryer

	sandboxes SandboxBuilder
	checkouts CheckoutManager
	generator GeneratorInvoker
	renderer  *comment.Renderer

	pool *routines.Pool

	// queues holds the pending events per head branch, an entry in
	// inflight marks that a pool task is draining the branch queue.
	mu       sync.Mutex
	queues   map[string][]*provider.Event
	inflight map[string]struct{}

	workflowDeferFn func()
	wg              sync.WaitGroup
	stopOnce        sync.Once
}

// GeneratorInvoker regenerates the downstream code and reports the changed
// files.
type GeneratorInvoker interface {
	Run(ctx context.Context, env generator.Environment, wt generator.Worktree) (*generator.Result, error)
}

// Opt configures optional Syncer settings.
type Opt func(*Syncer)

// WithEventFilter sets a jq-query that is evaluated against the raw payload
// of every event, events for which it does not evaluate to true are skipped.
func WithEventFilter(jqQuery string) (Opt, error) {
	filter, err := newEventFilter(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing event filter query failed: %w", err)
	}

	return func(s *Syncer) {
		s.filter = filter
	}, nil
}

// WithWorkflowDeferFunc sets a function that runs when a workflow goroutine
// returns.
// It can be used to install a panic handler.
func WithWorkflowDeferFunc(fn func()) Opt {
	return func(s *Syncer) {
		s.workflowDeferFn = fn
	}
}

// Params bundles the mandatory constructor arguments of the Syncer.
type Params struct {
	SourceRepositoryID int64
	SourceOwner        string
	SourceRepo         string

	DownstreamOwner    string
	DownstreamRepo     string
	DownstreamCloneURL string

	BaseBranch string

	GithubClient GithubClient
	Retryer      Retryer

	Sandboxes SandboxBuilder
	Checkouts CheckoutManager
	Generator GeneratorInvoker

	// Workers is the size of the goroutine pool that runs the
	// workflows.
	Workers uint
}

func New(params *Params, opts ...Opt) *Syncer {
	s := Syncer{
		ch:                 make(chan *provider.Event, DefEventChannelBufferSize),
		logger:             zap.L().Named(loggerName),
		sourceRepositoryID: params.SourceRepositoryID,
		sourceOwner:        params.SourceOwner,
		sourceRepo:         params.SourceRepo,
		downstreamOwner:    params.DownstreamOwner,
		downstreamRepo:     params.DownstreamRepo,
		downstreamCloneURL: params.DownstreamCloneURL,
		baseBranch:         params.BaseBranch,
		ghClient:           params.GithubClient,
		retryer:            params.Retryer,
		sandboxes:          params.Sandboxes,
		checkouts:          params.Checkouts,
		generator:          params.Generator,
		renderer:           comment.NewRenderer(params.SourceRepo, params.DownstreamRepo),
		pool:               routines.NewPool(params.Workers),
		queues:             map[string][]*provider.Event{},
		inflight:           map[string]struct{}{},
	}

	for _, opt := range opts {
		opt(&s)
	}

	return &s
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (s *Syncer) C() chan<- *provider.Event {
	return s.ch
}

// Start begins processing events in a separate goroutine.
func (s *Syncer) Start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.eventLoop()
	}()
}

func (s *Syncer) eventLoop() {
	s.logger.Info("ready to process events", logfields.Event("syncbot_started"))

	for ev := range s.ch {
		logger := s.logger.With(ev.LogFields()...)

		logger.Debug("event received", logfields.Event("event_received"))
		metrics.ProcessedEventsInc()

		if !s.accepts(logger, ev) {
			continue
		}

		s.enqueue(logger, ev)
	}

	s.logger.Info(
		"event loop terminated, event channel was closed",
		logfields.Event("syncbot_eventloop_terminated"),
	)
}

// accepts routes an event, it returns true when a workflow must run for it.
func (s *Syncer) accepts(logger *zap.Logger, ev *provider.Event) bool {
	if ev.RepositoryID != s.sourceRepositoryID {
		logger.Debug(
			"event is not from the source repository, skipping",
			logfields.Event("event_repository_mismatch"),
		)

		return false
	}

	if ev.Branch == "" {
		logger.Info(
			"event has no head branch, skipping",
			logfields.Event("event_without_branch_skipped"),
		)

		return false
	}

	if s.filter != nil {
		match, err := s.filter.Match(ev.JSON)
		if err != nil {
			logger.Error(
				"evaluating event filter query failed, event is skipped",
				logfields.Event("event_filter_query_failed"),
				zap.Error(err),
			)

			return false
		}

		if !match {
			logger.Debug(
				"event did not match the filter query, skipping",
				logfields.Event("event_filter_mismatch"),
			)

			return false
		}
	}

	switch ev.Action {
	case "opened", "synchronize":
		if ev.BaseBranch != s.baseBranch {
			logger.Info(
				"pull request does not target the watched base branch, skipping",
				logfields.Event("event_base_branch_mismatch"),
			)

			return false
		}

		return true

	case "closed", "reopened", "edited":
		return true

	default:
		logger.Info(
			"event action is not handled, skipping",
			logfields.Event("event_action_unhandled"),
		)

		return false
	}
}

func (s *Syncer) enqueue(logger *zap.Logger, ev *provider.Event) {
	s.mu.Lock()

	s.queues[ev.Branch] = append(s.queues[ev.Branch], ev)
	metrics.QueuedEventsSet(ev.Branch, len(s.queues[ev.Branch]))

	if _, running := s.inflight[ev.Branch]; running {
		s.mu.Unlock()

		logger.Debug(
			"workflow for branch is in-flight, event was queued",
			logfields.Event("event_enqueued"),
		)

		return
	}

	s.inflight[ev.Branch] = struct{}{}

	// Queue() blocks until a pool worker accepts the task, the lock must
	// be released before, the workers need it to drain their queues
	s.mu.Unlock()

	branch := ev.Branch

	s.pool.Queue(func() {
		if s.workflowDeferFn != nil {
			defer s.workflowDeferFn()
		}

		s.drainBranchQueue(branch)
	})
}

// drainBranchQueue processes the queued events of one branch in FIFO order
// until the queue is empty.
func (s *Syncer) drainBranchQueue(branch string) {
	for {
		s.mu.Lock()

		queue := s.queues[branch]
		if len(queue) == 0 {
			delete(s.queues, branch)
			delete(s.inflight, branch)
			metrics.QueuedEventsSet(branch, 0)
			s.mu.Unlock()

			return
		}

		ev := queue[0]
		s.queues[branch] = queue[1:]
		metrics.QueuedEventsSet(branch, len(queue)-1)

		s.mu.Unlock()

		s.processEvent(context.Background(), ev)
	}
}

func (s *Syncer) processEvent(ctx context.Context, ev *provider.Event) {
	logger := s.logger.With(ev.LogFields()...)

	var workflow string
	var fn func(context.Context, *provider.Event) error

	switch ev.Action {
	case "opened", "synchronize":
		workflow, fn = "sync", s.sync
	case "closed":
		workflow, fn = "close", s.close
	case "reopened":
		workflow, fn = "reopen", s.reopen
	case "edited":
		workflow, fn = "edit", s.edit
	default:
		logger.DPanic(
			"unroutable event was enqueued",
			logfields.Event("event_unroutable"),
		)

		return
	}

	logger = logger.With(zap.String("workflow", workflow))
	logger.Debug("workflow started", logfields.Event("workflow_started"))

	timer := metrics.WorkflowTimer(workflow)

	err := fn(ctx, ev)

	timer.ObserveDuration()

	if err != nil {
		metrics.WorkflowsInc(workflow, "failure")
		logger.Error(
			"workflow failed",
			logfields.Event("workflow_failed"),
			zap.Error(err),
		)

		return
	}

	metrics.WorkflowsInc(workflow, "success")
	logger.Info("workflow finished", logfields.Event("workflow_finished"))
}

// Stop terminates the event loop and waits until all queued workflows
// finished.
// The event channel (Syncer.C()) is closed.
// Stop can be called multiple times.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Debug("terminating", logfields.Event("syncbot_terminating"))

		close(s.ch)
		s.wg.Wait()

		s.logger.Debug(
			"waiting for queued workflows to terminate",
			logfields.Event("syncbot_terminating"),
		)
		s.pool.Wait()

		// The retryer must only be stopped after all workflows
		// terminated, stopping it earlier aborts their GitHub
		// operations.
		s.retryer.Stop()

		s.logger.Info("terminated", logfields.Event("syncbot_terminated"))
	})
}
