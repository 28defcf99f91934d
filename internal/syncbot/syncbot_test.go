package syncbot

import (
	"context"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/generator"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/githubclt"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/provider"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/retry"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/syncbot/mocks"
)

const sourceRepoID = 245159715
const sourceOwner = "zhinst"
const sourceRepo = "zhinst-toolkit"
const downstreamOwner = "zhinst"
const downstreamRepo = "zhinst-qcodes"
const downstreamCloneURL = "https://github.com/zhinst/zhinst-qcodes.git"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSandbox struct {
	mu      sync.Mutex
	removed bool
}

func (s *fakeSandbox) Python() string { return "/sandbox/bin/python" }
func (s *fakeSandbox) Pip() string    { return "/sandbox/bin/pip" }

func (s *fakeSandbox) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
}

func (s *fakeSandbox) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

type fakeSandboxBuilder struct {
	mu       sync.Mutex
	sandbox  *fakeSandbox
	err      error
	cloneURL string
	commit   string
}

func (b *fakeSandboxBuilder) Build(_ context.Context, cloneURL, commit string) (Sandbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cloneURL = cloneURL
	b.commit = commit

	if b.err != nil {
		return nil, b.err
	}

	return b.sandbox, nil
}

type fakeCheckout struct {
	mu            sync.Mutex
	changedFiles  []string
	pushCommitID  string
	pushedMessage string
	pushed        bool
	removed       bool
}

func (c *fakeCheckout) Dir() string { return "/checkout" }

func (c *fakeCheckout) ChangedFiles() ([]string, error) {
	return c.changedFiles, nil
}

func (c *fakeCheckout) CommitAndPush(_ context.Context, message string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushedMessage = message
	c.pushed = true

	return c.pushCommitID, nil
}

func (c *fakeCheckout) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
}

type fakeCheckoutManager struct {
	mu            sync.Mutex
	checkout      *fakeCheckout
	err           error
	branch        string
	defaultBranch string
}

func (m *fakeCheckoutManager) Open(_ context.Context, _, branch, defaultBranch, _, _ string) (Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.branch = branch
	m.defaultBranch = defaultBranch

	if m.err != nil {
		return nil, m.err
	}

	return m.checkout, nil
}

type fakeGenerator struct {
	err error
}

func (g *fakeGenerator) Run(_ context.Context, _ generator.Environment, wt generator.Worktree) (*generator.Result, error) {
	if g.err != nil {
		return nil, g.err
	}

	// the real invoker writes into the checkout before diffing it
	files, err := wt.ChangedFiles()
	if err != nil {
		return nil, err
	}

	return &generator.Result{Files: files}, nil
}

type testEnv struct {
	syncer    *Syncer
	ghClient  *mocks.MockGithubClient
	sandboxes *fakeSandboxBuilder
	checkouts *fakeCheckoutManager
	generator *fakeGenerator
}

func newTestEnv(t *testing.T, changedFiles []string, opts ...Opt) *testEnv {
	t.Helper()

	zap.ReplaceGlobals(zaptest.NewLogger(t))

	mockCtrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockCtrl)

	env := testEnv{
		ghClient:  ghClient,
		sandboxes: &fakeSandboxBuilder{sandbox: &fakeSandbox{}},
		checkouts: &fakeCheckoutManager{
			checkout: &fakeCheckout{
				changedFiles: changedFiles,
				pushCommitID: "def456",
			},
		},
		generator: &fakeGenerator{},
	}

	env.syncer = New(&Params{
		SourceRepositoryID: sourceRepoID,
		SourceOwner:        sourceOwner,
		SourceRepo:         sourceRepo,
		DownstreamOwner:    downstreamOwner,
		DownstreamRepo:     downstreamRepo,
		DownstreamCloneURL: downstreamCloneURL,
		BaseBranch:         "main",
		GithubClient:       ghClient,
		Retryer:            retry.NewRetryer(),
		Sandboxes:          env.sandboxes,
		Checkouts:          env.checkouts,
		Generator:          env.generator,
		Workers:            2,
	}, opts...)

	// registered after the gomock controller, expectations are verified
	// after the syncer terminated
	t.Cleanup(env.syncer.Stop)

	return &env
}

// newSyncEvent returns an event resembling an opened pull request webhook
// call for the source repository.
func newSyncEvent() *provider.Event {
	return &provider.Event{
		JSON:             []byte(`{"action": "opened"}`),
		Provider:         "github",
		DeliveryID:       "delivery-1",
		EventType:        "pull_request",
		Action:           "opened",
		RepositoryID:     sourceRepoID,
		PullRequestNr:    7,
		PullRequestTitle: "Add foo",
		PullRequestURL:   "https://x/pr/7",
		CloneURL:         "https://example/fork.git",
		Branch:           "feature-x",
		CommitID:         "abc123",
		BaseBranch:       "main",
	}
}

func linkedPR(state string) *githubclt.PullRequest {
	return &githubclt.PullRequest{
		Number:  3,
		Title:   "[SYNC BOT]Add foo",
		State:   state,
		HTMLURL: "https://github.com/zhinst/zhinst-qcodes/pull/3",
		Branch:  "feature-x",
	}
}

func TestSyncWithChangesCreatesPullRequest(t *testing.T) {
	env := newTestEnv(t, []string{"driver.py"})
	ev := newSyncEvent()

	env.ghClient.EXPECT().
		BranchExists(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(false, nil)
	env.ghClient.EXPECT().
		DefaultBranch(gomock.Any(), downstreamOwner, downstreamRepo).
		Return("main", nil)
	env.ghClient.EXPECT().
		GitCredentials(gomock.Any()).
		Return("x-access-token", "token123", nil)
	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(nil, nil)
	env.ghClient.EXPECT().
		CreatePullRequest(
			gomock.Any(), downstreamOwner, downstreamRepo,
			"[SYNC BOT]Add foo", gomock.Any(), "feature-x", "main",
		).
		Return(linkedPR("open"), nil)

	var upstreamComment string

	env.ghClient.EXPECT().
		CreateIssueComment(gomock.Any(), sourceOwner, sourceRepo, 7, gomock.Any()).
		Do(func(_ context.Context, _, _ string, _ int, comment string) {
			upstreamComment = comment
		}).
		Return(nil)

	err := env.syncer.sync(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "https://example/fork.git", env.sandboxes.cloneURL)
	assert.Equal(t, "abc123", env.sandboxes.commit)
	assert.Equal(t, "feature-x", env.checkouts.branch)
	assert.Equal(t, "main", env.checkouts.defaultBranch)

	assert.Equal(t,
		"[SYNC BOT] SYNC with zhinst-toolkit\nfeature-x:abc123",
		env.checkouts.checkout.pushedMessage,
	)

	assert.Contains(t, upstreamComment, "A new branch")
	assert.Contains(t, upstreamComment, "`abc123`")
	assert.Contains(t, upstreamComment, "https://github.com/zhinst/zhinst-qcodes/pull/3/commits/def456")
	assert.Contains(t, upstreamComment, "* `driver.py`")

	assert.True(t, env.sandboxes.sandbox.isRemoved(), "sandbox was not removed")
	assert.True(t, env.checkouts.checkout.removed, "checkout was not removed")
}

func TestSyncWithChangesAndLinkedPRCommentsOnly(t *testing.T) {
	env := newTestEnv(t, []string{"driver.py"})
	ev := newSyncEvent()

	env.ghClient.EXPECT().
		BranchExists(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(true, nil)
	env.ghClient.EXPECT().
		DefaultBranch(gomock.Any(), downstreamOwner, downstreamRepo).
		Return("main", nil)
	env.ghClient.EXPECT().
		GitCredentials(gomock.Any()).
		Return("x-access-token", "token123", nil)
	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("open"), nil)

	var upstreamComment string

	env.ghClient.EXPECT().
		CreateIssueComment(gomock.Any(), sourceOwner, sourceRepo, 7, gomock.Any()).
		Do(func(_ context.Context, _, _ string, _ int, comment string) {
			upstreamComment = comment
		}).
		Return(nil)

	err := env.syncer.sync(context.Background(), ev)
	require.NoError(t, err)

	assert.Contains(t, upstreamComment, "The branch [`feature-x`]")
	assert.Contains(t, upstreamComment, "* `driver.py`")
	assert.NotContains(t, upstreamComment, "A new branch")
}

func TestSyncWithoutChangesAndWithoutLinkedPRDoesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := newSyncEvent()

	env.ghClient.EXPECT().
		BranchExists(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(true, nil)
	env.ghClient.EXPECT().
		DefaultBranch(gomock.Any(), downstreamOwner, downstreamRepo).
		Return("main", nil)
	env.ghClient.EXPECT().
		GitCredentials(gomock.Any()).
		Return("x-access-token", "token123", nil)
	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(nil, nil)

	err := env.syncer.sync(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, env.checkouts.checkout.pushed, "no commit must be pushed without changes")
}

func TestSyncWithoutChangesCommentsWhenLinkedPRExists(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := newSyncEvent()

	env.ghClient.EXPECT().
		BranchExists(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(true, nil)
	env.ghClient.EXPECT().
		DefaultBranch(gomock.Any(), downstreamOwner, downstreamRepo).
		Return("main", nil)
	env.ghClient.EXPECT().
		GitCredentials(gomock.Any()).
		Return("x-access-token", "token123", nil)
	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("open"), nil)

	var upstreamComment string

	env.ghClient.EXPECT().
		CreateIssueComment(gomock.Any(), sourceOwner, sourceRepo, 7, gomock.Any()).
		Do(func(_ context.Context, _, _ string, _ int, comment string) {
			upstreamComment = comment
		}).
		Return(nil)

	err := env.syncer.sync(context.Background(), ev)
	require.NoError(t, err)

	assert.Contains(t, upstreamComment, "unchanged")
	assert.False(t, env.checkouts.checkout.pushed)
}

// TestSyncFailsWhenRetryerIsStopped ensures that a sync workflow whose
// GitHub operations are aborted by a stopped retryer fails instead of
// continuing with zero values and publishing a bogus commit.
func TestSyncFailsWhenRetryerIsStopped(t *testing.T) {
	env := newTestEnv(t, []string{"driver.py"})
	ev := newSyncEvent()

	env.syncer.retryer.Stop()

	err := env.syncer.sync(context.Background(), ev)
	require.ErrorIs(t, err, retry.ErrStopped)

	assert.Empty(t, env.sandboxes.cloneURL, "sandbox must not be built")
	assert.False(t, env.checkouts.checkout.pushed, "no commit must be pushed")
}

func TestCloseMergedCommentsWithoutClosing(t *testing.T) {
	env := newTestEnv(t, nil)

	ev := newSyncEvent()
	ev.Action = "closed"
	ev.Merged = true

	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("open"), nil)
	env.ghClient.EXPECT().
		CreateIssueComment(
			gomock.Any(), downstreamOwner, downstreamRepo, 3,
			"The corresponding zhinst-toolkit branch was merged. (https://x/pr/7)",
		).
		Return(nil)

	err := env.syncer.close(context.Background(), ev)
	require.NoError(t, err)
}

func TestCloseUnmergedClosesLinkedPR(t *testing.T) {
	env := newTestEnv(t, nil)

	ev := newSyncEvent()
	ev.Action = "closed"
	ev.Merged = false

	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("open"), nil)
	env.ghClient.EXPECT().
		CreateIssueComment(
			gomock.Any(), downstreamOwner, downstreamRepo, 3,
			"The corresponding zhinst-toolkit branch was closed. (https://x/pr/7)",
		).
		Return(nil)
	env.ghClient.EXPECT().
		UpdatePullRequestState(gomock.Any(), downstreamOwner, downstreamRepo, 3, "closed").
		Return(nil)

	err := env.syncer.close(context.Background(), ev)
	require.NoError(t, err)
}

func TestCloseWithoutLinkedPRDoesNothing(t *testing.T) {
	env := newTestEnv(t, nil)

	ev := newSyncEvent()
	ev.Action = "closed"

	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(nil, nil)

	err := env.syncer.close(context.Background(), ev)
	require.NoError(t, err)
}

func TestReopenReopensClosedLinkedPR(t *testing.T) {
	env := newTestEnv(t, nil)

	ev := newSyncEvent()
	ev.Action = "reopened"

	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("closed"), nil)
	env.ghClient.EXPECT().
		CreateIssueComment(
			gomock.Any(), downstreamOwner, downstreamRepo, 3,
			"The corresponding zhinst-toolkit branch was reopened. (https://x/pr/7)",
		).
		Return(nil)
	env.ghClient.EXPECT().
		UpdatePullRequestState(gomock.Any(), downstreamOwner, downstreamRepo, 3, "open").
		Return(nil)

	err := env.syncer.reopen(context.Background(), ev)
	require.NoError(t, err)
}

func TestReopenSkipsOpenLinkedPR(t *testing.T) {
	env := newTestEnv(t, nil)

	ev := newSyncEvent()
	ev.Action = "reopened"

	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("open"), nil)

	err := env.syncer.reopen(context.Background(), ev)
	require.NoError(t, err)
}

func TestEditUpdatesOutdatedTitle(t *testing.T) {
	env := newTestEnv(t, nil)

	ev := newSyncEvent()
	ev.Action = "edited"
	ev.PullRequestTitle = "Add foo and bar"

	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("open"), nil)
	env.ghClient.EXPECT().
		UpdatePullRequestTitle(
			gomock.Any(), downstreamOwner, downstreamRepo, 3,
			"[SYNC BOT]Add foo and bar",
		).
		Return(nil)

	err := env.syncer.edit(context.Background(), ev)
	require.NoError(t, err)
}

func TestEditIsIdempotentForMatchingTitles(t *testing.T) {
	env := newTestEnv(t, nil)

	ev := newSyncEvent()
	ev.Action = "edited"

	env.ghClient.EXPECT().
		PullRequestForBranch(gomock.Any(), downstreamOwner, downstreamRepo, "feature-x").
		Return(linkedPR("open"), nil)

	err := env.syncer.edit(context.Background(), ev)
	require.NoError(t, err)
}
