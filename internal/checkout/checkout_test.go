package checkout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/syncerr"
)

const testDefaultBranch = "master"

// newOriginRepo creates a bare repository containing a single commit on the
// master branch and returns its path.
func newOriginRepo(t *testing.T) string {
	t.Helper()

	originDir := t.TempDir()

	_, err := git.PlainInit(originDir, true)
	require.NoError(t, err)

	workDir := t.TempDir()

	workRepo, err := git.PlainInit(workDir, false)
	require.NoError(t, err)

	_, err = workRepo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{originDir},
	})
	require.NoError(t, err)

	err = os.WriteFile(filepath.Join(workDir, "driver.py"), []byte("# generated\n"), 0o600)
	require.NoError(t, err)

	wt, err := workRepo.Worktree()
	require.NoError(t, err)

	_, err = wt.Add("driver.py")
	require.NoError(t, err)

	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "tester",
			Email: "tester@localhost",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	err = workRepo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			"refs/heads/master:refs/heads/master",
		},
	})
	require.NoError(t, err)

	return originDir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	zap.ReplaceGlobals(zaptest.NewLogger(t))

	return NewManager(t.TempDir(), "sync-bot", "sync-bot@localhost")
}

func TestOpenBranchesOffDefaultBranch(t *testing.T) {
	originDir := newOriginRepo(t)
	mgr := newTestManager(t)

	co, err := mgr.Open(context.Background(), originDir, "feature-x", testDefaultBranch, "", "")
	require.NoError(t, err)

	t.Cleanup(co.Remove)

	head, err := co.repo.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName("feature-x"), head.Name())

	assert.FileExists(t, filepath.Join(co.Dir(), "driver.py"))

	files, err := co.ChangedFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestChangedFilesListsModifications(t *testing.T) {
	originDir := newOriginRepo(t)
	mgr := newTestManager(t)

	co, err := mgr.Open(context.Background(), originDir, "feature-x", testDefaultBranch, "", "")
	require.NoError(t, err)

	t.Cleanup(co.Remove)

	err = os.WriteFile(filepath.Join(co.Dir(), "driver.py"), []byte("# regenerated\n"), 0o600)
	require.NoError(t, err)

	err = os.WriteFile(filepath.Join(co.Dir(), "new_driver.py"), []byte("# new\n"), 0o600)
	require.NoError(t, err)

	files, err := co.ChangedFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"driver.py", "new_driver.py"}, files)
}

func TestCommitAndPushPublishesBranch(t *testing.T) {
	originDir := newOriginRepo(t)
	mgr := newTestManager(t)

	co, err := mgr.Open(context.Background(), originDir, "feature-x", testDefaultBranch, "", "")
	require.NoError(t, err)

	t.Cleanup(co.Remove)

	err = os.WriteFile(filepath.Join(co.Dir(), "driver.py"), []byte("# regenerated\n"), 0o600)
	require.NoError(t, err)

	commitID, err := co.CommitAndPush(context.Background(), "sync changes")
	require.NoError(t, err)
	require.NotEmpty(t, commitID)

	originRepo, err := git.PlainOpen(originDir)
	require.NoError(t, err)

	ref, err := originRepo.Reference(plumbing.NewBranchReferenceName("feature-x"), true)
	require.NoError(t, err)
	assert.Equal(t, commitID, ref.Hash().String())

	commit, err := originRepo.CommitObject(ref.Hash())
	require.NoError(t, err)
	assert.Equal(t, "sync changes", commit.Message)
}

func TestOpenChecksOutExistingRemoteBranch(t *testing.T) {
	originDir := newOriginRepo(t)
	mgr := newTestManager(t)

	co, err := mgr.Open(context.Background(), originDir, "feature-x", testDefaultBranch, "", "")
	require.NoError(t, err)

	err = os.WriteFile(filepath.Join(co.Dir(), "driver.py"), []byte("# regenerated\n"), 0o600)
	require.NoError(t, err)

	commitID, err := co.CommitAndPush(context.Background(), "sync changes")
	require.NoError(t, err)

	co.Remove()

	co2, err := mgr.Open(context.Background(), originDir, "feature-x", testDefaultBranch, "", "")
	require.NoError(t, err)

	t.Cleanup(co2.Remove)

	head, err := co2.repo.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName("feature-x"), head.Name())
	assert.Equal(t, commitID, head.Hash().String())
}

func TestOpenReturnsConflictErrorForExistingDir(t *testing.T) {
	originDir := newOriginRepo(t)
	mgr := newTestManager(t)

	path := filepath.Join(t.TempDir(), "syncbot-checkout-occupied")
	require.NoError(t, os.MkdirAll(path, 0o700))

	_, err := mgr.openAt(context.Background(), path, originDir, "feature-x", testDefaultBranch, "", "")
	require.Error(t, err)

	var conflictErr *syncerr.ConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, path, conflictErr.Path)
}

// TestOpenReturnsStatErrors uses a checkout path below a regular file,
// stat fails with ENOTDIR. The error must be returned instead of being
// treated like a free path.
func TestOpenReturnsStatErrors(t *testing.T) {
	originDir := newOriginRepo(t)
	mgr := newTestManager(t)

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	path := filepath.Join(blocker, "syncbot-checkout-unreachable")

	_, err := mgr.openAt(context.Background(), path, originDir, "feature-x", testDefaultBranch, "", "")
	require.Error(t, err)

	var conflictErr *syncerr.ConflictError
	assert.False(t, errors.As(err, &conflictErr))
	assert.NoDirExists(t, path)
}

func TestOpenRemovesDirOnFetchFailure(t *testing.T) {
	mgr := newTestManager(t)

	path := filepath.Join(t.TempDir(), "syncbot-checkout-fetchfail")

	_, err := mgr.openAt(context.Background(), path, filepath.Join(t.TempDir(), "does-not-exist"), "feature-x", testDefaultBranch, "", "")
	require.Error(t, err)

	assert.NoDirExists(t, path)
}
