// Package checkout manages disposable local clones of the downstream
// repository.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/syncerr"
)

const loggerName = "checkout"

const remoteName = "origin"

// Manager creates ephemeral checkouts of a repository.
type Manager struct {
	// BaseDir is the directory that checkouts are created in, the
	// process temp directory is used when it is empty.
	BaseDir string
	// AuthorName and AuthorEmail are recorded as commit author.
	AuthorName  string
	AuthorEmail string

	logger *zap.Logger
}

func NewManager(baseDir, authorName, authorEmail string) *Manager {
	return &Manager{
		BaseDir:     baseDir,
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
		logger:      zap.L().Named(loggerName),
	}
}

// Checkout is an ephemeral local clone bound to one branch.
// It must be released via Remove() when the workflow that created it ends.
type Checkout struct {
	path   string
	branch string
	repo   *git.Repository
	auth   transport.AuthMethod
	author object.Signature
	logger *zap.Logger
}

// Open creates a disposable directory, initializes a clone tracking url in
// it and switches it to branch.
// If branch exists on the remote it is checked out with upstream tracking,
// otherwise it is branched off defaultBranch.
// When the chosen local path already exists, e.g. as leftover of a previous
// uncleaned run, a *syncerr.ConflictError is returned.
func (m *Manager) Open(ctx context.Context, url, branch, defaultBranch, username, password string) (*Checkout, error) {
	baseDir := m.BaseDir
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	path := filepath.Join(baseDir, fmt.Sprintf("syncbot-checkout-%016x", rand.Int63()))

	return m.openAt(ctx, path, url, branch, defaultBranch, username, password)
}

func (m *Manager) openAt(ctx context.Context, path, url, branch, defaultBranch, username, password string) (*Checkout, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, &syncerr.ConflictError{Path: path}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking checkout directory failed: %w", err)
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating checkout directory failed: %w", err)
	}

	var auth transport.AuthMethod
	if password != "" {
		auth = &githttp.BasicAuth{Username: username, Password: password}
	}

	co := Checkout{
		path:   path,
		branch: branch,
		auth:   auth,
		author: object.Signature{
			Name:  m.AuthorName,
			Email: m.AuthorEmail,
		},
		logger: m.logger.With(
			logfields.Branch(branch),
			zap.String("checkout_dir", path),
		),
	}

	if err := co.init(ctx, url, defaultBranch); err != nil {
		co.Remove()
		return nil, err
	}

	return &co, nil
}

func (c *Checkout) init(ctx context.Context, url, defaultBranch string) error {
	repo, err := git.PlainInit(c.path, false)
	if err != nil {
		return fmt.Errorf("initializing git repository failed: %w", err)
	}

	c.repo = repo

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name:  remoteName,
		URLs:  []string{url},
		Fetch: []gitconfig.RefSpec{gitconfig.RefSpec("+refs/heads/*:refs/remotes/origin/*")},
	})
	if err != nil {
		return fmt.Errorf("creating remote failed: %w", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       c.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s failed: %w", remoteName, err)
	}

	remoteRef, err := c.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, c.branch), true)
	if err == nil {
		c.logger.Debug(
			"remote branch exists, checking it out",
			logfields.Event("checkout_remote_branch"),
		)

		return c.switchTo(remoteRef.Hash(), true)
	}

	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("resolving remote branch reference failed: %w", err)
	}

	defRef, err := c.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, defaultBranch), true)
	if err != nil {
		return fmt.Errorf("resolving remote default branch %q failed: %w", defaultBranch, err)
	}

	c.logger.Debug(
		"remote branch does not exist, branching off the default branch",
		logfields.Event("checkout_new_branch"),
		logfields.BaseBranch(defaultBranch),
	)

	return c.switchTo(defRef.Hash(), false)
}

func (c *Checkout) switchTo(hash plumbing.Hash, track bool) error {
	wt, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("retrieving worktree failed: %w", err)
	}

	err = wt.Checkout(&git.CheckoutOptions{
		Hash:   hash,
		Branch: plumbing.NewBranchReferenceName(c.branch),
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("checking out branch failed: %w", err)
	}

	if !track {
		return nil
	}

	err = c.repo.CreateBranch(&gitconfig.Branch{
		Name:   c.branch,
		Remote: remoteName,
		Merge:  plumbing.NewBranchReferenceName(c.branch),
	})
	if err != nil && !errors.Is(err, git.ErrBranchExists) {
		return fmt.Errorf("setting upstream tracking failed: %w", err)
	}

	return nil
}

// Dir returns the path of the checkout working directory.
func (c *Checkout) Dir() string {
	return c.path
}

// Branch returns the name of the checked out branch.
func (c *Checkout) Branch() string {
	return c.branch
}

// ChangedFiles returns the paths of all files of the working tree that
// differ from the clean checkout state.
func (c *Checkout) ChangedFiles() ([]string, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("retrieving worktree failed: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("retrieving worktree status failed: %w", err)
	}

	var result []string

	for path, fileStatus := range status {
		if fileStatus.Worktree == git.Unmodified && fileStatus.Staging == git.Unmodified {
			continue
		}

		result = append(result, path)
	}

	return result, nil
}

// CommitAndPush stages all working tree changes, commits them with message
// and pushes the branch to the remote.
// A rejected push, e.g. a non-fast-forward update caused by a concurrent
// change to the same branch, results in a *syncerr.PublishError, the
// operation is not retried.
func (c *Checkout) CommitAndPush(ctx context.Context, message string) (string, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("retrieving worktree failed: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes failed: %w", err)
	}

	author := c.author
	author.When = time.Now()

	commit, err := wt.Commit(message, &git.CommitOptions{Author: &author})
	if err != nil {
		return "", fmt.Errorf("committing changes failed: %w", err)
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", c.branch, c.branch))

	err = c.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       c.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", &syncerr.PublishError{Branch: c.branch, Err: err}
	}

	c.logger.Info(
		"changes pushed",
		logfields.Event("checkout_changes_pushed"),
		logfields.Commit(commit.String()),
	)

	return commit.String(), nil
}

// Remove deletes the checkout directory.
func (c *Checkout) Remove() {
	if err := os.RemoveAll(c.path); err != nil {
		c.logger.Warn(
			"removing checkout directory failed",
			logfields.Event("checkout_removing_dir_failed"),
			zap.Error(err),
		)
	}
}
