// Package sandbox builds isolated Python environments with the upstream
// package installed at an exact revision.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/syncerr"
)

const loggerName = "sandbox"

// Builder creates sandboxes via Python virtual environments.
type Builder struct {
	// PythonBin is the interpreter used to create the virtual
	// environments.
	PythonBin string
	// BaseDir is the directory that sandboxes are created in, the
	// process temp directory is used when it is empty.
	BaseDir string

	logger *zap.Logger
}

func NewBuilder(pythonBin, baseDir string) *Builder {
	return &Builder{
		PythonBin: pythonBin,
		BaseDir:   baseDir,
		logger:    zap.L().Named(loggerName),
	}
}

// Sandbox is an isolated Python environment with the upstream package
// installed at a pinned commit.
// It must be released via Remove() when the workflow that created it ends.
type Sandbox struct {
	path   string
	logger *zap.Logger
}

// Build creates a new virtual environment in a uniquely named directory and
// installs the package from cloneURL pinned to commit into it.
// If the installation fails the environment is torn down and a
// *syncerr.InstallError is returned.
func (b *Builder) Build(ctx context.Context, cloneURL, commit string) (*Sandbox, error) {
	baseDir := b.BaseDir
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	path := filepath.Join(baseDir, fmt.Sprintf("syncbot-venv-%016x", rand.Int63()))

	sb := Sandbox{
		path: path,
		logger: b.logger.With(
			zap.String("sandbox_dir", path),
			logfields.Commit(commit),
		),
	}

	if err := b.runCmd(ctx, b.PythonBin, "-m", "venv", path); err != nil {
		sb.Remove()
		return nil, fmt.Errorf("creating virtual environment failed: %w", err)
	}

	pkgURL := fmt.Sprintf("git+%s@%s", cloneURL, commit)

	if err := b.runCmd(ctx, sb.Pip(), "install", pkgURL); err != nil {
		sb.Remove()
		return nil, &syncerr.InstallError{CloneURL: cloneURL, Commit: commit, Err: err}
	}

	sb.logger.Debug(
		"sandbox created",
		logfields.Event("sandbox_created"),
		logfields.CloneURL(cloneURL),
	)

	return &sb, nil
}

func (b *Builder) runCmd(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%q exited with error: %w, output: %q",
			cmd.String(), err, string(out))
	}

	b.logger.Debug(
		"command executed",
		logfields.Event("sandbox_command_executed"),
		zap.String("command", cmd.String()),
		zap.ByteString("output", out),
	)

	return nil
}

// Python returns the path of the sandbox Python interpreter.
func (s *Sandbox) Python() string {
	return filepath.Join(s.path, "bin", "python")
}

// Pip returns the path of the sandbox pip executable.
func (s *Sandbox) Pip() string {
	return filepath.Join(s.path, "bin", "pip")
}

// Path returns the sandbox root directory.
func (s *Sandbox) Path() string {
	return s.path
}

// Remove deletes the sandbox directory.
func (s *Sandbox) Remove() {
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn(
			"removing sandbox directory failed",
			logfields.Event("sandbox_removing_dir_failed"),
			zap.Error(err),
		)
	}
}
