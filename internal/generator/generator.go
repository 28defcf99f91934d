// Package generator runs the downstream code generator inside a sandbox and
// detects the files it changed.
package generator

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/syncerr"
)

const loggerName = "generator"

// Environment provides the executables of an isolated Python environment.
type Environment interface {
	Python() string
	Pip() string
}

// Worktree is a local checkout that the generator writes its output to.
type Worktree interface {
	Dir() string
	ChangedFiles() ([]string, error)
}

// Invoker runs the code generator of the downstream repository.
type Invoker struct {
	// RequirementsFile is the path of the downstream pip requirements
	// file, relative to the checkout directory.
	RequirementsFile string
	// Entrypoint is the path of the generator script, relative to the
	// checkout directory.
	Entrypoint string

	logger *zap.Logger
}

func NewInvoker(requirementsFile, entrypoint string) *Invoker {
	return &Invoker{
		RequirementsFile: requirementsFile,
		Entrypoint:       entrypoint,
		logger:           zap.L().Named(loggerName),
	}
}

// Result describes the outcome of a generator run.
// A nil or empty Files slice means the regenerated code is identical to the
// committed state.
type Result struct {
	// Files are the paths of the changed files, relative to the
	// checkout directory.
	Files []string
}

// Changed returns true if the generator run changed at least one file.
func (r *Result) Changed() bool {
	return len(r.Files) > 0
}

// Run installs the downstream requirements into env, executes the generator
// in the checkout directory of wt and reports the files it changed.
// Failures of the pip or generator processes result in a
// *syncerr.GenerationError.
func (inv *Invoker) Run(ctx context.Context, env Environment, wt Worktree) (*Result, error) {
	err := inv.runCmd(ctx, wt.Dir(), env.Pip(), "install", "-r", inv.RequirementsFile)
	if err != nil {
		return nil, err
	}

	err = inv.runCmd(ctx, wt.Dir(), env.Python(), inv.Entrypoint, "generate-all")
	if err != nil {
		return nil, err
	}

	files, err := wt.ChangedFiles()
	if err != nil {
		return nil, fmt.Errorf("detecting changed files failed: %w", err)
	}

	inv.logger.Debug(
		"generator run finished",
		logfields.Event("generator_run_finished"),
		zap.Strings("changed_files", files),
	)

	return &Result{Files: files}, nil
}

func (inv *Invoker) runCmd(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return &syncerr.GenerationError{
			Command: cmd.String(),
			Err:     fmt.Errorf("%w, output: %q", err, string(out)),
		}
	}

	inv.logger.Debug(
		"command executed",
		logfields.Event("generator_command_executed"),
		zap.String("command", cmd.String()),
		zap.ByteString("output", out),
	)

	return nil
}
