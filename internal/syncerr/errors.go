package syncerr

import "fmt"

// The error types below terminate a single sync workflow.
// None of them is retried, they are logged and the workflow is aborted.

// AuthError is returned when resolving an authenticated repository handle
// fails, e.g. because the app installation for the repository could not be
// found.
type AuthError struct {
	Repository string
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("resolving authenticated handle for repository %s failed: %s", e.Repository, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InstallError is returned when installing the pinned source revision into a
// sandbox fails.
type InstallError struct {
	CloneURL string
	Commit   string
	Err      error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s@%s into sandbox failed: %s", e.CloneURL, e.Commit, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// GenerationError is returned when installing the downstream dependencies or
// running the code generator fails.
// No commit is produced when it occurs.
type GenerationError struct {
	Command string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("running %q failed: %s", e.Command, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ConflictError is returned when the local directory chosen for an ephemeral
// checkout already exists, e.g. as leftover of a previous uncleaned run.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkout directory %s already exists", e.Path)
}

// PublishError is returned when pushing the generated changes to the
// downstream remote was rejected, e.g. because of a non-fast-forward update
// caused by a concurrent change to the same branch.
type PublishError struct {
	Branch string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("pushing branch %s failed: %s", e.Branch, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
