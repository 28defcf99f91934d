// Package comment renders the pull request comments and bodies that the bot
// publishes.
package comment

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Renderer renders comment bodies for a fixed pair of source and downstream
// repositories.
type Renderer struct {
	// SourceRepo is the display name of the upstream repository, e.g.
	// "zhinst-toolkit".
	SourceRepo string
	// DownstreamRepo is the display name of the generated repository,
	// e.g. "zhinst-qcodes".
	DownstreamRepo string
}

func NewRenderer(sourceRepo, downstreamRepo string) *Renderer {
	return &Renderer{
		SourceRepo:     sourceRepo,
		DownstreamRepo: downstreamRepo,
	}
}

// UpdateContext describes the outcome of a synchronization run for the
// comment on the upstream pull request.
type UpdateContext struct {
	// NewChanges is true when the synchronization pushed a new commit.
	// When it is false all other fields are ignored.
	NewChanges bool
	// NewBranch is true when the downstream branch did not exist before
	// the synchronization run.
	NewBranch      bool
	BranchName     string
	BranchURL      string
	CommitURL      string
	PullRequestURL string
	// UsedCommit is the upstream commit the sandbox was pinned to.
	UsedCommit string
	// Files are the changed file paths, relative to the downstream
	// repository root.
	Files []string
}

// UpdateMessage renders the comment that is posted on the upstream pull
// request after a synchronization run.
func (r *Renderer) UpdateMessage(updCtx *UpdateContext) (string, error) {
	data := struct {
		*UpdateContext
		SourceRepo     string
		DownstreamRepo string
	}{
		UpdateContext:  updCtx,
		SourceRepo:     r.SourceRepo,
		DownstreamRepo: r.DownstreamRepo,
	}

	return r.render("update_message.tmpl", &data)
}

// PullRequestBody renders the body of a newly created downstream pull
// request, linking it to its upstream counterpart.
func (r *Renderer) PullRequestBody(linkedPullRequestURL string) (string, error) {
	data := struct {
		SourceRepo           string
		LinkedPullRequestURL string
	}{
		SourceRepo:           r.SourceRepo,
		LinkedPullRequestURL: linkedPullRequestURL,
	}

	return r.render("pr_body.tmpl", &data)
}

// BranchMerged returns the comment for a downstream pull request whose
// upstream counterpart was merged.
func (r *Renderer) BranchMerged(upstreamPullRequestURL string) string {
	return fmt.Sprintf("The corresponding %s branch was merged. (%s)",
		r.SourceRepo, upstreamPullRequestURL)
}

// BranchClosed returns the comment for a downstream pull request whose
// upstream counterpart was closed without being merged.
func (r *Renderer) BranchClosed(upstreamPullRequestURL string) string {
	return fmt.Sprintf("The corresponding %s branch was closed. (%s)",
		r.SourceRepo, upstreamPullRequestURL)
}

// BranchReopened returns the comment for a downstream pull request whose
// upstream counterpart was reopened.
func (r *Renderer) BranchReopened(upstreamPullRequestURL string) string {
	return fmt.Sprintf("The corresponding %s branch was reopened. (%s)",
		r.SourceRepo, upstreamPullRequestURL)
}

func (r *Renderer) render(name string, data any) (string, error) {
	var buf strings.Builder

	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering template %s failed: %w", name, err)
	}

	return buf.String(), nil
}
