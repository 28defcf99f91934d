// Package provider defines the event type that event providers forward to
// the sync engine.
package provider

import (
	"fmt"

	"go.uber.org/zap"
)

// Event is a preprocessed pull request webhook event.
// It is constructed once per received webhook call and not modified
// afterwards.
type Event struct {
	// JSON is the raw event payload.
	JSON     []byte
	Provider string

	DeliveryID string
	EventType  string

	// Action is the pull request action, e.g. "opened" or "synchronize".
	Action string

	// RepositoryID is the numeric github ID of the repository the event
	// originated from.
	RepositoryID int64

	// PullRequestNr is 0 if it is not available.
	PullRequestNr    int
	PullRequestTitle string
	PullRequestURL   string
	Merged           bool

	// CloneURL is the https clone URL of the head repository, it can
	// belong to a fork.
	CloneURL string
	// Branch is the head branch of the pull request.
	Branch string
	// CommitID is the sha of the head commit.
	CommitID string
	// BaseBranch is the branch the pull request wants to merge into.
	BaseBranch string
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (deliveryID: %s)", e.EventType, e.DeliveryID)
}

func (e *Event) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if e.DeliveryID != "" {
		fields = append(fields, zap.String("github.delivery_id", e.DeliveryID))
	}

	if e.Action != "" {
		fields = append(fields, zap.String("github.action", e.Action))
	}

	if e.CommitID != "" {
		fields = append(fields, zap.String("git.commit", e.CommitID))
	}

	if e.Branch != "" {
		fields = append(fields, zap.String("git.branch", e.Branch))
	}

	if e.BaseBranch != "" {
		fields = append(fields, zap.String("git.base_branch", e.BaseBranch))
	}

	if e.PullRequestNr != 0 {
		fields = append(fields, zap.Int("github.pull_request_nr", e.PullRequestNr))
	}

	if e.RepositoryID != 0 {
		fields = append(fields, zap.Int64("github.repository_id", e.RepositoryID))
	}

	return fields
}
