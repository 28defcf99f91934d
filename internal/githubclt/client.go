// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/syncerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// tokenUsername is the username that github expects for https git operations
// that authenticate with an access token.
const tokenUsername = "x-access-token"

// Client is a github API client.
// Methods return a syncerr.RetryableError when an operation can be retried,
// e.g. when the API ratelimit is exceeded or github responded with a server
// error.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger

	// tokenFn returns a token that authenticates git https operations.
	tokenFn func(context.Context) (string, error)
}

// New returns a client that authenticates with a static oauth API token.
func New(oauthAPIToken string) *Client {
	httpClient := newHTTPClient(oauthAPIToken)

	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
		tokenFn: func(context.Context) (string, error) {
			return oauthAPIToken, nil
		},
	}
}

// NewAppClient returns a client that authenticates as a github app
// installation.
// The installation is resolved via the repository that the app is installed
// on, installation tokens are created and refreshed transparently.
func NewAppClient(ctx context.Context, appID int64, privateKeyFile, owner, repo string) (*Client, error) {
	appTr, err := ghinstallation.NewAppsTransportKeyFromFile(http.DefaultTransport, appID, privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading github app key failed: %w", err)
	}

	appClt := github.NewClient(&http.Client{
		Transport: appTr,
		Timeout:   DefaultHTTPClientTimeout,
	})

	installation, _, err := appClt.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return nil, &syncerr.AuthError{
			Repository: owner + "/" + repo,
			Err:        err,
		}
	}

	instTr := ghinstallation.NewFromAppsTransport(appTr, installation.GetID())
	httpClient := &http.Client{
		Transport: instTr,
		Timeout:   DefaultHTTPClientTimeout,
	}

	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
		tokenFn:    instTr.Token,
	}, nil
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// GitCredentials returns a username and token that authenticate git https
// operations like clone and push.
// For app clients the returned token is an installation token with a limited
// lifetime, it must be requested anew per workflow.
func (clt *Client) GitCredentials(ctx context.Context) (username, password string, err error) {
	token, err := clt.tokenFn(ctx)
	if err != nil {
		return "", "", &syncerr.AuthError{Err: err}
	}

	return tokenUsername, token, nil
}

// PullRequest is the subset of pull request information that the sync engine
// operates on.
type PullRequest struct {
	Number  int
	Title   string
	State   string
	HTMLURL string
	Branch  string
}

// PullRequestForBranch returns the pull request whose head branch is branch.
// The repository's issues are scanned linearly, issues that are not pull
// requests or that cannot be resolved to one are skipped.
// If no pull request for the branch exists, nil is returned.
func (clt *Client) PullRequestForBranch(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	opts := github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		issues, resp, err := clt.restClt.Issues.ListByRepo(ctx, owner, repo, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, issue := range issues {
			if !issue.IsPullRequest() {
				continue
			}

			pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, issue.GetNumber())
			if err != nil {
				clt.logger.Debug(
					"skipping issue, resolving it to a pull request failed",
					logfields.Event("github_issue_pr_lookup_failed"),
					logfields.Repository(repo),
					logfields.RepositoryOwner(owner),
					zap.Int("github.issue", issue.GetNumber()),
					zap.Error(err),
				)

				continue
			}

			if pr.GetHead().GetRef() != branch {
				continue
			}

			return &PullRequest{
				Number:  pr.GetNumber(),
				Title:   pr.GetTitle(),
				State:   pr.GetState(),
				HTMLURL: pr.GetHTMLURL(),
				Branch:  branch,
			}, nil
		}

		if resp.NextPage == 0 {
			return nil, nil
		}

		opts.Page = resp.NextPage
	}
}

// CreatePullRequest opens a pull request for head onto base.
func (clt *Client) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	return &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		HTMLURL: pr.GetHTMLURL(),
		Branch:  head,
	}, nil
}

// CreateIssueComment creates a comment in an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// UpdatePullRequestTitle sets the title of a pull request.
func (clt *Client) UpdatePullRequestTitle(ctx context.Context, owner, repo string, nr int, title string) error {
	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, nr, &github.PullRequest{Title: &title})
	return clt.wrapRetryableErrors(err)
}

// UpdatePullRequestState transitions a pull request to state, either "open"
// or "closed".
func (clt *Client) UpdatePullRequestState(ctx context.Context, owner, repo string, nr int, state string) error {
	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, nr, &github.PullRequest{State: &state})
	return clt.wrapRetryableErrors(err)
}

// DefaultBranch returns the name of the default branch of a repository.
func (clt *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	repository, _, err := clt.restClt.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	defBranch := repository.GetDefaultBranch()
	if defBranch == "" {
		return "", errors.New("github returned a repository with an empty default_branch field")
	}

	return defBranch, nil
}

// BranchExists returns true when the repository has a branch with the given
// name.
func (clt *Client) BranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	var query struct {
		Repository struct {
			Ref *struct {
				ID githubv4.ID
			} `graphql:"ref(qualifiedName: $ref)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(repo),
		"ref":   githubv4.String("refs/heads/" + branch),
	}

	if err := clt.graphQLClt.Query(ctx, &query, vars); err != nil {
		return false, clt.wrapGraphQLRetryableErrors(err)
	}

	return query.Repository.Ref != nil, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return syncerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		retryAfter := time.Now().Add(v.GetRetryAfter())

		clt.logger.Info(
			"secondary rate limit exceeded",
			logfields.Event("github_api_secondary_rate_limit_exceeded"),
			zap.Time("github_api_rate_limit_reset_time", retryAfter),
		)

		return syncerr.NewRetryableError(err, retryAfter)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return syncerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return syncerr.NewRetryableAnytimeError(err)
	}

	return err
}
