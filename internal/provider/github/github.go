// Package github receives github webhook http-requests and converts them to
// provider events.
package github

import (
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/provider"
)

const loggerName = "github-event-provider"

// ackBody is the fixed response body for accepted payloads.
// The processing outcome of an event is never reflected in the http
// response, it only surfaces as comments on the synced pull requests or in
// the process logs.
const ackBody = "ok"

// Provider listens for github webhook http-requests at a http-server
// handler, validates and converts the requests to Events and forwards them
// to an event channel.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	c             chan<- *provider.Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *provider.Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logger.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	prEvent, ok := event.(*github.PullRequestEvent)
	if !ok {
		logger.Debug(
			"ignoring event, event type is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)

		p.ack(resp, logger)
		return
	}

	ev := toProviderEvent(deliveryID, hookType, payload, prEvent)
	logger = logger.With(ev.LogFields()...)

	select {
	case p.c <- ev:
		logger.Debug(
			"event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		// The engine ensures the channel is consumed quickly, a full
		// channel means it is overloaded. The event is lost, the
		// sender still gets the fixed acknowledgment.
		logger.Warn(
			"event lost, forwarding event to channel would have blocked",
			logfields.Event("github_forwarding_event_failed"),
		)
	}

	p.ack(resp, logger)
}

func (p *Provider) ack(resp http.ResponseWriter, logger *zap.Logger) {
	if _, err := resp.Write([]byte(ackBody)); err != nil {
		logger.Debug(
			"writing response body failed",
			logfields.Event("github_http_response_write_failed"),
			zap.Error(err),
		)
	}
}

func toProviderEvent(deliveryID, hookType string, payload []byte, ev *github.PullRequestEvent) *provider.Event {
	result := provider.Event{
		JSON:       payload,
		Provider:   "github",
		DeliveryID: deliveryID,
		EventType:  hookType,
		Action:     ev.GetAction(),
	}

	if repo := ev.GetRepo(); repo != nil {
		result.RepositoryID = repo.GetID()
	}

	pr := ev.GetPullRequest()
	if pr == nil {
		return &result
	}

	result.PullRequestNr = pr.GetNumber()
	result.PullRequestTitle = pr.GetTitle()
	result.PullRequestURL = pr.GetHTMLURL()
	result.Merged = pr.GetMerged()

	if head := pr.GetHead(); head != nil {
		result.Branch = head.GetRef()
		result.CommitID = head.GetSHA()
		result.CloneURL = head.GetRepo().GetCloneURL()
	}

	if base := pr.GetBase(); base != nil {
		result.BaseBranch = base.GetRef()
	}

	return &result
}
