// Package notify delivers alert and action notifications to a
// Slack-compatible webhook, with rate-limit handling and a bounded
// retry queue.
package notify

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/metrics"
	"github.com/homelabcmd/hub/pkg/types"
	"github.com/slack-go/slack"
)

const (
	queueCap    = 100
	maxAttempts = 3
)

// backoff by attempt index, in seconds
var backoff = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// Outcome says what happened to one notification
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeQueued  Outcome = "queued"
	OutcomeDropped Outcome = "dropped"
)

// Config controls which events notify and where they go
type Config struct {
	WebhookURL string `yaml:"webhook_url"`

	NotifyOnCritical    bool `yaml:"notify_on_critical"`
	NotifyOnHigh        bool `yaml:"notify_on_high"`
	NotifyOnMedium      bool `yaml:"notify_on_medium"`
	NotifyOnRemediation bool `yaml:"notify_on_remediation"`
	NotifyOnAutoResolve bool `yaml:"notify_on_auto_resolve"`
}

// poster sends one webhook message; swappable in tests
type poster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

type queuedItem struct {
	msg     *slack.WebhookMessage
	attempt int
	nextAt  time.Time
}

// Notifier formats and delivers notifications. Callers never block on
// delivery failures; retryable errors land in the bounded queue.
type Notifier struct {
	cfg  Config
	post poster

	mu    sync.Mutex
	queue []queuedItem

	now func() time.Time
}

// New creates a notifier
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		post: func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
			return slack.PostWebhookContext(ctx, url, msg)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start consumes broker events until the subscription closes
func (n *Notifier) Start(broker *events.Broker) {
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			n.handle(ev)
		}
	}()
}

func (n *Notifier) handle(ev *events.Event) {
	switch {
	case ev.Alert != nil:
		n.NotifyAlert(*ev.Alert)
	case ev.Action != nil:
		n.NotifyAction(ev.Action.Action, ev.Action.Server)
	}
}

// NotifyAlert dispatches one alert transition, honouring the notify_on_*
// flags. A gated-off event is an intentional success.
func (n *Notifier) NotifyAlert(ev alerting.Event) Outcome {
	if n.cfg.WebhookURL == "" {
		return OutcomeSkipped
	}
	if !n.wants(ev) {
		metrics.NotificationsTotal.WithLabelValues("gated").Inc()
		return OutcomeSkipped
	}
	return n.send(formatAlert(ev), 0, true)
}

// NotifyAction dispatches a finished action. Action notifications never
// enter the retry queue.
func (n *Notifier) NotifyAction(action *types.RemediationAction, server *types.Server) Outcome {
	if n.cfg.WebhookURL == "" {
		return OutcomeSkipped
	}
	return n.send(formatAction(action, server), 0, false)
}

func (n *Notifier) wants(ev alerting.Event) bool {
	if ev.Kind == alerting.EventResolved {
		if ev.Alert.AutoResolved {
			return n.cfg.NotifyOnAutoResolve
		}
		return n.cfg.NotifyOnRemediation
	}
	switch ev.Alert.Severity {
	case types.SeverityCritical:
		return n.cfg.NotifyOnCritical
	case types.SeverityHigh:
		return n.cfg.NotifyOnHigh
	default:
		return n.cfg.NotifyOnMedium
	}
}

// send posts one message and classifies the failure: 429 honours
// Retry-After, 5xx and timeouts retry with backoff, other 4xx drop.
func (n *Notifier) send(msg *slack.WebhookMessage, attempt int, retryable bool) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := n.post(ctx, n.cfg.WebhookURL, msg)
	if err == nil {
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		return OutcomeSent
	}

	logger := log.WithComponent("notify")

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		if !retryable {
			metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
			return OutcomeDropped
		}
		n.enqueue(msg, attempt+1, n.now().Add(rateLimited.RetryAfter))
		logger.Warn().
			Dur("retry_after", rateLimited.RetryAfter).
			Msg("webhook rate limited, queued for retry")
		metrics.NotificationsTotal.WithLabelValues("rate_limited").Inc()
		return OutcomeQueued
	}

	if isRetryable(err) {
		if !retryable || attempt+1 >= maxAttempts {
			logger.Error().Err(err).Int("attempt", attempt).Msg("notification dropped")
			metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
			return OutcomeDropped
		}
		n.enqueue(msg, attempt+1, n.now().Add(backoff[min(attempt, len(backoff)-1)]))
		metrics.NotificationsTotal.WithLabelValues("queued").Inc()
		return OutcomeQueued
	}

	// Remaining 4xx means our payload or config is wrong; retrying can't help
	logger.Error().Err(err).Msg("webhook rejected notification")
	metrics.NotificationsTotal.WithLabelValues("rejected").Inc()
	return OutcomeDropped
}

// isRetryable covers server-side errors and transport timeouts
func isRetryable(err error) bool {
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// enqueue appends to the bounded ring; overflow drops the oldest entry
func (n *Notifier) enqueue(msg *slack.WebhookMessage, attempt int, nextAt time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) >= queueCap {
		n.queue = n.queue[1:]
		log.WithComponent("notify").Warn().Msg("retry queue full, dropped oldest")
	}
	n.queue = append(n.queue, queuedItem{msg: msg, attempt: attempt, nextAt: nextAt})
}

// ProcessRetryQueue re-sends every queued item whose scheduled time has
// elapsed. Called periodically by the scheduler.
func (n *Notifier) ProcessRetryQueue() {
	n.mu.Lock()
	due := make([]queuedItem, 0)
	remaining := n.queue[:0]
	now := n.now()
	for _, item := range n.queue {
		if !item.nextAt.After(now) {
			due = append(due, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	n.queue = remaining
	n.mu.Unlock()

	for _, item := range due {
		n.send(item.msg, item.attempt, true)
	}
}

// QueueLen reports how many notifications await retry
func (n *Notifier) QueueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}
