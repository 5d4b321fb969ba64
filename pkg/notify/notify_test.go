package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/types"
	"github.com/slack-go/slack"
)

// fakePoster captures sent messages and returns scripted errors in order
type fakePoster struct {
	mu   sync.Mutex
	sent []*slack.WebhookMessage
	errs []error
}

func (f *fakePoster) post(ctx context.Context, url string, msg *slack.WebhookMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakePoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func allOn() Config {
	return Config{
		WebhookURL:          "https://hooks.slack.com/services/T00/B00/x",
		NotifyOnCritical:    true,
		NotifyOnHigh:        true,
		NotifyOnMedium:      true,
		NotifyOnRemediation: true,
		NotifyOnAutoResolve: true,
	}
}

func newTestNotifier(cfg Config) (*Notifier, *fakePoster, *time.Time) {
	f := &fakePoster{}
	n := New(cfg)
	n.post = f.post
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	return n, f, &now
}

func alertEvent(kind alerting.EventKind, severity types.Severity) alerting.Event {
	return alerting.Event{
		Kind: kind,
		Alert: &types.Alert{
			ID:        "a-1",
			ServerID:  "nas-01",
			AlertType: "cpu",
			Severity:  severity,
			Title:     "CPU usage high on nas-01",
			Message:   "CPU usage at 91.0% (high threshold 85%)",
		},
	}
}

func TestNotifyAlertSeverityGating(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		severity types.Severity
		want     Outcome
	}{
		{"critical on", nil, types.SeverityCritical, OutcomeSent},
		{"critical off", func(c *Config) { c.NotifyOnCritical = false }, types.SeverityCritical, OutcomeSkipped},
		{"high off", func(c *Config) { c.NotifyOnHigh = false }, types.SeverityHigh, OutcomeSkipped},
		{"medium off", func(c *Config) { c.NotifyOnMedium = false }, types.SeverityMedium, OutcomeSkipped},
		{"warning follows medium flag", func(c *Config) { c.NotifyOnMedium = false }, types.SeverityWarning, OutcomeSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := allOn()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			n, f, _ := newTestNotifier(cfg)
			got := n.NotifyAlert(alertEvent(alerting.EventRaised, tt.severity))
			if got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
			wantSent := 0
			if tt.want == OutcomeSent {
				wantSent = 1
			}
			if f.count() != wantSent {
				t.Errorf("posts = %d, want %d", f.count(), wantSent)
			}
		})
	}
}

func TestNotifyAlertResolvedGating(t *testing.T) {
	// Auto-resolved follows notify_on_auto_resolve
	cfg := allOn()
	cfg.NotifyOnAutoResolve = false
	n, _, _ := newTestNotifier(cfg)
	ev := alertEvent(alerting.EventResolved, types.SeverityHigh)
	ev.Alert.AutoResolved = true
	if got := n.NotifyAlert(ev); got != OutcomeSkipped {
		t.Errorf("auto-resolved outcome = %s, want skipped", got)
	}

	// Manual resolve follows notify_on_remediation
	cfg = allOn()
	cfg.NotifyOnRemediation = false
	n, _, _ = newTestNotifier(cfg)
	ev.Alert.AutoResolved = false
	if got := n.NotifyAlert(ev); got != OutcomeSkipped {
		t.Errorf("manual resolve outcome = %s, want skipped", got)
	}
}

func TestNotifyAlertNoWebhookConfigured(t *testing.T) {
	n, f, _ := newTestNotifier(Config{})
	if got := n.NotifyAlert(alertEvent(alerting.EventRaised, types.SeverityCritical)); got != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", got)
	}
	if f.count() != 0 {
		t.Error("posted without a webhook URL")
	}
}

func TestRateLimitedQueuesWithRetryAfter(t *testing.T) {
	n, f, now := newTestNotifier(allOn())
	f.errs = []error{&slack.RateLimitedError{RetryAfter: 30 * time.Second}}

	got := n.NotifyAlert(alertEvent(alerting.EventRaised, types.SeverityCritical))
	if got != OutcomeQueued {
		t.Fatalf("outcome = %s, want queued", got)
	}
	if n.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1", n.QueueLen())
	}

	// Not due yet
	*now = now.Add(10 * time.Second)
	n.ProcessRetryQueue()
	if f.count() != 1 {
		t.Errorf("retried before Retry-After elapsed: %d posts", f.count())
	}

	// Due; the retry succeeds and drains the queue
	*now = now.Add(25 * time.Second)
	n.ProcessRetryQueue()
	if f.count() != 2 {
		t.Errorf("posts = %d, want 2", f.count())
	}
	if n.QueueLen() != 0 {
		t.Errorf("queue length = %d, want 0", n.QueueLen())
	}
}

func TestServerErrorRetriesThenDrops(t *testing.T) {
	n, f, now := newTestNotifier(allOn())
	serverErr := slack.StatusCodeError{Code: 502, Status: "502 Bad Gateway"}
	f.errs = []error{serverErr, serverErr, serverErr}

	if got := n.NotifyAlert(alertEvent(alerting.EventRaised, types.SeverityCritical)); got != OutcomeQueued {
		t.Fatalf("first outcome = %s, want queued", got)
	}

	// Second attempt fails again and requeues
	*now = now.Add(time.Minute)
	n.ProcessRetryQueue()
	if n.QueueLen() != 1 {
		t.Fatalf("queue length after second failure = %d, want 1", n.QueueLen())
	}

	// Third attempt exhausts maxAttempts and drops
	*now = now.Add(time.Minute)
	n.ProcessRetryQueue()
	if n.QueueLen() != 0 {
		t.Errorf("queue length after exhaustion = %d, want 0", n.QueueLen())
	}
	if f.count() != 3 {
		t.Errorf("posts = %d, want 3", f.count())
	}
}

func TestClientErrorDropsImmediately(t *testing.T) {
	n, _, _ := newTestNotifier(allOn())
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		return slack.StatusCodeError{Code: 404, Status: "404 Not Found"}
	}

	if got := n.NotifyAlert(alertEvent(alerting.EventRaised, types.SeverityCritical)); got != OutcomeDropped {
		t.Errorf("outcome = %s, want dropped", got)
	}
	if n.QueueLen() != 0 {
		t.Error("non-retryable failure was queued")
	}
}

func TestQueueDropsOldestAtCapacity(t *testing.T) {
	n, _, _ := newTestNotifier(allOn())
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		return slack.StatusCodeError{Code: 503, Status: "503 Service Unavailable"}
	}

	for i := 0; i < queueCap+5; i++ {
		ev := alertEvent(alerting.EventRaised, types.SeverityCritical)
		ev.Alert.Title = fmt.Sprintf("alert %d", i)
		n.NotifyAlert(ev)
	}
	if n.QueueLen() != queueCap {
		t.Errorf("queue length = %d, want capped at %d", n.QueueLen(), queueCap)
	}
}

func TestActionNotificationNeverQueues(t *testing.T) {
	n, _, _ := newTestNotifier(allOn())
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		return &slack.RateLimitedError{RetryAfter: time.Second}
	}

	action := &types.RemediationAction{
		ID:       "act-1",
		ServerID: "nas-01",
		Type:     types.ActionRestartService,
		Status:   types.ActionStatusFailed,
	}
	if got := n.NotifyAction(action, nil); got != OutcomeDropped {
		t.Errorf("outcome = %s, want dropped", got)
	}
	if n.QueueLen() != 0 {
		t.Error("action notification entered the retry queue")
	}
}

func TestStartDeliversBrokerEvents(t *testing.T) {
	n, f, _ := newTestNotifier(allOn())
	b := events.NewBroker()
	b.Start()
	defer b.Stop()
	n.Start(b)

	alert := alertEvent(alerting.EventRaised, types.SeverityCritical)
	b.Publish(&events.Event{Type: events.EventAlertRaised, Alert: &alert})
	b.Publish(&events.Event{
		Type: events.EventActionCompleted,
		Action: &events.ActionPayload{
			Action: &types.RemediationAction{
				ID:       "act-1",
				ServerID: "nas-01",
				Type:     types.ActionRestartService,
				Status:   types.ActionStatusCompleted,
			},
			Server: &types.Server{ID: "nas-01"},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for f.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.count() != 2 {
		t.Fatalf("posted %d notifications, want alert and action", f.count())
	}
}

func TestFormatAlertReminderPrefix(t *testing.T) {
	msg := formatAlert(alertEvent(alerting.EventReminder, types.SeverityHigh))
	if !strings.HasPrefix(msg.Attachments[0].Title, "[Reminder] ") {
		t.Errorf("title = %q, want [Reminder] prefix", msg.Attachments[0].Title)
	}
}

func TestFormatAlertColors(t *testing.T) {
	tests := []struct {
		name string
		ev   alerting.Event
		want string
	}{
		{"critical", alertEvent(alerting.EventRaised, types.SeverityCritical), colorCritical},
		{"high", alertEvent(alerting.EventRaised, types.SeverityHigh), colorHigh},
		{"medium", alertEvent(alerting.EventRaised, types.SeverityMedium), colorMedium},
		{"resolved is green regardless", alertEvent(alerting.EventResolved, types.SeverityCritical), colorResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := formatAlert(tt.ev)
			if msg.Attachments[0].Color != tt.want {
				t.Errorf("color = %q, want %q", msg.Attachments[0].Color, tt.want)
			}
		})
	}
}

func TestFormatAlertResolvedDuration(t *testing.T) {
	ev := alertEvent(alerting.EventResolved, types.SeverityHigh)
	ev.DurationMinutes = 42

	msg := formatAlert(ev)
	var durField *slack.AttachmentField
	for i, f := range msg.Attachments[0].Fields {
		if f.Title == "Duration" {
			durField = &msg.Attachments[0].Fields[i]
		}
	}
	if durField == nil || durField.Value != "42m" {
		t.Errorf("duration field = %+v, want 42m", durField)
	}
}

func TestFormatActionFailureCapsStderr(t *testing.T) {
	exitCode := 1
	action := &types.RemediationAction{
		ID:       "act-1",
		ServerID: "nas-01",
		Type:     types.ActionRestartService,
		Status:   types.ActionStatusFailed,
		Command:  "sudo systemctl restart nginx",
		Stderr:   strings.Repeat("x", stderrCap+200),
		ExitCode: &exitCode,
	}

	msg := formatAction(action, nil)
	att := msg.Attachments[0]
	if len(att.Text) != stderrCap+len("…") {
		t.Errorf("stderr length = %d, want capped", len(att.Text))
	}
	if strings.Contains(att.Title, action.Command) || strings.Contains(att.Text, action.Command) {
		t.Error("command text leaked into the notification")
	}

	var hasExit bool
	for _, f := range att.Fields {
		if f.Title == "Exit code" && f.Value == "1" {
			hasExit = true
		}
	}
	if !hasExit {
		t.Error("exit code missing from failure notification")
	}
}

func TestFormatActionSuccessIsCompact(t *testing.T) {
	action := &types.RemediationAction{
		ID:          "act-1",
		ServerID:    "nas-01",
		Type:        types.ActionRestartService,
		ServiceName: "nginx",
		Status:      types.ActionStatusCompleted,
	}
	server := &types.Server{ID: "nas-01", DisplayName: "NAS"}

	msg := formatAction(action, server)
	att := msg.Attachments[0]
	if att.Color != colorResolved {
		t.Errorf("color = %q, want green", att.Color)
	}
	if !strings.Contains(att.Title, "restart_service nginx") || !strings.Contains(att.Title, "NAS") {
		t.Errorf("title = %q", att.Title)
	}
	if len(att.Fields) != 0 {
		t.Errorf("success notification has %d fields, want none", len(att.Fields))
	}
}
