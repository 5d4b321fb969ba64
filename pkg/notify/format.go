package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/types"
	"github.com/slack-go/slack"
)

// Attachment colours by severity, resolved is always green
const (
	colorCritical = "#cc0000"
	colorHigh     = "#e6a23c"
	colorMedium   = "#3498db"
	colorResolved = "#2eb886"
)

const stderrCap = 500

func severityColor(sev types.Severity) string {
	switch sev {
	case types.SeverityCritical:
		return colorCritical
	case types.SeverityHigh:
		return colorHigh
	default:
		return colorMedium
	}
}

// formatAlert renders one alert transition as a webhook message. Tokens and
// command text never appear here; only what a human needs to react.
func formatAlert(ev alerting.Event) *slack.WebhookMessage {
	alert := ev.Alert
	serverName := alert.ServerID
	if ev.Server != nil {
		serverName = ev.Server.Display()
	}

	var header string
	color := severityColor(alert.Severity)
	switch {
	case ev.Kind == alerting.EventResolved:
		color = colorResolved
		header = fmt.Sprintf("Resolved: %s", alert.Title)
	case strings.HasPrefix(alert.AlertType, "service:"):
		header = fmt.Sprintf("Service down: %s", alert.Title)
	case alert.AlertType == alerting.AlertTypeOffline:
		header = fmt.Sprintf("Server offline: %s", serverName)
	default:
		header = alert.Title
	}
	if ev.Kind == alerting.EventReminder {
		header = "[Reminder] " + header
	}

	fields := []slack.AttachmentField{
		{Title: "Server", Value: serverName, Short: true},
		{Title: "Severity", Value: string(alert.Severity), Short: true},
	}
	if alert.ThresholdValue > 0 {
		fields = append(fields,
			slack.AttachmentField{Title: "Current", Value: fmt.Sprintf("%.1f%%", alert.ActualValue), Short: true},
			slack.AttachmentField{Title: "Threshold", Value: fmt.Sprintf("%.0f%%", alert.ThresholdValue), Short: true},
		)
	}
	if ev.Kind == alerting.EventResolved && ev.DurationMinutes > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Duration", Value: fmt.Sprintf("%dm", ev.DurationMinutes), Short: true,
		})
	}

	return &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  header,
			Text:   alert.Message,
			Fields: fields,
			Footer: "homelab hub",
		}},
	}
}

// formatAction renders a finished remediation action. Failures carry the
// action ID and capped stderr; the command itself is never included.
func formatAction(action *types.RemediationAction, server *types.Server) *slack.WebhookMessage {
	serverName := action.ServerID
	if server != nil {
		serverName = server.Display()
	}

	label := string(action.Type)
	if action.ServiceName != "" {
		label = fmt.Sprintf("%s %s", action.Type, action.ServiceName)
	}

	if action.Status == types.ActionStatusCompleted {
		return &slack.WebhookMessage{
			Attachments: []slack.Attachment{{
				Color: colorResolved,
				Title: fmt.Sprintf("Action completed: %s on %s", label, serverName),
			}},
		}
	}

	stderr := action.Stderr
	if len(stderr) > stderrCap {
		stderr = stderr[:stderrCap] + "…"
	}
	fields := []slack.AttachmentField{
		{Title: "Server", Value: serverName, Short: true},
		{Title: "Action ID", Value: action.ID, Short: true},
	}
	if action.ExitCode != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Exit code", Value: fmt.Sprintf("%d", *action.ExitCode), Short: true,
		})
	}
	return &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  colorCritical,
			Title:  fmt.Sprintf("Action failed: %s on %s", label, serverName),
			Text:   stderr,
			Fields: fields,
			Footer: time.Now().UTC().Format(time.RFC3339),
		}},
	}
}
