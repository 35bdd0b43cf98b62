// Package alerting posts operational notifications to Slack for events an
// on-call operator needs to see in real time: kill-switch engagements,
// write-freezes, and failover transitions. Narrowed to the single
// PostAlert call this domain needs rather than a full incident-notification
// surface.
package alerting

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends plain-text alerts to a configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken or channel is empty, the
// notifier is a noop (logging only) — alerting is optional, never required
// for correctness of the control plane it observes.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a live Slack client configured.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostAlert sends text to the configured channel, prefixed with an emoji
// for severity. A disabled notifier logs at debug level instead.
func (n *Notifier) PostAlert(ctx context.Context, severity, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("alerting disabled, dropping alert", "severity", severity, "text", text)
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(fmt.Sprintf("%s %s", emojiFor(severity), text), false))
	if err != nil {
		n.logger.Error("posting slack alert", "error", err, "severity", severity)
	}
}

func emojiFor(severity string) string {
	switch severity {
	case "critical":
		return ":rotating_light:"
	case "warning":
		return ":warning:"
	default:
		return ":information_source:"
	}
}
