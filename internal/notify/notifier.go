// Package notify posts operational alerts (deploy/reap failures) to Slack.
// Adapted from the teacher's pkg/slack.Notifier, trimmed to the single
// plain-text post this service needs.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/dropzone/dropzone/internal/telemetry"
)

// Notifier posts operational alerts to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier is a noop
// (logging only) — this is how the Slack section being omitted from
// Config.toml disables the integration.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable Slack client and channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// Kind categorizes an ops notification for the sent-total metric.
type Kind string

const (
	KindDeployFailure Kind = "deploy_failure"
	KindReapFailure   Kind = "reap_failure"
)

// Post sends a plain-text operational notification. If the notifier is
// disabled, the message is only logged.
func (n *Notifier) Post(ctx context.Context, kind Kind, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("notifier disabled, skipping ops alert", "kind", kind, "text", text)
		return
	}

	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("posting ops notification to slack", "kind", kind, "error", err)
		return
	}

	telemetry.OpsNotificationsTotal.WithLabelValues(string(kind)).Inc()
	n.logger.Info("posted ops notification", "kind", kind)
}

// PostDeployFailure reports a failed deploy for the named task.
func (n *Notifier) PostDeployFailure(ctx context.Context, taskName string, err error) {
	n.Post(ctx, KindDeployFailure, fmt.Sprintf("deploy failed for task %q: %v", taskName, err))
}

// PostReapFailure reports repeated reap failures for the same instance.
func (n *Notifier) PostReapFailure(ctx context.Context, instanceID int64, attempts int, err error) {
	n.Post(ctx, KindReapFailure, fmt.Sprintf("reaper failed to stop instance %d after %d attempts: %v", instanceID, attempts, err))
}
