// Package notify delivers outbound messages to users (DMs) and channels.
// Every component that reports something to a person goes through a Sink;
// Notifier fans a message out to several sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/brojonat/solmarket/service/metrics"
)

// Kind is the delivery style of a Target.
type Kind string

const (
	KindDM      Kind = "dm"
	KindChannel Kind = "channel"
)

// Target addresses a message. ID is a platform user id for DMs and a
// channel id for channel messages.
type Target struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// DM targets a direct message to a user.
func DM(userID int64) Target {
	return Target{Kind: KindDM, ID: strconv.FormatInt(userID, 10)}
}

// Channel targets a message to a channel.
func Channel(channelID string) Target {
	return Target{Kind: KindChannel, ID: channelID}
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.ID)
}

// Sink is implemented by each delivery channel.
type Sink interface {
	Notify(ctx context.Context, target Target, message string) error
	// Name identifies the sink in logs and metrics (e.g. "discord").
	Name() string
}

// Notifier dispatches every message to all of its sinks. A failing sink does
// not prevent delivery to the others; the failures are joined and returned.
type Notifier struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over sinks. With no sinks, messages are only logged.
func NewNotifier(sinks []Sink, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	return &Notifier{
		sinks:   sinks,
		metrics: m,
		logger:  logger.With("component", "notifier"),
	}
}

// Name implements Sink.
func (n *Notifier) Name() string {
	return "notifier"
}

// Notify implements Sink.
func (n *Notifier) Notify(ctx context.Context, target Target, message string) error {
	if len(n.sinks) == 0 {
		n.logger.InfoContext(ctx, "notification (no sinks configured)",
			"target", target.String(),
			"message", message,
		)
		return nil
	}

	var errs []error
	for _, s := range n.sinks {
		err := s.Notify(ctx, target, message)
		if n.metrics != nil {
			n.metrics.RecordNotification(s.Name(), err)
		}
		if err != nil {
			n.logger.ErrorContext(ctx, "sink failed",
				"sink", s.Name(),
				"target", target.String(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
