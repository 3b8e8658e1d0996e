package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/solmarket/service/notify"
)

// NotificationEvent is published to "notify.{kind}.{target_id}" in JetStream
// so other services (chat bridges, audit consumers) can deliver or archive it.
type NotificationEvent struct {
	Kind     notify.Kind `json:"kind"`
	TargetID string      `json:"target_id"`
	Message  string      `json:"message"`

	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *NotificationEvent) Subject() string {
	return fmt.Sprintf("notify.%s.%s", e.Kind, e.TargetID)
}

// NewNotificationEvent builds an event for target.
func NewNotificationEvent(target notify.Target, message string) *NotificationEvent {
	return &NotificationEvent{
		Kind:        target.Kind,
		TargetID:    target.ID,
		Message:     message,
		PublishedAt: time.Now().UTC(),
	}
}
