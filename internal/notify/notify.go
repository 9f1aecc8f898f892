// Package notify carries cursor-advance notifications from whatever moves an
// entity's stream to the trackers that cache its position.
//
// Delivery is at-least-once and unordered end to end. Every notification
// carries the ordering token assigned when the durable cursor advanced, and
// receivers use it to discard stale deliveries.
package notify

import (
	"context"
	"errors"

	"github.com/gftdcojp/projection-cache/internal/types"
)

var (
	// ErrSlowConsumer is reported when the transport dropped notifications for
	// a subscription.
	ErrSlowConsumer = errors.New("notification subscription fell behind")
	// ErrSubscriptionClosed is reported when the transport closed a
	// subscription that was not unsubscribed by its owner.
	ErrSubscriptionClosed = errors.New("notification subscription closed")
)

// Notification announces that Key's stream advanced to Position.
type Notification struct {
	Key      types.StreamKey
	Position types.Position
	Token    uint64
}

// Handler receives notifications. It runs on the transport's delivery
// goroutine and must not block.
type Handler func(Notification)

// ErrorHandler is called at most once when a subscription fails. No further
// notifications are delivered after it runs.
type ErrorHandler func(error)

// Subscription is a live per-stream subscription.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber opens per-stream subscriptions.
type Subscriber interface {
	Subscribe(key types.StreamKey, onEvent Handler, onError ErrorHandler) (Subscription, error)
}

// Publisher sends notifications.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}
