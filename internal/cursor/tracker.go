// Package cursor keeps the newest known stream position of each entity in
// memory, fed by push notifications and seeded from the durable cursor store.
package cursor

import (
	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/notify"
	"github.com/gftdcojp/projection-cache/internal/types"
)

// Outcome of applying one notification.
type Outcome string

const (
	Applied    Outcome = "applied"
	StaleToken Outcome = "stale_token"
	NotNewer   Outcome = "not_newer"
)

// Tracker holds the position of one stream. It is not safe for concurrent
// use; Service runs each Tracker on its own worker.
type Tracker struct {
	key       types.StreamKey
	position  types.Position
	lastToken uint64
	sub       notify.Subscription
}

// NewTracker returns a tracker seeded at seed.
func NewTracker(key types.StreamKey, seed types.Position) *Tracker {
	return &Tracker{key: key, position: seed}
}

func (t *Tracker) Key() types.StreamKey { return t.key }

// Position returns the newest known position without any I/O.
func (t *Tracker) Position() types.Position { return t.position }

// Apply merges n. A notification whose token is older than the last applied
// token is discarded. Otherwise its token is recorded and the position moves
// only if n's position is newer.
func (t *Tracker) Apply(n notify.Notification) Outcome {
	out := t.apply(n)
	metrics.CursorNotifications.WithLabelValues(t.key.Stream, string(out)).Inc()
	return out
}

func (t *Tracker) apply(n notify.Notification) Outcome {
	if n.Token < t.lastToken {
		return StaleToken
	}
	t.lastToken = n.Token
	if !n.Position.IsNewerThan(t.position) {
		return NotNewer
	}
	t.position = n.Position
	return Applied
}

// Close releases the tracker's subscription.
func (t *Tracker) Close() error {
	if t.sub == nil {
		return nil
	}
	err := t.sub.Unsubscribe()
	t.sub = nil
	return err
}
