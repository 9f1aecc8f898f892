package notify

import (
	"context"
	"sync"

	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/types"
)

// Bus is an in-process Subscriber and Publisher. Publish delivers
// synchronously to every subscriber of the notification's stream. Fail and
// FailSubscribe inject transport faults.
type Bus struct {
	mu      sync.Mutex
	subs    map[types.StreamKey]map[*busSub]struct{}
	failSub error
}

func NewBus() *Bus {
	return &Bus{subs: make(map[types.StreamKey]map[*busSub]struct{})}
}

type busSub struct {
	bus     *Bus
	key     types.StreamKey
	onEvent Handler
	onError ErrorHandler
}

func (b *Bus) Subscribe(key types.StreamKey, onEvent Handler, onError ErrorHandler) (Subscription, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failSub; err != nil {
		b.failSub = nil
		return nil, err
	}
	s := &busSub{bus: b, key: key, onEvent: onEvent, onError: onError}
	if b.subs[key] == nil {
		b.subs[key] = make(map[*busSub]struct{})
	}
	b.subs[key][s] = struct{}{}
	return s, nil
}

func (b *Bus) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	targets := make([]*busSub, 0, len(b.subs[n.Key]))
	for s := range b.subs[n.Key] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.onEvent(n)
	}
	metrics.CursorsPublished.WithLabelValues(n.Key.Stream).Inc()
	return nil
}

// Fail drops every subscription on key and reports err to each of them.
func (b *Bus) Fail(key types.StreamKey, err error) {
	b.mu.Lock()
	targets := make([]*busSub, 0, len(b.subs[key]))
	for s := range b.subs[key] {
		targets = append(targets, s)
	}
	delete(b.subs, key)
	b.mu.Unlock()

	for _, s := range targets {
		s.onError(err)
	}
}

// FailSubscribe makes the next Subscribe call return err.
func (b *Bus) FailSubscribe(err error) {
	b.mu.Lock()
	b.failSub = err
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on key.
func (b *Bus) Subscribers(key types.StreamKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

func (s *busSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if m, ok := s.bus.subs[s.key]; ok {
		delete(m, s)
		if len(m) == 0 {
			delete(s.bus.subs, s.key)
		}
	}
	return nil
}
