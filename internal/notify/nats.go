package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// wireNotification is the JSON payload on cursor subjects.
type wireNotification struct {
	Stream   string `json:"stream"`
	Entity   string `json:"entity"`
	Position int64  `json:"position"`
	Token    uint64 `json:"token"`
}

// NATS is a Subscriber and Publisher on core NATS subjects of the form
// {prefix}.cursor.{stream}.{entity}, with the stream and entity segments
// base64url encoded so they may contain any character.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

func NewNATS(nc *nats.Conn, prefix string, logger *zap.Logger) *NATS {
	if prefix == "" {
		prefix = "pc"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger}
}

func encodeToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// Subject returns the subject notifications for key are published on.
func (n *NATS) Subject(key types.StreamKey) string {
	return n.prefix + ".cursor." + encodeToken(key.Stream) + "." + encodeToken(key.EntityID)
}

// StreamSubject matches every entity of stream.
func (n *NATS) StreamSubject(stream string) string {
	return n.prefix + ".cursor." + encodeToken(stream) + ".*"
}

// ParseSubject recovers the StreamKey from a cursor subject.
func (n *NATS) ParseSubject(subject string) (types.StreamKey, error) {
	rest, ok := strings.CutPrefix(subject, n.prefix+".cursor.")
	if !ok {
		return types.StreamKey{}, fmt.Errorf("subject %q: %w", subject, types.ErrMalformedKey)
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 {
		return types.StreamKey{}, fmt.Errorf("subject %q: %w", subject, types.ErrMalformedKey)
	}
	stream, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return types.StreamKey{}, fmt.Errorf("subject %q: %w", subject, types.ErrMalformedKey)
	}
	entity, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return types.StreamKey{}, fmt.Errorf("subject %q: %w", subject, types.ErrMalformedKey)
	}
	return types.NewStreamKey(string(stream), string(entity))
}

func (n *NATS) Publish(ctx context.Context, notif Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(wireNotification{
		Stream:   notif.Key.Stream,
		Entity:   notif.Key.EntityID,
		Position: notif.Position.Value(),
		Token:    notif.Token,
	})
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.Subject(notif.Key), data); err != nil {
		return fmt.Errorf("publishing cursor %s: %w", notif.Key, err)
	}
	metrics.CursorsPublished.WithLabelValues(notif.Key.Stream).Inc()
	return nil
}

func (n *NATS) Subscribe(key types.StreamKey, onEvent Handler, onError ErrorHandler) (Subscription, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	subject := n.Subject(key)
	logger := n.logger.With(zap.String("stream", key.Stream), zap.String("entity", key.EntityID))

	s := &natsSubscription{done: make(chan struct{})}
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		var w wireNotification
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			logger.Warn("dropping malformed cursor notification", zap.Error(err))
			return
		}
		if w.Stream != key.Stream || w.Entity != key.EntityID {
			logger.Warn("dropping cursor notification for another stream",
				zap.String("got_stream", w.Stream), zap.String("got_entity", w.Entity))
			return
		}
		onEvent(Notification{Key: key, Position: types.NewPosition(w.Position), Token: w.Token})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	s.sub = sub

	status := sub.StatusChanged(nats.SubscriptionSlowConsumer, nats.SubscriptionClosed)
	go func() {
		select {
		case st, ok := <-status:
			if !ok {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			cause := ErrSubscriptionClosed
			if st == nats.SubscriptionSlowConsumer {
				cause = ErrSlowConsumer
			}
			logger.Warn("cursor subscription failed", zap.Error(cause))
			s.once.Do(func() { close(s.done) })
			sub.Unsubscribe()
			onError(cause)
		case <-s.done:
		}
	}()

	return s, nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
	done chan struct{}
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
		if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
			err = nil
		}
	})
	return err
}
