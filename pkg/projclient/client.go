package projclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the projection client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix the daemon responder listens on.
	// Defaults to "pc".
	SubjectPrefix string

	// Timeout for requests without a context deadline. Defaults to 5s.
	Timeout time.Duration
}

// Client issues projection reads against the daemon responder.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// Value is a projection payload at a version.
type Value struct {
	Kind        string
	Entity      string
	Version     int64
	ContentType string
	Data        []byte
}

// New creates a new projection client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("projclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "pc"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: cfg.NC, prefix: prefix, timeout: timeout}, nil
}

// LatestSubject returns the request subject for the latest value of entity.
func LatestSubject(prefix, kind, entity string) string {
	return fmt.Sprintf("%s.latest.%s.%s", prefix, kind, entity)
}

// VersionSubject returns the request subject for the latest version of entity.
func VersionSubject(prefix, kind, entity string) string {
	return fmt.Sprintf("%s.version.%s.%s", prefix, kind, entity)
}

// AtSubject returns the request subject for entity pinned at version.
func AtSubject(prefix, kind, entity string, version int64) string {
	return fmt.Sprintf("%s.at.%s.%s.%d", prefix, kind, entity, version)
}

// Latest returns the newest value of entity. found is false when the entity
// has no published version yet.
func (c *Client) Latest(ctx context.Context, kind, entity string) (Value, bool, error) {
	if err := checkArgs(kind, entity); err != nil {
		return Value{}, false, err
	}
	r, err := c.request(ctx, LatestSubject(c.prefix, kind, entity))
	if err != nil {
		return Value{}, false, err
	}
	return r.value(), r.Found, nil
}

// At returns the value of entity at version. found is false when no snapshot
// exists for that version.
func (c *Client) At(ctx context.Context, kind, entity string, version int64) (Value, bool, error) {
	if err := checkArgs(kind, entity); err != nil {
		return Value{}, false, err
	}
	if version < 0 {
		return Value{}, false, fmt.Errorf("%w: version %d", ErrInvalidArgument, version)
	}
	r, err := c.request(ctx, AtSubject(c.prefix, kind, entity, version))
	if err != nil {
		return Value{}, false, err
	}
	return r.value(), r.Found, nil
}

// Version returns the latest known version of entity. set is false when the
// entity has none; version is then -1.
func (c *Client) Version(ctx context.Context, kind, entity string) (version int64, set bool, err error) {
	if err := checkArgs(kind, entity); err != nil {
		return -1, false, err
	}
	r, err := c.request(ctx, VersionSubject(c.prefix, kind, entity))
	if err != nil {
		return -1, false, err
	}
	return r.Version, r.Found, nil
}

type reply struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Entity      string `json:"entity"`
	Version     int64  `json:"version"`
	Found       bool   `json:"found"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

func (r reply) value() Value {
	return Value{
		Kind:        r.Kind,
		Entity:      r.Entity,
		Version:     r.Version,
		ContentType: r.ContentType,
		Data:        r.Data,
	}
}

func (c *Client) request(ctx context.Context, subject string) (reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, nil)
	if err != nil {
		return reply{}, fmt.Errorf("projclient: request %s: %w", subject, err)
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return reply{}, fmt.Errorf("projclient: decoding response: %w", err)
	}
	if r.Error != "" {
		return reply{}, fmt.Errorf("%w: %s", ErrRemote, r.Error)
	}
	return r, nil
}

func checkArgs(kind, entity string) error {
	if !validToken(kind, false) {
		return fmt.Errorf("%w: kind %q", ErrInvalidArgument, kind)
	}
	if !validToken(entity, true) {
		return fmt.Errorf("%w: entity %q", ErrInvalidArgument, entity)
	}
	return nil
}

// FormatVersion renders a version the way the daemon reports it, with -1 as
// "notset".
func FormatVersion(v int64) string {
	if v < 0 {
		return "notset"
	}
	return strconv.FormatInt(v, 10)
}
