package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/projection"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// responderQueue load-balances requests across daemon replicas.
const responderQueue = "pc-responder"

const requestTimeout = 10 * time.Second

// Reply is the JSON body of every responder reply.
type Reply struct {
	Error       string `json:"error,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Entity      string `json:"entity,omitempty"`
	Version     int64  `json:"version"`
	Found       bool   `json:"found"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// RunNATSResponder serves projection reads over NATS request-reply.
// Subjects:
//   - {prefix}.latest.{kind}.{entity}             latest value
//   - {prefix}.version.{kind}.{entity}            latest known version
//   - {prefix}.at.{kind}.{entity}.{version}       value at a pinned version
//
// Entity ids may contain dots; the version is always the last token.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, catalog *projection.Catalog, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "pc"
	}

	handle := func(msg *nats.Msg) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		msg.Respond(handleRequest(reqCtx, catalog, prefix, msg.Subject))
	}

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, op := range []string{"latest", "version", "at"} {
		subject := prefix + "." + op + ".>"
		sub, err := nc.QueueSubscribe(subject, responderQueue, handle)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	logger.Info("NATS responder started", zap.String("prefix", prefix), zap.Int("projections", len(catalog.Definitions())))

	<-ctx.Done()
	return nil
}

// handleRequest answers one request subject and returns the encoded Reply.
func handleRequest(ctx context.Context, catalog *projection.Catalog, prefix, subject string) []byte {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return errorJSON("invalid subject format")
	}
	parts := strings.Split(rest, ".")
	// Expected: {op}.{kind}.{entity...}
	if len(parts) < 3 {
		return errorJSON("invalid subject format")
	}
	op, kind := parts[0], parts[1]

	src, err := catalog.Get(kind)
	if err != nil {
		return errorJSON(fmt.Sprintf("projection %q not found", kind))
	}

	switch op {
	case "latest":
		entity := strings.Join(parts[2:], ".")
		p, found, err := src.LatestPayload(ctx, entity)
		if err != nil {
			return errorJSON(err.Error())
		}
		return replyJSON(Reply{Kind: kind, Entity: entity, Version: p.Version.Value(), Found: found, ContentType: p.ContentType, Data: p.Data})

	case "version":
		entity := strings.Join(parts[2:], ".")
		pos, err := src.GetLatestVersion(ctx, entity)
		if err != nil {
			return errorJSON(err.Error())
		}
		return replyJSON(Reply{Kind: kind, Entity: entity, Version: pos.Value(), Found: pos.IsSet()})

	case "at":
		if len(parts) < 4 {
			return errorJSON("missing version")
		}
		entity := strings.Join(parts[2:len(parts)-1], ".")
		versionStr := parts[len(parts)-1]
		version, err := parseVersion(versionStr)
		if err != nil {
			return errorJSON(fmt.Sprintf("invalid version: %s", versionStr))
		}
		p, found, err := src.PayloadAt(ctx, entity, version)
		if err != nil {
			return errorJSON(err.Error())
		}
		return replyJSON(Reply{Kind: kind, Entity: entity, Version: version.Value(), Found: found, ContentType: p.ContentType, Data: p.Data})

	default:
		return errorJSON(fmt.Sprintf("unknown operation %q", op))
	}
}

func replyJSON(r Reply) []byte {
	b, _ := json.Marshal(r)
	return b
}

func errorJSON(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}
