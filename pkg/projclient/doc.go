// Package projclient reads projections served by a projection-cache daemon
// over NATS request-reply.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := projclient.New(projclient.Config{NC: nc})
//
//	// Latest value; found is false for an entity that has never been published
//	v, found, _ := client.Latest(ctx, "bank-account", "acct-1")
//	fmt.Println(v.Version, string(v.Data))
//
//	// Value pinned at a version
//	v, found, _ = client.At(ctx, "bank-account", "acct-1", 5)
//
//	// Latest known version only, without fetching the snapshot
//	version, set, _ := client.Version(ctx, "bank-account", "acct-1")
//
// Requests are load-balanced across daemon replicas by a queue group, so any
// replica may answer. Errors raised by the daemon are returned wrapped in
// [ErrRemote].
//
// The subject prefix defaults to "pc" and can be configured via
// [Config.SubjectPrefix].
//
// # Subjects
//
//	pc.latest.{kind}.{entity}             latest value
//	pc.version.{kind}.{entity}            latest known version
//	pc.at.{kind}.{entity}.{version}       value at a pinned version
package projclient
