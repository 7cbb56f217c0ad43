package cluster

import (
	"context"
	"time"
)

// KV is the external storage contract backing the dynamic registry. Keys
// are namespaced by the registry's configured prefix:
//
//	<prefix>:nodes:<node-id>    node descriptor endpoint
//	<prefix>:services:<name>    "<node-id>|<handle>"
//	<prefix>:handles:<handle>   node-id
//
// The pub/sub channel is <prefix>:events.
type KV interface {
	// SetIfAbsent writes a key only when absent, with a TTL. On contention
	// it returns the existing value and set = false.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (existing string, set bool, err error)

	// Set writes a key unconditionally with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a key; ok is false when absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Refresh extends a key's TTL.
	Refresh(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes keys.
	Delete(ctx context.Context, keys ...string) error

	// Publish broadcasts a message on a channel.
	Publish(ctx context.Context, channel, message string) error

	// Subscribe delivers each message on the channel to handler from a
	// background goroutine. The returned function cancels the
	// subscription.
	Subscribe(ctx context.Context, channel string, handler func(message string)) (unsubscribe func(), err error)
}
