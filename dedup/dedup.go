package dedup

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
)

// Deduper answers whether a provider event was already processed, and records
// the fact once processing succeeds. It is the first line of defense against
// webhook redelivery; the ledger's unique constraint is the backstop.
//
// Seen must stay read-only: a delivery whose handler fails is answered with
// 500 and the provider redelivers, so the event may only be marked after the
// handler succeeds.
type Deduper interface {
	Seen(provider, eventID string) (bool, error)
	Mark(provider, eventID string) error
}

// RedisDeduper marks event IDs with SETNX and a TTL. Providers stop
// redelivering well within the retention window.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDeduper returns a Deduper over the given redis client
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) (*RedisDeduper, error) {
	if client == nil {
		return nil, fmt.Errorf("nil redis client is invalid")
	}
	if ttl <= 0 {
		ttl = time.Hour * 72
	}
	return &RedisDeduper{
		client: client,
		ttl:    ttl,
	}, nil
}

func dedupKey(provider, eventID string) string {
	return fmt.Sprintf("webhook:seen:%s:%s", provider, eventID)
}

// Seen returns true if the event ID was marked before. It never marks.
func (d *RedisDeduper) Seen(provider, eventID string) (bool, error) {
	n, err := d.client.Exists(dedupKey(provider, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records the event ID as processed. Concurrent deliveries of the same
// event may both pass Seen and both be applied; the engine's idempotent
// writes make that harmless.
func (d *RedisDeduper) Mark(provider, eventID string) error {
	return d.client.SetNX(dedupKey(provider, eventID), 1, d.ttl).Err()
}
