// Package broker wraps the Redis Streams transport shared by all services.
// Each tenant gets one stream; the ingestor appends, the rule engine tails
// with plain reads, and the gift worker consumes through a consumer group.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamPrefix is the key prefix for per-tenant event streams.
const StreamPrefix = "tiktok:events:"

// StreamKey returns the stream key for a tenant.
func StreamKey(tenant string) string {
	return StreamPrefix + tenant
}

// TenantFromStream extracts the tenant from a stream key.
// Returns "" if the key is not an event stream.
func TenantFromStream(key string) string {
	if !strings.HasPrefix(key, StreamPrefix) {
		return ""
	}
	return key[len(StreamPrefix):]
}

// Entry is one stream entry as read back from the broker.
type Entry struct {
	Stream string
	Tenant string
	ID     string
	Values map[string]any
}

// Broker is a thin client over Redis Streams.
type Broker struct {
	rdb    *redis.Client
	maxLen int64
}

// New connects to the broker at the given redis:// URL. maxLen caps each
// tenant stream (approximate trim, enforced on every append).
func New(redisURL string, maxLen int64) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Broker{rdb: redis.NewClient(opts), maxLen: maxLen}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, maxLen int64) *Broker {
	return &Broker{rdb: rdb, maxLen: maxLen}
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish appends event values to the tenant's stream and returns the
// assigned entry ID. The stream is capped at maxLen (approximate).
func (b *Broker) Publish(ctx context.Context, tenant string, values map[string]any) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(tenant),
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", StreamKey(tenant), err)
	}
	return id, nil
}

// ReadStreams blocks up to `block` waiting for new entries past the given
// cursors. cursors maps stream key to the last seen entry ID ("0" reads a
// stream from its beginning). Returns nil entries on block timeout.
func (b *Broker) ReadStreams(ctx context.Context, cursors map[string]string, block time.Duration, count int64) ([]Entry, error) {
	if len(cursors) == 0 {
		return nil, nil
	}

	streams := make([]string, 0, len(cursors)*2)
	ids := make([]string, 0, len(cursors))
	for key, id := range cursors {
		streams = append(streams, key)
		ids = append(ids, id)
	}
	streams = append(streams, ids...)

	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // block timeout, nothing new
	}
	if err != nil {
		return nil, fmt.Errorf("xread: %w", err)
	}
	return flatten(res), nil
}

// EnsureGroup creates a consumer group on the tenant's stream, creating the
// stream itself if needed. An already-existing group is not an error.
func (b *Broker) EnsureGroup(ctx context.Context, tenant, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, StreamKey(tenant), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", StreamKey(tenant), err)
	}
	return nil
}

// ReadGroup reads new entries for a consumer group across the given stream
// keys. Returns nil entries on block timeout.
func (b *Broker) ReadGroup(ctx context.Context, group, consumer string, keys []string, block time.Duration, count int64) ([]Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	streams := make([]string, 0, len(keys)*2)
	streams = append(streams, keys...)
	for range keys {
		streams = append(streams, ">")
	}

	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	return flatten(res), nil
}

// Ack acknowledges processed entries for a consumer group.
func (b *Broker) Ack(ctx context.Context, tenant, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, StreamKey(tenant), group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", StreamKey(tenant), err)
	}
	return nil
}

// ClaimStale takes over entries another consumer read but never acknowledged.
// Entries idle for less than minIdle are left alone.
func (b *Broker) ClaimStale(ctx context.Context, tenant, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey(tenant),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", StreamKey(tenant), err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{
			Stream: StreamKey(tenant),
			Tenant: tenant,
			ID:     m.ID,
			Values: m.Values,
		})
	}
	return entries, nil
}

// Streams lists all existing tenant event streams by scanning the keyspace.
// Used by the gift worker, which has no rule store to discover tenants from.
func (b *Broker) Streams(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.rdb.Scan(ctx, 0, StreamPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan streams: %w", err)
	}
	return keys, nil
}

// flatten converts go-redis stream results into Entry values, preserving
// per-stream entry order.
func flatten(res []redis.XStream) []Entry {
	var entries []Entry
	for _, stream := range res {
		tenant := TenantFromStream(stream.Stream)
		for _, m := range stream.Messages {
			entries = append(entries, Entry{
				Stream: stream.Stream,
				Tenant: tenant,
				ID:     m.ID,
				Values: m.Values,
			})
		}
	}
	return entries
}
