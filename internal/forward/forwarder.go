package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liverelay/liverelay/internal/broker"
	"github.com/liverelay/liverelay/internal/events"
	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/metrics"
)

// Publisher pushes a payload to an MQTT topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// giftBroker is the broker subset the forwarder consumes through.
type giftBroker interface {
	Streams(ctx context.Context) ([]string, error)
	EnsureGroup(ctx context.Context, tenant, group string) error
	ReadGroup(ctx context.Context, group, consumer string, keys []string, block time.Duration, count int64) ([]broker.Entry, error)
	Ack(ctx context.Context, tenant, group string, ids ...string) error
	ClaimStale(ctx context.Context, tenant, group, consumer string, minIdle time.Duration, count int64) ([]broker.Entry, error)
}

// Opts tunes the forwarder loop.
type Opts struct {
	Group     string        // consumer group name
	Consumer  string        // this instance's consumer name
	TopicBase string        // MQTT topic prefix
	Block     time.Duration // XREADGROUP block per iteration
	Count     int64         // max entries per stream per read
	ScanWait  time.Duration // how often the stream set is rediscovered
	ClaimIdle time.Duration // how long an unacked entry stays with its consumer
}

// Forwarder consumes gift events through a consumer group and publishes
// mapped device commands over MQTT. Streams are discovered by scanning the
// broker keyspace: the gift worker has no store of its own to learn tenants
// from.
type Forwarder struct {
	broker   giftBroker
	pub      Publisher
	mappings map[string]Mapping
	opts     Opts
	log      *logging.Logger

	streams   []string
	lastScan  time.Time
	lastClaim time.Time
}

// New creates a forwarder. Zero opts fields get workable defaults.
func New(b giftBroker, pub Publisher, mappings map[string]Mapping, opts Opts, log *logging.Logger) *Forwarder {
	if opts.Group == "" {
		opts.Group = "giftworker"
	}
	if opts.Consumer == "" {
		opts.Consumer = "giftworker-1"
	}
	if opts.TopicBase == "" {
		opts.TopicBase = "liverelay"
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 10
	}
	if opts.ScanWait <= 0 {
		opts.ScanWait = 10 * time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = time.Minute
	}
	return &Forwarder{broker: b, pub: pub, mappings: mappings, opts: opts, log: log}
}

// Run loops until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	f.log.Info("gift forwarder started", "group", f.opts.Group, "consumer", f.opts.Consumer)
	for {
		if err := f.step(ctx); err != nil {
			if ctx.Err() != nil {
				f.log.Info("gift forwarder stopped")
				return
			}
			f.log.Error("forwarder read failed", "error", err)
			select {
			case <-ctx.Done():
				f.log.Info("gift forwarder stopped")
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			f.log.Info("gift forwarder stopped")
			return
		}
	}
}

// step does one discover-claim-read-forward iteration.
func (f *Forwarder) step(ctx context.Context) error {
	if time.Since(f.lastScan) >= f.opts.ScanWait {
		if err := f.rescan(ctx); err != nil {
			return err
		}
	}

	if len(f.streams) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.opts.Block):
		}
		return nil
	}

	if time.Since(f.lastClaim) >= f.opts.ClaimIdle {
		f.claimStale(ctx)
	}

	entries, err := f.broker.ReadGroup(ctx, f.opts.Group, f.opts.Consumer, f.streams, f.opts.Block, f.opts.Count)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		f.handle(ctx, entry)
	}
	return nil
}

// rescan rediscovers tenant streams and joins the consumer group on the new
// ones.
func (f *Forwarder) rescan(ctx context.Context) error {
	keys, err := f.broker.Streams(ctx)
	if err != nil {
		return err
	}
	f.lastScan = time.Now()

	known := make(map[string]bool, len(f.streams))
	for _, k := range f.streams {
		known[k] = true
	}
	for _, key := range keys {
		if known[key] {
			continue
		}
		tenant := broker.TenantFromStream(key)
		if tenant == "" {
			continue
		}
		if err := f.broker.EnsureGroup(ctx, tenant, f.opts.Group); err != nil {
			return err
		}
		f.streams = append(f.streams, key)
		f.log.Info("joined tenant stream", "tenant", tenant)
	}
	return nil
}

// claimStale takes over entries left hanging by a crashed consumer so gifts
// are never silently lost mid-delivery.
func (f *Forwarder) claimStale(ctx context.Context) {
	f.lastClaim = time.Now()
	for _, key := range f.streams {
		tenant := broker.TenantFromStream(key)
		entries, err := f.broker.ClaimStale(ctx, tenant, f.opts.Group, f.opts.Consumer, f.opts.ClaimIdle, f.opts.Count)
		if err != nil {
			f.log.Error("claim stale entries", "tenant", tenant, "error", err)
			continue
		}
		for _, entry := range entries {
			f.handle(ctx, entry)
		}
	}
}

// handle forwards one entry and always acknowledges it: a gift that cannot
// be mapped or published is logged and dropped, not retried forever.
func (f *Forwarder) handle(ctx context.Context, entry broker.Entry) {
	defer func() {
		if err := f.broker.Ack(ctx, entry.Tenant, f.opts.Group, entry.ID); err != nil {
			f.log.Error("ack entry", "stream", entry.Stream, "id", entry.ID, "error", err)
		}
	}()

	ev, err := events.ParseEntry(entry.Tenant, entry.Values)
	if err != nil {
		f.log.Error("bad stream entry", "stream", entry.Stream, "id", entry.ID, "error", err)
		return
	}
	if ev.Kind != events.KindGift {
		return
	}

	giftName, _ := ev.Fields["gift_name"].(string)
	mapping, ok := f.mappings[giftName]
	if !ok {
		return
	}

	sender, _ := ev.Fields["handle"].(string)
	cmd := commandForGift(mapping, sender, fieldInt(ev.Fields, "gift_count", 1), fieldInt(ev.Fields, "diamond_count", 0))
	payload, err := json.Marshal(cmd)
	if err != nil {
		f.log.Error("marshal gift command", "gift", giftName, "error", err)
		return
	}

	topic := fmt.Sprintf("%s/%s/commands/%s", f.opts.TopicBase, ev.Tenant, mapping.Device)
	if err := f.pub.Publish(ctx, topic, payload); err != nil {
		f.log.Error("publish gift command",
			"topic", topic,
			"gift", giftName,
			"tenant", ev.Tenant,
			"error", err,
		)
		return
	}

	metrics.GiftsForwarded.Inc()
	f.log.Info("gift forwarded",
		"gift", giftName,
		"command", cmd.Command,
		"tenant", ev.Tenant,
		"diamonds", cmd.TotalDiamonds,
	)
}

func fieldInt(fields map[string]any, key string, fallback int64) int64 {
	switch v := fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return fallback
}
