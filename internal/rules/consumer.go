package rules

import (
	"context"
	"time"

	"github.com/liverelay/liverelay/internal/broker"
	"github.com/liverelay/liverelay/internal/events"
	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/metrics"
)

// ruleSource is the store subset the consumer reads rules from.
type ruleSource interface {
	ActiveTenants() ([]string, error)
	ListByKind(tenant string, kind events.Kind) ([]Rule, error)
}

// streamReader is the broker subset the consumer tails streams with.
type streamReader interface {
	ReadStreams(ctx context.Context, cursors map[string]string, block time.Duration, count int64) ([]broker.Entry, error)
}

// executor runs a matched rule's actions.
type executor interface {
	Execute(ctx context.Context, rule *Rule, ev events.Event) *Execution
}

// ConsumerOpts tunes the consumer loop.
type ConsumerOpts struct {
	Block         time.Duration // XREAD block per iteration
	Count         int64         // max entries per stream per read
	TenantRefresh time.Duration // how often the tenant set is re-read
}

// Consumer tails every active tenant's event stream and runs matching rules.
// It reads with plain XREAD cursors rather than a consumer group: rule
// evaluation is at-most-once, and the cursor advances past an entry even
// when handling it fails.
type Consumer struct {
	store  ruleSource
	reader streamReader
	exec   executor
	log    *logging.Logger
	opts   ConsumerOpts

	cursors     map[string]string // streams read this iteration
	parked      map[string]string // positions of deactivated tenants
	lastRefresh time.Time
}

// NewConsumer creates a consumer. Zero opts fields get workable defaults.
func NewConsumer(store ruleSource, reader streamReader, exec executor, opts ConsumerOpts, log *logging.Logger) *Consumer {
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 10
	}
	if opts.TenantRefresh <= 0 {
		opts.TenantRefresh = 10 * time.Second
	}
	return &Consumer{
		store:   store,
		reader:  reader,
		exec:    exec,
		log:     log,
		opts:    opts,
		cursors: make(map[string]string),
		parked:  make(map[string]string),
	}
}

// Run loops until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("consumer started", "block", c.opts.Block.String())
	for {
		if err := c.step(ctx); err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer stopped")
				return
			}
			c.log.Error("consumer read failed", "error", err)
			select {
			case <-ctx.Done():
				c.log.Info("consumer stopped")
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return
		}
	}
}

// step does one refresh-read-dispatch iteration.
func (c *Consumer) step(ctx context.Context) error {
	if time.Since(c.lastRefresh) >= c.opts.TenantRefresh {
		if err := c.refreshTenants(); err != nil {
			return err
		}
	}

	if len(c.cursors) == 0 {
		// No tenant has enabled rules; idle for one block interval.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Block):
		}
		return nil
	}

	entries, err := c.reader.ReadStreams(ctx, c.cursors, c.opts.Block, c.opts.Count)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		c.handle(ctx, entry)
		c.cursors[entry.Stream] = entry.ID
	}
	return nil
}

// refreshTenants re-reads the tenant set and opens cursors for streams not
// seen before. New streams start at "0" so rules apply to already-buffered
// events. A deactivated tenant's position is parked, not discarded: on
// reactivation the stream resumes where it left off instead of replaying
// retained history.
func (c *Consumer) refreshTenants() error {
	tenants, err := c.store.ActiveTenants()
	if err != nil {
		return err
	}
	c.lastRefresh = time.Now()

	active := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		key := broker.StreamKey(t)
		active[key] = true
		if _, ok := c.cursors[key]; ok {
			continue
		}
		if pos, ok := c.parked[key]; ok {
			c.cursors[key] = pos
			delete(c.parked, key)
			c.log.Info("resumed tenant stream", "tenant", t, "cursor", pos)
		} else {
			c.cursors[key] = "0"
			c.log.Info("tailing tenant stream", "tenant", t)
		}
	}
	for key, pos := range c.cursors {
		if !active[key] {
			c.parked[key] = pos
			delete(c.cursors, key)
			c.log.Info("parked tenant stream", "tenant", broker.TenantFromStream(key))
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, entry broker.Entry) {
	ev, err := events.ParseEntry(entry.Tenant, entry.Values)
	if err != nil {
		c.log.Error("bad stream entry", "stream", entry.Stream, "id", entry.ID, "error", err)
		return
	}
	metrics.EventsConsumed.WithLabelValues(string(ev.Kind)).Inc()

	rules, err := c.store.ListByKind(ev.Tenant, ev.Kind)
	if err != nil {
		c.log.Error("load rules failed", "tenant", ev.Tenant, "error", err)
		return
	}

	now := time.Now()
	for i := range rules {
		rule := &rules[i]
		if !rule.MatchesSession(ev.SessionID) {
			continue
		}
		if rule.InCooldown(now) {
			continue
		}
		if !Evaluate(rule, ev.Fields) {
			continue
		}
		exec := c.exec.Execute(ctx, rule, ev)
		c.log.Info("rule fired",
			"rule", rule.Name,
			"tenant", rule.Tenant,
			"event", string(ev.Kind),
			"status", exec.Status,
		)
	}
}
