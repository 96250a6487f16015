// Package transport consumes the partitioned log topic from Redis Streams
// through a consumer group with manual acknowledgment.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Pavan0228/SnapDeploy/api/internal/service/ingest"
	"github.com/Pavan0228/SnapDeploy/pkg/logstream"
)

// Client is the subset of the go-redis client used by Consumer.
type Client interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Options configures a Consumer.
type Options struct {
	Topic      string
	Partitions int
	Group      string
	Name       string
	BatchSize  int64
	Block      time.Duration
	// ReclaimIdle is how long an entry may sit unacknowledged before any
	// consumer in the group takes it over.
	ReclaimIdle time.Duration
}

// Consumer implements ingest.Source.
type Consumer struct {
	client  Client
	streams []string
	group   string
	name    string
	count   int64
	block   time.Duration
	minIdle time.Duration
	logger  *slog.Logger
	now     func() time.Time

	ready       bool
	pending     map[string]string
	claimCursor map[string]string
	lastReclaim time.Time
}

var _ ingest.Source = (*Consumer)(nil)

// NewConsumer constructs a Consumer over every partition of opts.Topic.
func NewConsumer(client Client, logger *slog.Logger, opts Options) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = time.Minute
	}
	c := &Consumer{
		client:      client,
		streams:     logstream.StreamNames(opts.Topic, opts.Partitions),
		group:       opts.Group,
		name:        opts.Name,
		count:       opts.BatchSize,
		block:       opts.Block,
		minIdle:     opts.ReclaimIdle,
		logger:      logger.With("component", "log_transport", "consumer", opts.Name),
		now:         time.Now,
		claimCursor: make(map[string]string),
	}
	c.reset()
	return c
}

// Fetch returns this consumer's own unacknowledged entries until they have all
// been replayed once, then entries reclaimed from idle consumers, then new ones.
func (c *Consumer) Fetch(ctx context.Context) ([]ingest.Message, error) {
	msgs, err := c.fetch(ctx)
	if err != nil && ctx.Err() == nil {
		c.reset()
	}
	return msgs, err
}

func (c *Consumer) fetch(ctx context.Context) ([]ingest.Message, error) {
	if !c.ready {
		if err := c.ensureGroups(ctx); err != nil {
			return nil, err
		}
		c.ready = true
	}
	if len(c.pending) > 0 {
		msgs, err := c.readPending(ctx)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
	}
	if now := c.now(); now.Sub(c.lastReclaim) >= c.minIdle {
		c.lastReclaim = now
		msgs, err := c.reclaim(ctx)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
	}
	return c.readNew(ctx)
}

// Ack acknowledges one entry.
func (c *Consumer) Ack(ctx context.Context, msg ingest.Message) error {
	if err := c.client.XAck(ctx, msg.Stream, c.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", msg.Stream, msg.ID, err)
	}
	return nil
}

// Heartbeat resets the idle time of in-flight entries so they are not
// reclaimed by another consumer mid-batch.
func (c *Consumer) Heartbeat(ctx context.Context, msgs []ingest.Message) error {
	byStream := make(map[string][]string)
	for _, m := range msgs {
		byStream[m.Stream] = append(byStream[m.Stream], m.ID)
	}
	for stream, ids := range byStream {
		err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  0,
			Messages: ids,
		}).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("xclaim heartbeat %s: %w", stream, err)
		}
	}
	return nil
}

func (c *Consumer) reset() {
	c.ready = false
	c.pending = make(map[string]string, len(c.streams))
	for _, s := range c.streams {
		c.pending[s] = "0"
	}
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, s := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, s, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", s, err)
		}
	}
	return nil
}

func (c *Consumer) readPending(ctx context.Context) ([]ingest.Message, error) {
	streams := make([]string, 0, len(c.pending))
	ids := make([]string, 0, len(c.pending))
	for _, s := range c.streams {
		if cursor, ok := c.pending[s]; ok {
			streams = append(streams, s)
			ids = append(ids, cursor)
		}
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  append(streams, ids...),
		Count:    c.count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		c.pending = map[string]string{}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending entries: %w", err)
	}
	advanced := make(map[string]bool)
	var out []ingest.Message
	for _, xs := range res {
		if len(xs.Messages) == 0 {
			continue
		}
		advanced[xs.Stream] = true
		c.pending[xs.Stream] = xs.Messages[len(xs.Messages)-1].ID
		out = appendMessages(out, xs.Stream, xs.Messages)
	}
	for _, s := range streams {
		if !advanced[s] {
			delete(c.pending, s)
		}
	}
	if len(out) > 0 {
		c.logger.Info("replaying unacknowledged log entries", "count", len(out))
	}
	return out, nil
}

func (c *Consumer) reclaim(ctx context.Context) ([]ingest.Message, error) {
	var out []ingest.Message
	for _, s := range c.streams {
		start := c.claimCursor[s]
		if start == "" {
			start = "0-0"
		}
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.minIdle,
			Start:    start,
			Count:    c.count,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reclaim idle entries on %s: %w", s, err)
		}
		c.claimCursor[s] = next
		out = appendMessages(out, s, msgs)
	}
	if len(out) > 0 {
		c.logger.Info("reclaimed idle log entries", "count", len(out))
	}
	return out, nil
}

func (c *Consumer) readNew(ctx context.Context) ([]ingest.Message, error) {
	ids := make([]string, len(c.streams))
	for i := range ids {
		ids[i] = ">"
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  append(append([]string(nil), c.streams...), ids...),
		Count:    c.count,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read new entries: %w", err)
	}
	var out []ingest.Message
	for _, xs := range res {
		out = appendMessages(out, xs.Stream, xs.Messages)
	}
	return out, nil
}

func appendMessages(out []ingest.Message, stream string, msgs []redis.XMessage) []ingest.Message {
	for _, m := range msgs {
		out = append(out, ingest.Message{Stream: stream, ID: m.ID, Payload: payloadOf(m.Values)})
	}
	return out
}

func payloadOf(values map[string]interface{}) []byte {
	switch v := values[logstream.PayloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}
