package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// streamAdder is the subset of the Redis client the producer needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Producer publishes log events onto the partitioned topic.
type Producer struct {
	client     streamAdder
	topic      string
	partitions int
	maxLen     int64
	now        func() time.Time
}

// NewProducer constructs a Producer. maxLen caps each stream approximately; zero disables trimming.
func NewProducer(client streamAdder, topic string, partitions int, maxLen int64) *Producer {
	if partitions < 1 {
		partitions = 1
	}
	return &Producer{client: client, topic: topic, partitions: partitions, maxLen: maxLen, now: time.Now}
}

// Publish appends msg to its deployment's partition and returns the entry id.
// Missing event ids and timestamps are filled in so replays stay idempotent.
func (p *Producer) Publish(ctx context.Context, msg Message) (string, error) {
	id, err := uuid.Parse(msg.DeploymentID)
	if err != nil {
		return "", fmt.Errorf("%w: deploymentId %q: %v", ErrMalformed, msg.DeploymentID, err)
	}
	msg.DeploymentID = id.String()
	if msg.EventID == "" {
		msg.EventID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode log message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: StreamName(p.topic, Partition(msg.DeploymentID, p.partitions)),
		Values: map[string]any{PayloadField: payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	entryID, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish log message: %w", err)
	}
	return entryID, nil
}
