// Package logbus fans handler log lines out to live subscribers. Each task
// gets an append-only Redis stream keyed by task id; streams carry a hard
// TTL so topics left behind by dead workers are garbage-collected.
package logbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

const (
	fieldMessage = "message"
	fieldTime    = "time"
)

// Bus is the per-task log stream broker.
type Bus struct {
	rdb    *goredis.Client
	log    *logger.Logger
	cfg    Config
	closed bool
	mu     sync.Mutex
}

// New creates a log bus backed by the given Redis.
func New(cfg Config, log *logger.Logger) (*Bus, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log.Info("Log bus created", map[string]interface{}{
		"addr": cfg.Addr,
		"ttl":  cfg.TopicTTL,
	})
	return &Bus{rdb: rdb, log: log.WithComponent("logbus"), cfg: cfg}, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// connection; Close becomes a no-op for it.
func NewWithClient(cfg Config, log *logger.Logger, rdb *goredis.Client) (*Bus, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bus{rdb: rdb, log: log.WithComponent("logbus"), cfg: cfg, closed: true}, nil
}

// Ping verifies the Redis connection is alive.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection. Safe to call multiple times.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.rdb.Close()
}

func (b *Bus) topicKey(taskID string) string {
	return b.cfg.KeyPrefix + taskID
}

// Publisher returns a publisher bound to one task's topic. The first publish
// creates the topic and stamps the TTL.
func (b *Bus) Publisher(taskID string) *Publisher {
	return &Publisher{bus: b, taskID: taskID}
}

// Publisher appends records to a single topic.
type Publisher struct {
	bus     *Bus
	taskID  string
	created bool
	mu      sync.Mutex
}

// Publish appends one record. Returns the assigned message id, which is
// monotonic within the topic.
func (p *Publisher) Publish(ctx context.Context, message string) (string, error) {
	key := p.bus.topicKey(p.taskID)
	id, err := p.bus.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			fieldMessage: message,
			fieldTime:    time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("logbus: publish to %s: %w", p.taskID, err)
	}

	p.mu.Lock()
	first := !p.created
	p.created = true
	p.mu.Unlock()
	if first {
		if err := p.bus.rdb.Expire(ctx, key, p.bus.cfg.topicTTL()).Err(); err != nil {
			return "", fmt.Errorf("logbus: set ttl on %s: %w", p.taskID, err)
		}
	}
	return id, nil
}

// Consume reads records from a topic starting after the given offset ("" or
// "0" reads from the beginning) and forwards them to out in publish order.
// It blocks until ctx is canceled; a topic that does not exist yet is polled
// until it appears.
func (b *Bus) Consume(ctx context.Context, taskID, offset string, out chan<- pipeline.LogMessage) error {
	key := b.topicKey(taskID)
	if offset == "" {
		offset = "0"
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := b.rdb.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{key, offset},
			Count:   b.cfg.ConsumeBatch,
			Block:   b.cfg.consumeBlock(),
		}).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("logbus: consume %s: %w", taskID, err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				offset = msg.ID
				rec := decodeMessage(taskID, msg)
				select {
				case out <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Range fetches existing records between two offsets without blocking.
func (b *Bus) Range(ctx context.Context, taskID, start, end string) ([]pipeline.LogMessage, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	msgs, err := b.rdb.XRange(ctx, b.topicKey(taskID), start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("logbus: range %s: %w", taskID, err)
	}
	out := make([]pipeline.LogMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, decodeMessage(taskID, msg))
	}
	return out, nil
}

// DeleteTopic drops a topic ahead of its TTL.
func (b *Bus) DeleteTopic(ctx context.Context, taskID string) error {
	if err := b.rdb.Del(ctx, b.topicKey(taskID)).Err(); err != nil {
		return fmt.Errorf("logbus: delete topic %s: %w", taskID, err)
	}
	return nil
}

func decodeMessage(taskID string, msg goredis.XMessage) pipeline.LogMessage {
	rec := pipeline.LogMessage{
		TaskID:    taskID,
		MessageID: msg.ID,
	}
	if v, ok := msg.Values[fieldMessage].(string); ok {
		rec.Message = v
	}
	if v, ok := msg.Values[fieldTime].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.Time = t
		}
	}
	return rec
}
