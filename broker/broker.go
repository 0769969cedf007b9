// Package broker dispatches pipeline tasks through Kafka and broadcasts
// their lifecycle over Redis. Kafka gives the queue durability until a
// worker acks; Redis pub/sub carries best-effort events and TTL-bounded
// result keys hold the authoritative terminal state.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/resilience"
)

// messageWriter is the slice of kafka-go's Writer the broker needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Broker is the client side: it enqueues tasks and reads events/results.
type Broker struct {
	writer messageWriter
	rdb    *goredis.Client
	log    *logger.Logger
	cfg    Config
	mu     sync.Mutex
	closed bool
}

// New creates a broker client with an eager Kafka writer.
func New(cfg Config, log *logger.Logger) (*Broker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Queue,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error("writer: "+msg, map[string]interface{}{
				"args": fmt.Sprintf("%v", args),
			})
		}),
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.Info("Task broker initialized", map[string]interface{}{
		"brokers": cfg.Brokers,
		"queue":   cfg.Queue,
	})
	return &Broker{writer: writer, rdb: rdb, log: log.WithComponent("broker"), cfg: cfg}, nil
}

// NewWithClients wires a broker onto existing transports. Used by tests and
// by processes that share a Redis connection.
func NewWithClients(cfg Config, log *logger.Logger, writer messageWriter, rdb *goredis.Client) (*Broker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broker{writer: writer, rdb: rdb, log: log.WithComponent("broker"), cfg: cfg}, nil
}

// Ping verifies the Redis side is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close shuts the writer and the Redis connection. Safe to call twice.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	werr := b.writer.Close()
	rerr := b.rdb.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (b *Broker) eventChannel(taskID string) string {
	return b.cfg.KeyPrefix + "events:" + taskID
}

func (b *Broker) resultKey(taskID string) string {
	return b.cfg.KeyPrefix + "result:" + taskID
}

func (b *Broker) revokeKey(taskID string) string {
	return b.cfg.KeyPrefix + "revoke:" + taskID
}

// Enqueue writes a task envelope to the queue and returns its id. The write
// is durable once acked; a sent event is broadcast best effort.
func (b *Broker) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	task := Task{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", apperrors.Internal(fmt.Errorf("broker: marshal task: %w", err))
	}

	msg := kafkago.Message{Key: []byte(task.ID), Value: raw}
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = b.cfg.Retries
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		b.log.Warn("Enqueue retry", map[string]interface{}{
			logger.FieldTask: task.ID,
			"attempt":        attempt,
			"backoff":        backoff.String(),
			"error":          err.Error(),
		})
	}
	if err := resilience.RetryFunc(ctx, retryCfg, func() error {
		return b.writer.WriteMessages(ctx, msg)
	}); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", apperrors.Upstream("task queue", err)
	}

	b.PublishEvent(ctx, Event{TaskID: task.ID, Type: EventSent, Timestamp: task.SentAt})
	b.log.Debug("Task enqueued", map[string]interface{}{
		logger.FieldTask: task.ID,
		"kind":           kind,
	})
	return task.ID, nil
}

// PublishEvent broadcasts a lifecycle event. Failures are logged, not
// returned: events are advisory and Result stays authoritative.
func (b *Broker) PublishEvent(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("Event marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}
	// child-task events ride the root task's channel so one subscription
	// covers the whole task tree
	scope := ev.TaskID
	if ev.RootID != "" {
		scope = ev.RootID
	}
	if err := b.rdb.Publish(ctx, b.eventChannel(scope), raw).Err(); err != nil {
		b.log.Warn("Event publish failed", map[string]interface{}{
			logger.FieldTask: ev.TaskID,
			"type":           ev.Type,
			"error":          err.Error(),
		})
	}
}

// Events subscribes to one task's lifecycle broadcast. The returned channel
// closes when ctx is canceled.
func (b *Broker) Events(ctx context.Context, taskID string) (<-chan Event, error) {
	sub := b.rdb.Subscribe(ctx, b.eventChannel(taskID))
	// force the subscription onto the wire before callers rely on it
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, apperrors.Upstream("event broadcast", err)
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("Dropping undecodable event", map[string]interface{}{
						logger.FieldTask: taskID,
						"error":          err.Error(),
					})
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SetResult stores the task's result under a TTL key. Terminal statuses
// overwrite non-terminal ones; the reverse is ignored so late STARTED
// writes cannot mask a finished task.
func (b *Broker) SetResult(ctx context.Context, res Result) error {
	res.UpdatedAt = time.Now().UTC()
	if !res.Terminal() {
		existing, err := b.Result(ctx, res.TaskID)
		if err != nil {
			return err
		}
		if existing.Terminal() {
			return nil
		}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return apperrors.Internal(fmt.Errorf("broker: marshal result: %w", err))
	}
	if err := b.rdb.Set(ctx, b.resultKey(res.TaskID), raw, b.cfg.resultTTL()).Err(); err != nil {
		return apperrors.Upstream("result store", err)
	}
	return nil
}

// Result reads the task's stored result. Unknown tasks come back PENDING.
func (b *Broker) Result(ctx context.Context, taskID string) (*Result, error) {
	raw, err := b.rdb.Get(ctx, b.resultKey(taskID)).Result()
	if errors.Is(err, goredis.Nil) {
		return &Result{TaskID: taskID, Status: StatusPending}, nil
	}
	if err != nil {
		return nil, apperrors.Upstream("result store", err)
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("broker: decode result %s: %w", taskID, err))
	}
	return &res, nil
}

// Revoke flags a task so workers skip it when it surfaces from the queue.
// Tasks already running are not interrupted.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	if err := b.rdb.Set(ctx, b.revokeKey(taskID), "1", b.cfg.resultTTL()).Err(); err != nil {
		return apperrors.Upstream("task queue", err)
	}
	b.PublishEvent(ctx, Event{TaskID: taskID, Type: EventRevoked})
	return nil
}

func (b *Broker) revoked(ctx context.Context, taskID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.revokeKey(taskID)).Result()
	if err != nil {
		return false, apperrors.Upstream("task queue", err)
	}
	return n > 0, nil
}
