package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/pipeworks-io/pipeworks/logger"
)

// messageReader is the slice of kafka-go's Reader the worker needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Worker consumes the task queue and runs registered handlers, up to the
// configured concurrency. Delivery is at least once: a task is acked only
// after its handler returns.
type Worker struct {
	reader   messageReader
	broker   *Broker
	log      *logger.Logger
	cfg      Config
	handlers map[string]Handler
	revoked  map[string]func(context.Context, Task) error
	mu       sync.RWMutex
	failures int
}

// NewWorker creates a worker with its own consumer-group reader.
func NewWorker(cfg Config, log *logger.Logger, broker *Broker) *Worker {
	cfg.ApplyDefaults()
	wlog := log.WithComponent("worker")
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Queue,
		GroupID:     cfg.GroupID,
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			wlog.Error("reader: "+msg, map[string]interface{}{
				"args": fmt.Sprintf("%v", args),
			})
		}),
	})
	return newWorker(cfg, wlog, broker, reader)
}

// NewWorkerWithReader wires a worker onto an existing reader. Used by tests.
func NewWorkerWithReader(cfg Config, log *logger.Logger, broker *Broker, reader messageReader) *Worker {
	cfg.ApplyDefaults()
	return newWorker(cfg, log.WithComponent("worker"), broker, reader)
}

func newWorker(cfg Config, log *logger.Logger, broker *Broker, reader messageReader) *Worker {
	return &Worker{
		reader:   reader,
		broker:   broker,
		log:      log,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		revoked:  make(map[string]func(context.Context, Task) error),
	}
}

// Register binds a handler to a task kind.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// RegisterRevoked binds a callback invoked when a task of the kind is
// skipped because it was revoked before a worker picked it up.
func (w *Worker) RegisterRevoked(kind string, fn func(context.Context, Task) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.revoked[kind] = fn
}

func (w *Worker) handler(kind string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[kind]
	return h, ok
}

func (w *Worker) revokedHandler(kind string) (func(context.Context, Task) error, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.revoked[kind]
	return fn, ok
}

// Close shuts down the queue reader.
func (w *Worker) Close() error {
	return w.reader.Close()
}

// Run blocks consuming the queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker consume loop starting", map[string]interface{}{
		"queue":       w.cfg.Queue,
		"group_id":    w.cfg.GroupID,
		"concurrency": w.cfg.Concurrency,
	})

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if retryErr := w.handleFailure(ctx, err); retryErr != nil {
				return retryErr
			}
			continue
		}
		w.failures = 0

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(msg kafkago.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, msg)
			if err := w.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				w.log.Error("Commit failed", map[string]interface{}{
					"offset": msg.Offset,
					"error":  err.Error(),
				})
			}
		}(msg)
	}
}

func (w *Worker) handleFailure(ctx context.Context, err error) error {
	w.failures++
	if w.failures <= 3 {
		w.log.Error("Queue read error", map[string]interface{}{
			"error":    err.Error(),
			"failures": w.failures,
		})
	}
	backoff := time.Duration(w.failures) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

func (w *Worker) process(ctx context.Context, msg kafkago.Message) {
	var task Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		w.log.Error("Dropping undecodable task envelope", map[string]interface{}{
			"offset": msg.Offset,
			"error":  err.Error(),
		})
		return
	}
	tlog := w.log.WithFields(map[string]interface{}{
		logger.FieldTask: task.ID,
		"kind":           task.Kind,
	})

	w.broker.PublishEvent(ctx, Event{TaskID: task.ID, Type: EventReceived})

	if revoked, err := w.broker.revoked(ctx, task.ID); err != nil {
		tlog.Warn("Revocation check failed", map[string]interface{}{"error": err.Error()})
	} else if revoked {
		tlog.Info("Task revoked before start")
		_ = w.broker.SetResult(ctx, Result{TaskID: task.ID, Status: StatusRevoked})
		w.broker.PublishEvent(ctx, Event{TaskID: task.ID, Type: EventRevoked})
		if fn, ok := w.revokedHandler(task.Kind); ok {
			if err := fn(ctx, task); err != nil {
				tlog.Error("Revoked callback failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return
	}

	h, ok := w.handler(task.Kind)
	if !ok {
		tlog.Error("No handler registered for task kind")
		_ = w.broker.SetResult(ctx, Result{
			TaskID:    task.ID,
			Status:    StatusFailure,
			Traceback: fmt.Sprintf("no handler registered for kind %q", task.Kind),
		})
		w.broker.PublishEvent(ctx, Event{TaskID: task.ID, Type: EventRejected})
		return
	}

	start := time.Now()
	_ = w.broker.SetResult(ctx, Result{TaskID: task.ID, Status: StatusStarted})
	w.broker.PublishEvent(ctx, Event{TaskID: task.ID, Type: EventStarted})

	value, err := h(ctx, task)
	runtime := time.Since(start).Seconds()
	if err != nil {
		tlog.Error("Task failed", map[string]interface{}{
			"error":   err.Error(),
			"runtime": runtime,
		})
		_ = w.broker.SetResult(ctx, Result{TaskID: task.ID, Status: StatusFailure, Traceback: err.Error()})
		w.broker.PublishEvent(ctx, Event{
			TaskID:    task.ID,
			Type:      EventFailed,
			Traceback: err.Error(),
			Runtime:   runtime,
		})
		return
	}

	tlog.Info("Task succeeded", map[string]interface{}{"runtime": runtime})
	_ = w.broker.SetResult(ctx, Result{TaskID: task.ID, Status: StatusSuccess, Value: value})
	w.broker.PublishEvent(ctx, Event{
		TaskID:    task.ID,
		Type:      EventSucceeded,
		Result:    value,
		Runtime:   runtime,
	})
}
