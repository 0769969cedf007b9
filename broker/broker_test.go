package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/pipeworks-io/pipeworks/logger"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafkago.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeReader struct {
	in        chan kafkago.Message
	mu        sync.Mutex
	committed []kafkago.Message
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error { return nil }

func newTestBroker(t *testing.T) (*Broker, *fakeWriter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	writer := &fakeWriter{}
	b, err := NewWithClients(Config{}, logger.NewDefault("broker-test"), writer, rdb)
	if err != nil {
		t.Fatalf("NewWithClients: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, writer
}

func enqueueTask(t *testing.T, b *Broker, w *fakeWriter, kind string) (string, kafkago.Message) {
	t.Helper()
	taskID, err := b.Enqueue(context.Background(), kind, json.RawMessage(`{"id":"p1"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.msgs) == 0 {
		t.Fatal("no message written to queue")
	}
	return taskID, w.msgs[len(w.msgs)-1]
}

func TestEnqueueWritesEnvelope(t *testing.T) {
	b, w := newTestBroker(t)

	taskID, msg := enqueueTask(t, b, w, "run_pipeline")
	if string(msg.Key) != taskID {
		t.Errorf("message key = %q, want task id %q", msg.Key, taskID)
	}

	var task Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if task.ID != taskID || task.Kind != "run_pipeline" {
		t.Errorf("envelope = %+v", task)
	}
	if string(task.Payload) != `{"id":"p1"}` {
		t.Errorf("payload = %s", task.Payload)
	}
}

func TestEnqueueQueueDownIsUpstream(t *testing.T) {
	b, w := newTestBroker(t)
	w.err = errors.New("broker unreachable")
	b.cfg.Retries = 1

	_, err := b.Enqueue(context.Background(), "run_pipeline", nil)
	if err == nil {
		t.Fatal("expected error when queue is down")
	}
}

func TestResultLifecycle(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	res, err := b.Result(ctx, "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPending {
		t.Errorf("unknown task status = %s, want PENDING", res.Status)
	}

	if err := b.SetResult(ctx, Result{TaskID: "t1", Status: StatusStarted}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetResult(ctx, Result{TaskID: "t1", Status: StatusSuccess, Value: "done"}); err != nil {
		t.Fatal(err)
	}
	// a late non-terminal write must not mask the terminal result
	if err := b.SetResult(ctx, Result{TaskID: "t1", Status: StatusStarted}); err != nil {
		t.Fatal(err)
	}

	res, err = b.Result(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess || res.Value != "done" {
		t.Errorf("result = %+v, want SUCCESS/done", res)
	}
}

func TestEventsSubscription(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := b.Events(ctx, "t2")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	b.PublishEvent(ctx, Event{TaskID: "t2", Type: EventStarted})
	b.PublishEvent(ctx, Event{TaskID: "t2", Type: EventSucceeded, Result: "ok"})

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	if got[0].Type != EventStarted || got[1].Type != EventSucceeded {
		t.Errorf("events = %v, %v", got[0].Type, got[1].Type)
	}
	if got[1].Result != "ok" {
		t.Errorf("succeeded event result = %q", got[1].Result)
	}
}

func startWorker(t *testing.T, b *Broker, reader *fakeReader, kinds map[string]Handler) context.CancelFunc {
	t.Helper()
	w := NewWorkerWithReader(b.cfg, logger.NewDefault("worker-test"), b, reader)
	for kind, h := range kinds {
		w.Register(kind, h)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	return cancel
}

func waitForTerminal(t *testing.T, b *Broker, taskID string) *Result {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		res, err := b.Result(context.Background(), taskID)
		if err != nil {
			t.Fatal(err)
		}
		if res.Terminal() {
			return res
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state (last %s)", taskID, res.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerRunsHandler(t *testing.T) {
	b, w := newTestBroker(t)
	taskID, msg := enqueueTask(t, b, w, "run_pipeline")

	reader := &fakeReader{in: make(chan kafkago.Message, 1)}
	reader.in <- msg

	var gotPayload string
	cancel := startWorker(t, b, reader, map[string]Handler{
		"run_pipeline": func(_ context.Context, task Task) (string, error) {
			gotPayload = string(task.Payload)
			return "result-value", nil
		},
	})
	defer cancel()

	res := waitForTerminal(t, b, taskID)
	if res.Status != StatusSuccess || res.Value != "result-value" {
		t.Errorf("result = %+v", res)
	}
	if gotPayload != `{"id":"p1"}` {
		t.Errorf("handler payload = %q", gotPayload)
	}

	reader.mu.Lock()
	committed := len(reader.committed)
	reader.mu.Unlock()
	if committed != 1 {
		t.Errorf("committed %d messages, want 1", committed)
	}
}

func TestWorkerHandlerError(t *testing.T) {
	b, w := newTestBroker(t)
	taskID, msg := enqueueTask(t, b, w, "run_pipeline")

	reader := &fakeReader{in: make(chan kafkago.Message, 1)}
	reader.in <- msg
	cancel := startWorker(t, b, reader, map[string]Handler{
		"run_pipeline": func(context.Context, Task) (string, error) {
			return "", errors.New("node exploded")
		},
	})
	defer cancel()

	res := waitForTerminal(t, b, taskID)
	if res.Status != StatusFailure {
		t.Errorf("status = %s, want FAILURE", res.Status)
	}
	if res.Traceback != "node exploded" {
		t.Errorf("traceback = %q", res.Traceback)
	}
}

func TestWorkerUnknownKindRejected(t *testing.T) {
	b, w := newTestBroker(t)
	taskID, msg := enqueueTask(t, b, w, "mystery_kind")

	reader := &fakeReader{in: make(chan kafkago.Message, 1)}
	reader.in <- msg
	cancel := startWorker(t, b, reader, nil)
	defer cancel()

	res := waitForTerminal(t, b, taskID)
	if res.Status != StatusFailure {
		t.Errorf("status = %s, want FAILURE", res.Status)
	}
}

func TestWorkerSkipsRevokedTask(t *testing.T) {
	b, w := newTestBroker(t)
	taskID, msg := enqueueTask(t, b, w, "run_pipeline")

	if err := b.Revoke(context.Background(), taskID); err != nil {
		t.Fatal(err)
	}

	ran := false
	reader := &fakeReader{in: make(chan kafkago.Message, 1)}
	reader.in <- msg
	cancel := startWorker(t, b, reader, map[string]Handler{
		"run_pipeline": func(context.Context, Task) (string, error) {
			ran = true
			return "", nil
		},
	})
	defer cancel()

	res := waitForTerminal(t, b, taskID)
	if res.Status != StatusRevoked {
		t.Errorf("status = %s, want REVOKED", res.Status)
	}
	if ran {
		t.Error("handler ran for a revoked task")
	}
}

func TestWorkerRevokedCallback(t *testing.T) {
	b, fw := newTestBroker(t)
	taskID, msg := enqueueTask(t, b, fw, "run_pipeline")

	if err := b.Revoke(context.Background(), taskID); err != nil {
		t.Fatal(err)
	}

	notified := make(chan Task, 1)
	reader := &fakeReader{in: make(chan kafkago.Message, 1)}
	reader.in <- msg
	w := NewWorkerWithReader(b.cfg, logger.NewDefault("worker-test"), b, reader)
	w.Register("run_pipeline", func(context.Context, Task) (string, error) {
		t.Error("handler ran for a revoked task")
		return "", nil
	})
	w.RegisterRevoked("run_pipeline", func(_ context.Context, task Task) error {
		notified <- task
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	select {
	case task := <-notified:
		if task.ID != taskID {
			t.Errorf("callback task id = %s, want %s", task.ID, taskID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("revoked callback never ran")
	}
}
