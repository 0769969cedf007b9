// Package monitor turns broker event broadcasts and log bus streams into
// per-pipeline subscription channels. Both stream kinds terminate on their
// own: every empty tick falls back to the broker's result store, so a
// subscriber observes closure even when every broadcast event is lost.
package monitor

import (
	"context"
	"time"

	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/logbus"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

// Monitor hosts event and log subscriptions on top of the broker and the
// log bus.
type Monitor struct {
	broker   *broker.Broker
	bus      *logbus.Bus
	log      *logger.Logger
	interval time.Duration
}

// New creates a monitor. interval is the empty-tick fallback period; zero
// selects 500ms.
func New(b *broker.Broker, bus *logbus.Bus, log *logger.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Monitor{
		broker:   b,
		bus:      bus,
		log:      log.WithComponent("monitor"),
		interval: interval,
	}
}

// statusOf folds a raw broker event type into a task status.
func statusOf(eventType string) string {
	switch eventType {
	case broker.EventSent:
		return "SENT"
	case broker.EventReceived:
		return "RECEIVED"
	case broker.EventStarted:
		return broker.StatusStarted
	case broker.EventSucceeded:
		return broker.StatusSuccess
	case broker.EventFailed, broker.EventRejected:
		return broker.StatusFailure
	case broker.EventRevoked:
		return broker.StatusRevoked
	case broker.EventRetried:
		return "RETRY"
	}
	return ""
}

func terminalStatus(status string) bool {
	switch status {
	case broker.StatusSuccess, broker.StatusFailure, broker.StatusRevoked:
		return true
	}
	return false
}

// Events streams folded lifecycle events for one task. The channel closes
// after the first terminal event, after a terminal result surfaces through
// polling, or when ctx is canceled. pipelineID is stamped onto every yielded
// event.
func (m *Monitor) Events(ctx context.Context, pipelineID, taskID string) (<-chan pipeline.Event, error) {
	raw, err := m.broker.Events(ctx, taskID)
	if err != nil {
		return nil, err
	}

	out := make(chan pipeline.Event, 32)
	go func() {
		defer close(out)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				if ev.TaskID != taskID && ev.RootID != taskID {
					continue
				}
				status := statusOf(ev.Type)
				if status == "" {
					continue
				}
				folded := pipeline.Event{
					ID:        pipelineID,
					TaskID:    taskID,
					Status:    status,
					Result:    ev.Result,
					Traceback: ev.Traceback,
					Timestamp: ev.Timestamp,
				}
				if !m.emit(ctx, out, folded) {
					return
				}
				if terminalStatus(status) {
					return
				}
			case <-ticker.C:
				res, err := m.broker.Result(ctx, taskID)
				if err != nil {
					m.log.Warn("Result poll failed", map[string]interface{}{
						logger.FieldTask: taskID,
						"error":          err.Error(),
					})
					continue
				}
				if !res.Terminal() {
					continue
				}
				// events were lost; synthesize the terminal event
				m.emit(ctx, out, pipeline.Event{
					ID:        pipelineID,
					TaskID:    taskID,
					Status:    res.Status,
					Result:    res.Value,
					Traceback: res.Traceback,
					Timestamp: res.UpdatedAt,
				})
				return
			}
		}
	}()
	return out, nil
}

func (m *Monitor) emit(ctx context.Context, out chan<- pipeline.Event, ev pipeline.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Logs tails one task's log stream from the beginning. The channel closes
// once the task's result turns terminal and the buffered records have been
// flushed, or when ctx is canceled.
func (m *Monitor) Logs(ctx context.Context, pipelineID, taskID string) (<-chan pipeline.LogMessage, error) {
	out := make(chan pipeline.LogMessage, 32)
	inner := make(chan pipeline.LogMessage, 32)

	tailCtx, stopTail := context.WithCancel(ctx)
	go func() {
		err := m.bus.Consume(tailCtx, taskID, "", inner)
		if err != nil && tailCtx.Err() == nil {
			m.log.Warn("Log tail ended", map[string]interface{}{
				logger.FieldTask: taskID,
				"error":          err.Error(),
			})
		}
	}()

	go func() {
		defer close(out)
		defer stopTail()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-inner:
				rec.ID = pipelineID
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				res, err := m.broker.Result(ctx, taskID)
				if err != nil {
					m.log.Warn("Result poll failed", map[string]interface{}{
						logger.FieldTask: taskID,
						"error":          err.Error(),
					})
					continue
				}
				if !res.Terminal() {
					continue
				}
				m.flush(ctx, pipelineID, inner, out)
				return
			}
		}
	}()
	return out, nil
}

// flush forwards records already buffered by the tail before closing.
func (m *Monitor) flush(ctx context.Context, pipelineID string, inner <-chan pipeline.LogMessage, out chan<- pipeline.LogMessage) {
	for {
		select {
		case rec := <-inner:
			rec.ID = pipelineID
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		default:
			return
		}
	}
}
