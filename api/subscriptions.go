package api

import (
	"context"
	"time"

	"github.com/pipeworks-io/pipeworks/authz"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

// PipelineEvents streams lifecycle events for a pipeline. The call waits for
// the current status to carry a task id (dispatch writes it moments after
// the record lands), then hands off to the event monitor. A pipeline already
// terminal yields one synthesized event and a closed stream.
func (s *Service) PipelineEvents(ctx context.Context, caller authz.Identity, id string) (<-chan pipeline.Event, error) {
	if err := s.authorize(authz.ActionSubscribeToEvents, caller); err != nil {
		return nil, err
	}
	p, err := s.waitForTask(ctx, id)
	if err != nil {
		return nil, err
	}

	cur := p.CurrentStatus()
	if cur.State.Terminal() {
		out := make(chan pipeline.Event, 1)
		out <- pipeline.Event{
			ID:        p.ID,
			TaskID:    cur.TaskID,
			Status:    string(cur.State),
			Result:    cur.TaskResult,
			Traceback: cur.TaskTraceback,
			Timestamp: time.Now().UTC(),
		}
		close(out)
		return out, nil
	}
	return s.monitor.Events(ctx, p.ID, cur.TaskID)
}

// PipelineLogs streams log records for a pipeline, replayed from the start
// of its log topic. A pipeline that went terminal before ever getting a task
// yields a closed stream.
func (s *Service) PipelineLogs(ctx context.Context, caller authz.Identity, id string) (<-chan pipeline.LogMessage, error) {
	if err := s.authorize(authz.ActionSubscribeToLogs, caller); err != nil {
		return nil, err
	}
	p, err := s.waitForTask(ctx, id)
	if err != nil {
		return nil, err
	}

	cur := p.CurrentStatus()
	if cur.TaskID == "" {
		out := make(chan pipeline.LogMessage)
		close(out)
		return out, nil
	}
	return s.monitor.Logs(ctx, p.ID, cur.TaskID)
}

// waitForTask polls the store until the current status carries a task id or
// reaches a terminal state. Dispatch writes the task id in a second update,
// so a freshly created READY pipeline may briefly show none.
func (s *Service) waitForTask(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		p, err := s.readPipeline(ctx, id)
		if err != nil {
			return nil, err
		}
		cur := p.CurrentStatus()
		if cur != nil && (cur.TaskID != "" || cur.State.Terminal()) {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
