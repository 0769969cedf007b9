package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pipeworks-io/pipeworks/authz"
	"github.com/pipeworks-io/pipeworks/engine"
	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/executor"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/observability"
	"github.com/pipeworks-io/pipeworks/pipeline"
	"github.com/pipeworks-io/pipeworks/sanitize"
	"github.com/pipeworks-io/pipeworks/store"
	"github.com/pipeworks-io/pipeworks/version"
)

// CreatePipeline validates and persists a new pipeline. A READY pipeline is
// dispatched to the broker before returning; a STAGED one waits for a later
// update. uniquePaths overrides the configured stamp list when non-nil.
func (s *Service) CreatePipeline(ctx context.Context, caller authz.Identity, in *pipeline.PipelineInput, uniquePaths []string) (*pipeline.Pipeline, error) {
	if err := s.authorize(authz.ActionCreatePipeline, caller); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	if _, ok := s.eng.Graph(in.Name); !ok {
		return nil, apperrors.InvalidPipeline("unknown pipeline " + in.Name)
	}

	now := time.Now().UTC()
	p := in.Decode(now)
	p.ProjectVersion = version.Version
	if err := s.inbound(p); err != nil {
		return nil, err
	}

	if in.State == pipeline.StateStaged {
		p.AppendStatus(pipeline.Status{State: pipeline.StateStaged})
	} else {
		p.AppendStatus(readyStatus(now))
	}

	created, err := s.store.Create(ctx, p)
	if err != nil {
		return nil, err
	}

	if names := s.stampList(uniquePaths); len(names) > 0 {
		if err := sanitize.Stamp(created, names); err != nil {
			return nil, err
		}
		if created, err = s.store.Update(ctx, created); err != nil {
			return nil, err
		}
	}

	if created.CurrentState() == pipeline.StateReady {
		if created, err = s.dispatch(ctx, created); err != nil {
			return nil, err
		}
	}
	return s.outbound(created)
}

// UpdatePipeline overlays the mutable fields and applies the lifecycle
// transition the requested state implies:
//
//   - READY requested, current STAGED: the staged entry is replaced by a
//     READY one and the pipeline is dispatched.
//   - READY requested, current terminal: a fresh READY attempt is appended
//     and the pipeline is dispatched.
//   - STAGED requested, current terminal: a STAGED entry is appended.
//   - anything else leaves the status history untouched.
func (s *Service) UpdatePipeline(ctx context.Context, caller authz.Identity, id string, in *pipeline.PipelineInput, uniquePaths []string) (*pipeline.Pipeline, error) {
	if err := s.authorize(authz.ActionUpdatePipeline, caller); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	p, err := s.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NotFound("pipeline", id)
	}

	in.Overlay(p)
	if err := s.inbound(p); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state := p.CurrentState()
	dispatch := false
	switch {
	case in.State == pipeline.StateReady && state == pipeline.StateStaged:
		p.ReplaceCurrentStatus(readyStatus(now))
		dispatch = true
	case in.State == pipeline.StateReady && state.Redispatchable():
		p.AppendStatus(readyStatus(now))
		dispatch = true
	case in.State == pipeline.StateStaged && state.Terminal():
		p.AppendStatus(pipeline.Status{State: pipeline.StateStaged})
	}

	if p, err = s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	if names := s.stampList(uniquePaths); len(names) > 0 {
		if err := sanitize.Stamp(p, names); err != nil {
			return nil, err
		}
		if p, err = s.store.Update(ctx, p); err != nil {
			return nil, err
		}
	}
	if dispatch {
		if p, err = s.dispatch(ctx, p); err != nil {
			return nil, err
		}
	}
	return s.outbound(p)
}

// DeletePipeline removes a pipeline and returns its pre-deletion snapshot.
func (s *Service) DeletePipeline(ctx context.Context, caller authz.Identity, id string) (*pipeline.Pipeline, error) {
	if err := s.authorize(authz.ActionDeletePipeline, caller); err != nil {
		return nil, err
	}
	p, err := s.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NotFound("pipeline", id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	return s.outbound(p)
}

// RevokePipeline flags the current attempt's task so workers skip it when it
// surfaces from the queue. A READY attempt is marked REVOKED on the durable
// record immediately; a STARTED one keeps running and records its own
// terminal state.
func (s *Service) RevokePipeline(ctx context.Context, caller authz.Identity, id string) (*pipeline.Pipeline, error) {
	if err := s.authorize(authz.ActionRevokePipeline, caller); err != nil {
		return nil, err
	}
	p, err := s.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NotFound("pipeline", id)
	}
	cur := p.CurrentStatus()
	if cur == nil || cur.State.Terminal() || cur.State == pipeline.StateStaged {
		return nil, apperrors.Conflict("pipeline " + id + " has no revocable attempt")
	}
	if cur.TaskID == "" {
		return nil, apperrors.Conflict("pipeline " + id + " has no task to revoke")
	}
	if err := s.broker.Revoke(ctx, cur.TaskID); err != nil {
		return nil, err
	}
	if cur.State == pipeline.StateReady {
		now := time.Now().UTC()
		if p, err = s.store.Mutate(ctx, id, func(fresh *pipeline.Pipeline) error {
			st := fresh.CurrentStatus()
			if st != nil && st.State == pipeline.StateReady {
				st.State = pipeline.StateRevoked
				st.FinishedAt = &now
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	s.log.Info("Pipeline revoked", map[string]interface{}{
		logger.FieldPipeline: id,
		logger.FieldTask:     cur.TaskID,
	})
	return s.outbound(p)
}

// ReadPipeline returns one pipeline by id.
func (s *Service) ReadPipeline(ctx context.Context, caller authz.Identity, id string) (*pipeline.Pipeline, error) {
	if err := s.authorize(authz.ActionReadPipeline, caller); err != nil {
		return nil, err
	}
	p, err := s.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NotFound("pipeline", id)
	}
	return s.outbound(p)
}

// Page is one page of pipeline records.
type Page struct {
	Records    []*pipeline.Pipeline `json:"records"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// ReadPipelines lists pipelines. filter is the JSON filter document, sort a
// JSON array of {field, dir} entries; both optional.
func (s *Service) ReadPipelines(ctx context.Context, caller authz.Identity, limit int, cursor, filter, sort string) (*Page, error) {
	if err := s.authorize(authz.ActionReadPipelines, caller); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	var sortFields []store.SortField
	if sort != "" {
		if err := json.Unmarshal([]byte(sort), &sortFields); err != nil {
			return nil, apperrors.BadRequest("malformed sort document")
		}
	}
	page, err := s.store.List(ctx, store.ListQuery{
		Cursor: cursor,
		Limit:  limit,
		Filter: []byte(filter),
		Sort:   sortFields,
	})
	if err != nil {
		return nil, err
	}
	out := &Page{NextCursor: page.NextCursor}
	for _, p := range page.Records {
		masked, err := s.outbound(p)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, masked)
	}
	return out, nil
}

// ReadPipelineTemplate returns one engine template by name.
func (s *Service) ReadPipelineTemplate(_ context.Context, caller authz.Identity, name string) (*engine.Template, error) {
	if err := s.authorize(authz.ActionReadPipelineTemplate, caller); err != nil {
		return nil, err
	}
	t, ok := s.eng.Template(name)
	if !ok {
		return nil, apperrors.NotFound("pipeline template", name)
	}
	return t, nil
}

// ReadPipelineTemplates lists every registered engine template.
func (s *Service) ReadPipelineTemplates(_ context.Context, caller authz.Identity) ([]*engine.Template, error) {
	if err := s.authorize(authz.ActionReadPipelineTemplates, caller); err != nil {
		return nil, err
	}
	names := s.eng.Pipelines()
	out := make([]*engine.Template, 0, len(names))
	for _, name := range names {
		if t, ok := s.eng.Template(name); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// readyStatus is the status entry opened by a dispatch.
func readyStatus(now time.Time) pipeline.Status {
	started := now
	return pipeline.Status{
		State:     pipeline.StateReady,
		TaskName:  executor.TaskRunPipeline,
		StartedAt: &started,
	}
}

// stampList picks the per-call stamp list over the configured one.
func (s *Service) stampList(uniquePaths []string) []string {
	if uniquePaths != nil {
		return uniquePaths
	}
	return s.opts.UniquePaths
}

// dispatch enqueues a run task for the pipeline and records the returned
// task id on the status entry that opened the attempt. Subscribers tolerate
// the brief window before this second write lands.
func (s *Service) dispatch(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanDispatch)
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrPipelineID, p.ID)
	observability.SetSpanAttribute(ctx, observability.AttrTemplate, p.Name)

	payload, err := json.Marshal(executor.RunPayload{
		ID:          p.ID,
		Name:        p.Name,
		Runner:      p.Runner,
		Parameters:  p.Parameters,
		DataCatalog: p.DataCatalog,
		Slices:      p.Slices,
		OnlyMissing: p.OnlyMissing,
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	taskID, err := s.broker.Enqueue(ctx, executor.TaskRunPipeline, payload)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return nil, err
	}
	observability.SetSpanAttribute(ctx, observability.AttrTaskID, taskID)

	// A fast worker can pick the task up and advance the record before this
	// write. Re-reading under the store's per-id lock and stamping only the
	// task id keeps any states the worker appended in between.
	updated, err := s.store.Mutate(ctx, p.ID, func(cur *pipeline.Pipeline) error {
		for i := len(cur.Status) - 1; i >= 0; i-- {
			entry := &cur.Status[i]
			if entry.TaskID == taskID {
				return nil
			}
			if entry.TaskID == "" {
				entry.TaskID = taskID
				return nil
			}
		}
		return nil
	})
	if err != nil {
		observability.SetSpanError(ctx, err)
		return nil, err
	}
	s.log.Info("Pipeline dispatched", map[string]interface{}{
		logger.FieldPipeline: p.ID,
		logger.FieldTask:     taskID,
		logger.FieldTemplate: p.Name,
	})
	return updated, nil
}

// inbound rewrites a record crossing into the service: masked paths back to
// real ones, then the allow-list check.
func (s *Service) inbound(p *pipeline.Pipeline) error {
	if s.sanitizer == nil {
		return nil
	}
	if err := s.sanitizer.UnmaskPaths(p); err != nil {
		return err
	}
	return s.sanitizer.Check(p)
}

// outbound masks a record leaving the service. The stored record keeps real
// paths; callers get a masked clone.
func (s *Service) outbound(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	masked := p.Clone()
	if s.sanitizer != nil {
		if err := s.sanitizer.MaskPaths(masked); err != nil {
			return nil, err
		}
	}
	return masked, nil
}
