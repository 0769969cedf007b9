// Package executor is the worker-side handler for pipeline runs. It owns the
// READY → STARTED → SUCCESS/FAILURE transitions of a dispatched pipeline,
// wires the task's log sinks, resolves the effective graph, and drives the
// engine.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/engine"
	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/logbus"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/observability"
	"github.com/pipeworks-io/pipeworks/pipeline"
	"github.com/pipeworks-io/pipeworks/store"
)

// TaskRunPipeline is the broker task kind handled by the executor.
const TaskRunPipeline = "run_pipeline"

// Names of the archive datasets injected into a running pipeline's catalog
// when a log path prefix is configured.
const (
	DatasetMeta = "gql_meta"
	DatasetLogs = "gql_logs"
)

// RunPayload is the task envelope body for run_pipeline. It snapshots the
// dispatch request; the stored record stays authoritative at execution time.
type RunPayload struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Runner      string               `json:"runner,omitempty"`
	Parameters  []pipeline.Parameter `json:"parameters,omitempty"`
	DataCatalog []pipeline.DataSet   `json:"data_catalog,omitempty"`
	Slices      []pipeline.Slice     `json:"slices,omitempty"`
	OnlyMissing bool                 `json:"only_missing,omitempty"`
}

// RunSummary is the terminal result value stored with the broker.
type RunSummary struct {
	Status   string   `json:"status"`
	Nodes    []string `json:"nodes"`
	Duration float64  `json:"duration_sec"`
}

// Executor runs pipelines on the worker.
type Executor struct {
	cfg    Config
	log    *logger.Logger
	engine *engine.Engine
	store  *store.Store
	broker *broker.Broker
	bus    *logbus.Bus
}

// New creates an executor.
func New(cfg Config, log *logger.Logger, eng *engine.Engine, st *store.Store, b *broker.Broker, bus *logbus.Bus) (*Executor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		cfg:    cfg,
		log:    log.WithComponent("executor"),
		engine: eng,
		store:  st,
		broker: b,
		bus:    bus,
	}, nil
}

// Attach registers the executor's handlers on a worker.
func (e *Executor) Attach(w *broker.Worker) {
	w.Register(TaskRunPipeline, e.Handle)
	w.RegisterRevoked(TaskRunPipeline, e.HandleRevoked)
}

// HandleRevoked records the revocation on the durable record when the worker
// skips a revoked task, so the store and the task result agree. A record a
// racing writer already drove to a terminal state is left alone.
func (e *Executor) HandleRevoked(ctx context.Context, task broker.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperrors.BadRequest(fmt.Sprintf("undecodable run payload: %v", err))
	}
	_, err := e.store.Mutate(ctx, payload.ID, func(p *pipeline.Pipeline) error {
		cur := p.CurrentStatus()
		if cur == nil || cur.State.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		cur.State = pipeline.StateRevoked
		cur.TaskID = task.ID
		cur.FinishedAt = &now
		return nil
	})
	return err
}

// Handle executes one run_pipeline task. The returned string is the run
// summary recorded as the task result; a returned error surfaces through the
// broker as a failed task.
func (e *Executor) Handle(ctx context.Context, task broker.Task) (string, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanRunPipeline)
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrTaskID, task.ID)

	var payload RunPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return "", apperrors.BadRequest(fmt.Sprintf("undecodable run payload: %v", err))
	}
	observability.SetSpanAttribute(ctx, observability.AttrPipelineID, payload.ID)
	observability.SetSpanAttribute(ctx, observability.AttrTemplate, payload.Name)

	p, err := e.store.Read(ctx, payload.ID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", apperrors.NotFound("pipeline", payload.ID)
	}

	pub := e.bus.Publisher(task.ID)
	sinks, err := openSinks(e.cfg.LogTmpDir, task.ID, pub)
	if err != nil {
		return "", err
	}

	runner := p.Runner
	if runner == "" {
		runner = e.cfg.Runner
	}
	session := uuid.NewString()

	p, err = e.beforeStart(ctx, p, task, session, runner)
	if err != nil {
		sinks.close()
		return "", err
	}

	runLog := e.taskLogger(ctx, sinks, p.ID, task.ID)
	runLog.Info("Pipeline run starting", map[string]interface{}{
		"name":    p.Name,
		"runner":  runner,
		"session": session,
	})

	var value string
	var runErr error
	defer func() {
		e.afterReturn(ctx, p, task.ID, sinks, value, runErr)
	}()

	value, runErr = e.execute(ctx, p, sinks, runLog, session, runner)
	if runErr != nil {
		runLog.Error("Pipeline run failed", map[string]interface{}{"error": runErr.Error()})
		fmt.Fprintf(sinks.errFile, "%s %v\n", time.Now().UTC().Format(time.RFC3339), runErr)
		observability.SetSpanError(ctx, runErr)
		observability.SetSpanAttribute(ctx, observability.AttrStatus, string(pipeline.StateFailure))
		return "", runErr
	}
	runLog.Info("Pipeline run finished")
	observability.SetSpanAttribute(ctx, observability.AttrStatus, string(pipeline.StateSuccess))
	return value, nil
}

// taskLogger builds the run-scoped logger: structured output mirrored to the
// task's info.log file and the live log bus topic.
func (e *Executor) taskLogger(ctx context.Context, sinks *taskSinks, pipelineID, taskID string) *logger.Logger {
	sink := io.MultiWriter(sinks.infoFile, newBusWriter(ctx, sinks.pub))
	return e.log.WithWriter(sink).WithFields(map[string]interface{}{
		logger.FieldPipeline: pipelineID,
		logger.FieldTask:     taskID,
	})
}

// beforeStart marks the current status STARTED, stamps the task identity and
// session onto it, injects the archive datasets, and persists. The stored
// record is where event/log subscribers discover the task id.
func (e *Executor) beforeStart(ctx context.Context, p *pipeline.Pipeline, task broker.Task, session, runner string) (*pipeline.Pipeline, error) {
	cur := p.CurrentStatus()
	if cur == nil {
		return nil, apperrors.Internal(fmt.Errorf("executor: pipeline %s has no status history", p.ID))
	}
	now := time.Now().UTC()
	cur.State = pipeline.StateStarted
	cur.TaskID = task.ID
	cur.TaskName = TaskRunPipeline
	cur.Session = session
	cur.Runner = runner
	cur.TaskRequest = string(task.Payload)
	if cur.StartedAt == nil {
		cur.StartedAt = &now
	}

	if e.cfg.LogPathPrefix != "" {
		if err := e.injectArchiveDatasets(ctx, p, now); err != nil {
			return nil, err
		}
	}
	return e.store.Update(ctx, p)
}

// archiveBase is <prefix>/year=Y/month=M/day=D/<pipeline_id>.
func (e *Executor) archiveBase(p *pipeline.Pipeline, now time.Time) string {
	return fmt.Sprintf("%s/year=%d/month=%02d/day=%02d/%s",
		e.cfg.LogPathPrefix, now.Year(), int(now.Month()), now.Day(), p.ID)
}

// injectArchiveDatasets appends gql_meta and gql_logs to the catalog and
// writes the meta document immediately, so readers can fetch run metadata
// while the pipeline is still running.
func (e *Executor) injectArchiveDatasets(ctx context.Context, p *pipeline.Pipeline, now time.Time) error {
	base := e.archiveBase(p, now)
	metaPath := base + "/meta.json"

	if p.Dataset(DatasetMeta) == nil {
		meta, err := pipeline.NewDataSet(DatasetMeta, map[string]any{
			pipeline.ConfigKeyType:     engine.TypeJSON,
			pipeline.ConfigKeyFilepath: metaPath,
		})
		if err != nil {
			return err
		}
		p.DataCatalog = append(p.DataCatalog, meta)
	}
	if p.Dataset(DatasetLogs) == nil {
		logs, err := pipeline.NewDataSet(DatasetLogs, map[string]any{
			pipeline.ConfigKeyType: engine.TypePartitioned,
			pipeline.ConfigKeyPath: base,
		})
		if err != nil {
			return err
		}
		p.DataCatalog = append(p.DataCatalog, logs)
	}

	metaStore := &engine.JSONDataset{Filepath: metaPath}
	if err := metaStore.Save(ctx, p); err != nil {
		return fmt.Errorf("executor: write %s: %w", DatasetMeta, err)
	}
	return nil
}

// execute runs the resolved graph and returns the serialized run summary.
func (e *Executor) execute(ctx context.Context, p *pipeline.Pipeline, sinks *taskSinks, runLog *logger.Logger, session, runner string) (string, error) {
	cat, err := engine.CatalogFromPipeline(p)
	if err != nil {
		return "", apperrors.BadRequest(err.Error())
	}
	params, err := pipeline.ResolveParameters(p.Parameters)
	if err != nil {
		return "", apperrors.BadRequest(err.Error())
	}

	g, err := e.engine.Resolve(ctx, p.Name, p.Slices, p.OnlyMissing, cat)
	if err != nil {
		return "", apperrors.InvalidPipeline(err.Error())
	}

	cur := p.CurrentStatus()
	cur.FilteredNodes = g.NodeNames()
	if _, err = e.store.Update(ctx, p); err != nil {
		return "", err
	}

	run := &engine.Run{
		Name:      p.Name,
		SessionID: session,
		Runner:    runner,
		Params:    params,
		Catalog:   cat,
		Graph:     g,
	}
	hooks := engine.Hooks{
		AfterCatalogCreated: func(_ context.Context, cat *engine.Catalog) error {
			runLog.Debug("Catalog assembled", map[string]interface{}{
				"datasets": cat.Names(),
			})
			return nil
		},
		BeforePipelineRun: func(hctx context.Context, run *engine.Run) error {
			// each attempt starts with fresh log files
			if err := sinks.rotate(); err != nil {
				return err
			}
			if err := engine.ValidateFreeInputs(hctx, run); err != nil {
				return apperrors.InvalidPipeline(err.Error())
			}
			return nil
		},
		AfterPipelineRun: func(_ context.Context, _ *engine.Run, res *engine.Result) error {
			runLog.Info("All nodes completed", map[string]interface{}{
				"nodes":    len(res.NodeResults),
				"duration": res.Duration.Seconds(),
			})
			return nil
		},
		OnPipelineError: func(_ context.Context, _ *engine.Run, err error) {
			runLog.Error("Engine run aborted", map[string]interface{}{"error": err.Error()})
		},
	}

	res, err := e.engine.Run(ctx, run, hooks)
	if err != nil {
		return "", err
	}

	summary := RunSummary{
		Status:   broker.StatusSuccess,
		Nodes:    g.NodeNames(),
		Duration: res.Duration.Seconds(),
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return "", apperrors.Internal(err)
	}
	return string(raw), nil
}

// afterReturn runs regardless of outcome: it tears down the log sinks,
// archives the tmp logs, drops the log bus topic, and records the terminal
// status entry.
func (e *Executor) afterReturn(ctx context.Context, p *pipeline.Pipeline, taskID string, sinks *taskSinks, value string, runErr error) {
	// cleanup must survive task cancellation
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if e.cfg.LogPathPrefix != "" {
		if contents, err := sinks.contents(); err == nil {
			if ds := p.Dataset(DatasetLogs); ds != nil {
				if path, _, ok := ds.Path(); ok {
					archive := &engine.PartitionedDataset{Path: path}
					if err := archive.Save(cctx, contents); err != nil {
						e.log.Warn("Log archive upload failed", map[string]interface{}{
							logger.FieldTask: taskID,
							"error":          err.Error(),
						})
					}
				}
			}
		}
	}
	sinks.close()

	if err := e.bus.DeleteTopic(cctx, taskID); err != nil {
		e.log.Warn("Log topic cleanup failed", map[string]interface{}{
			logger.FieldTask: taskID,
			"error":          err.Error(),
		})
	}

	cur := p.CurrentStatus()
	if cur == nil {
		return
	}
	now := time.Now().UTC()
	cur.FinishedAt = &now
	cur.TaskResult = value
	if runErr != nil {
		cur.State = pipeline.StateFailure
		cur.TaskException = runErr.Error()
		cur.TaskTraceback = runErr.Error()
	} else {
		cur.State = pipeline.StateSuccess
	}
	if _, err := e.store.Update(cctx, p); err != nil {
		e.log.Error("Terminal status update failed", map[string]interface{}{
			logger.FieldPipeline: p.ID,
			logger.FieldState:    string(cur.State),
			"error":              err.Error(),
		})
	}
}
