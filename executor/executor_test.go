package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/engine"
	"github.com/pipeworks-io/pipeworks/logbus"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/pipeline"
	"github.com/pipeworks-io/pipeworks/store"
)

type discardQueue struct{}

func (discardQueue) WriteMessages(context.Context, ...kafkago.Message) error { return nil }
func (discardQueue) Close() error                                            { return nil }

type fixture struct {
	executor *Executor
	store    *store.Store
	bus      *logbus.Bus
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := logger.NewDefault("executor-test")
	mr := miniredis.RunT(t)

	st, err := store.New(store.Config{Path: ":memory:"}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b, err := broker.NewWithClients(broker.Config{}, log, discardQueue{}, rdb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	bus, err := logbus.New(logbus.Config{Addr: mr.Addr()}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	eng := engine.New()
	if err := engine.RegisterExamples(eng); err != nil {
		t.Fatal(err)
	}

	if cfg.LogTmpDir == "" {
		cfg.LogTmpDir = t.TempDir()
	}
	ex, err := New(cfg, log, eng, st, b, bus)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{executor: ex, store: st, bus: bus, redis: mr}
}

func textDataset(t *testing.T, name, filepath string) pipeline.DataSet {
	t.Helper()
	ds, err := pipeline.NewDataSet(name, map[string]any{
		pipeline.ConfigKeyType:     engine.TypeText,
		pipeline.ConfigKeyFilepath: filepath,
	})
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func dispatchedPipeline(t *testing.T, f *fixture, dir string) *pipeline.Pipeline {
	t.Helper()
	in := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(in, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	started := time.Now().UTC()
	p := &pipeline.Pipeline{
		Name:   "example00",
		Runner: engine.RunnerSequential,
		DataCatalog: []pipeline.DataSet{
			textDataset(t, "text_in", in),
			textDataset(t, "timestamped", filepath.Join(dir, "out.txt")),
		},
		Status: []pipeline.Status{{
			State:     pipeline.StateReady,
			TaskName:  TaskRunPipeline,
			StartedAt: &started,
		}},
	}
	p, err := f.store.Create(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func runTask(t *testing.T, f *fixture, p *pipeline.Pipeline, taskID string) (string, error) {
	t.Helper()
	payload, err := json.Marshal(RunPayload{ID: p.ID, Name: p.Name, Runner: p.Runner})
	if err != nil {
		t.Fatal(err)
	}
	return f.executor.Handle(context.Background(), broker.Task{
		ID:      taskID,
		Kind:    TaskRunPipeline,
		Payload: payload,
	})
}

func TestHandleSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	p := dispatchedPipeline(t, f, dir)

	value, err := runTask(t, f, p, "task-ok")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var summary RunSummary
	if err := json.Unmarshal([]byte(value), &summary); err != nil {
		t.Fatalf("summary not JSON: %v", err)
	}
	if summary.Status != broker.StatusSuccess {
		t.Errorf("summary status = %s", summary.Status)
	}

	got, err := f.store.Read(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	cur := got.CurrentStatus()
	if cur.State != pipeline.StateSuccess {
		t.Errorf("state = %s, want SUCCESS", cur.State)
	}
	if cur.TaskID != "task-ok" || cur.TaskName != TaskRunPipeline {
		t.Errorf("task identity = %q/%q", cur.TaskID, cur.TaskName)
	}
	if cur.Session == "" {
		t.Error("no session recorded")
	}
	if cur.FinishedAt == nil {
		t.Error("no finished_at recorded")
	}
	if cur.TaskResult == "" {
		t.Error("no task_result recorded")
	}
	wantNodes := []string{"uppercase_node", "reverse_node", "timestamp_node"}
	if !reflect.DeepEqual(cur.FilteredNodes, wantNodes) {
		t.Errorf("filtered_nodes = %v, want %v", cur.FilteredNodes, wantNodes)
	}
	if len(got.Status) != 1 {
		t.Errorf("status history length = %d, want 1 (in-place transition)", len(got.Status))
	}

	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("output dataset missing: %v", err)
	}
}

func TestHandleCleansUpLogTopicAndTmpDir(t *testing.T) {
	tmp := t.TempDir()
	f := newFixture(t, Config{LogTmpDir: tmp})
	p := dispatchedPipeline(t, f, t.TempDir())

	if _, err := runTask(t, f, p, "task-clean"); err != nil {
		t.Fatal(err)
	}

	if f.redis.Exists("pipeworks:logs:task-clean") {
		t.Error("log topic survived after_return")
	}
	if _, err := os.Stat(filepath.Join(tmp, "task-clean")); !os.IsNotExist(err) {
		t.Errorf("tmp log dir survived: %v", err)
	}
}

func TestHandleMissingFreeInputFails(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()

	p := &pipeline.Pipeline{
		Name:   "example00",
		Runner: engine.RunnerSequential,
		DataCatalog: []pipeline.DataSet{
			textDataset(t, "text_in", filepath.Join(dir, "absent.txt")),
		},
		Status: []pipeline.Status{{State: pipeline.StateReady}},
	}
	p, err := f.store.Create(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := runTask(t, f, p, "task-bad"); err == nil {
		t.Fatal("expected failure for missing free input")
	}

	got, err := f.store.Read(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	cur := got.CurrentStatus()
	if cur.State != pipeline.StateFailure {
		t.Errorf("state = %s, want FAILURE", cur.State)
	}
	if cur.TaskException == "" {
		t.Error("no task_exception recorded")
	}
}

func TestHandleUnknownPipelineID(t *testing.T) {
	f := newFixture(t, Config{})
	payload, _ := json.Marshal(RunPayload{ID: "01GHOST", Name: "example00"})
	_, err := f.executor.Handle(context.Background(), broker.Task{
		ID:      "task-ghost",
		Kind:    TaskRunPipeline,
		Payload: payload,
	})
	if err == nil {
		t.Fatal("expected error for unknown pipeline id")
	}
}

func TestHandleInjectsArchiveDatasets(t *testing.T) {
	archiveRoot := t.TempDir()
	f := newFixture(t, Config{LogPathPrefix: archiveRoot})
	p := dispatchedPipeline(t, f, t.TempDir())

	if _, err := runTask(t, f, p, "task-archive"); err != nil {
		t.Fatal(err)
	}

	got, err := f.store.Read(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	meta := got.Dataset(DatasetMeta)
	logs := got.Dataset(DatasetLogs)
	if meta == nil || logs == nil {
		t.Fatalf("archive datasets not injected: meta=%v logs=%v", meta, logs)
	}

	metaPath, _, ok := meta.Path()
	if !ok {
		t.Fatal("gql_meta has no filepath")
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("meta.json not written: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("meta.json not JSON: %v", err)
	}
	if doc["id"] != got.ID {
		t.Errorf("meta id = %v, want %s", doc["id"], got.ID)
	}

	logsPath, _, ok := logs.Path()
	if !ok {
		t.Fatal("gql_logs has no path")
	}
	for _, name := range []string{"info.log", "errors.log"} {
		if _, err := os.Stat(filepath.Join(logsPath, name)); err != nil {
			t.Errorf("archived %s missing: %v", name, err)
		}
	}
}

func TestHandleRevokedMarksRecord(t *testing.T) {
	f := newFixture(t, Config{})
	p := dispatchedPipeline(t, f, t.TempDir())

	payload, err := json.Marshal(RunPayload{ID: p.ID, Name: p.Name})
	if err != nil {
		t.Fatal(err)
	}
	task := broker.Task{ID: "task-revoked", Kind: TaskRunPipeline, Payload: payload}
	if err := f.executor.HandleRevoked(context.Background(), task); err != nil {
		t.Fatalf("HandleRevoked: %v", err)
	}

	got, err := f.store.Read(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	cur := got.CurrentStatus()
	if cur.State != pipeline.StateRevoked {
		t.Errorf("state = %s, want REVOKED", cur.State)
	}
	if cur.TaskID != "task-revoked" {
		t.Errorf("task id = %q", cur.TaskID)
	}
	if cur.FinishedAt == nil {
		t.Error("no finished_at recorded")
	}

	// A second delivery finds a terminal record and leaves it alone.
	if err := f.executor.HandleRevoked(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	again, err := f.store.Read(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Status) != 1 || again.CurrentState() != pipeline.StateRevoked {
		t.Errorf("record changed on redelivery: %+v", again.Status)
	}
}
