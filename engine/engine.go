// Package engine runs template graphs. The control plane treats it as a
// black box behind the Engine type: a registry of named templates, graph
// resolution (slicing and only-missing narrowing), and level-parallel
// execution against a dataset catalog.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pipeworks-io/pipeworks/pipeline"
)

// Template describes one registered pipeline graph.
type Template struct {
	Name       string   `json:"name"`
	Nodes      []string `json:"nodes"`
	Inputs     []string `json:"inputs"`
	Outputs    []string `json:"outputs"`
	Parameters []string `json:"parameters"`
}

// Hooks observe the run lifecycle. The executor installs hooks for state
// updates, log routing, and free-input validation.
type Hooks struct {
	// AfterCatalogCreated fires once the run catalog is assembled.
	AfterCatalogCreated func(ctx context.Context, cat *Catalog) error
	// BeforePipelineRun fires after graph resolution, before the first node.
	BeforePipelineRun func(ctx context.Context, run *Run) error
	// AfterPipelineRun fires after the last node on success.
	AfterPipelineRun func(ctx context.Context, run *Run, res *Result) error
	// OnPipelineError fires when execution fails.
	OnPipelineError func(ctx context.Context, run *Run, err error)
}

// Run is one resolved execution: the effective graph plus its inputs.
type Run struct {
	Name      string
	SessionID string
	Runner    string
	Params    map[string]any
	Catalog   *Catalog
	Graph     *Graph
}

// Result summarizes one execution.
type Result struct {
	NodeResults map[string]NodeResult `json:"node_results"`
	Duration    time.Duration         `json:"duration"`
}

// NodeResult is the outcome of a single node.
type NodeResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    error         `json:"-"`
}

// Runner identifiers understood by Run.
const (
	RunnerSequential = "sequential"
	RunnerParallel   = "parallel"
)

// Engine holds the template registry and executes resolved runs.
type Engine struct {
	// MaxParallel limits concurrent nodes per level (0 = level width).
	MaxParallel int

	mu        sync.RWMutex
	templates map[string]*Graph
	order     []string
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{templates: make(map[string]*Graph)}
}

// Register adds a named template graph. Registration replaces design-time
// plugin discovery: startup code enumerates which templates exist.
func (e *Engine) Register(name string, g *Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.templates[name]; !exists {
		e.order = append(e.order, name)
	}
	e.templates[name] = g
}

// Pipelines returns the registered template names in registration order.
func (e *Engine) Pipelines() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Graph returns the registered template graph.
func (e *Engine) Graph(name string) (*Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.templates[name]
	return g, ok
}

// Template describes a registered template.
func (e *Engine) Template(name string) (*Template, bool) {
	g, ok := e.Graph(name)
	if !ok {
		return nil, false
	}
	var params []string
	seen := make(map[string]bool)
	for _, n := range g.Nodes() {
		for _, in := range n.Inputs {
			if isParamBinding(in) && !seen[in] {
				seen[in] = true
				params = append(params, in)
			}
		}
	}
	return &Template{
		Name:       name,
		Nodes:      g.NodeNames(),
		Inputs:     g.Inputs(),
		Outputs:    g.Outputs(),
		Parameters: params,
	}, true
}

// Resolve computes the effective graph for one run: only-missing narrowing
// when requested, otherwise the slices applied in order (intersection).
func (e *Engine) Resolve(ctx context.Context, name string, slices []pipeline.Slice, onlyMissing bool, cat *Catalog) (*Graph, error) {
	g, ok := e.Graph(name)
	if !ok {
		return nil, fmt.Errorf("engine: unknown template %q", name)
	}
	if onlyMissing {
		return onlyMissingSubgraph(ctx, g, cat)
	}
	return ApplySlices(g, slices)
}

// onlyMissingSubgraph narrows the graph to the nodes needed to produce the
// datasets that are absent from the catalog, extended upstream through any
// unregistered intermediate datasets required to close the graph.
func onlyMissingSubgraph(ctx context.Context, g *Graph, cat *Catalog) (*Graph, error) {
	missing := make(map[string]bool)
	for _, list := range [][]string{g.Inputs(), g.Outputs()} {
		for _, ds := range list {
			exists, err := cat.Exists(ctx, ds)
			if err != nil {
				return nil, err
			}
			if !exists {
				missing[ds] = true
			}
		}
	}

	selected := make(map[string]bool)
	for ds := range missing {
		if producer, ok := g.Producer(ds); ok {
			selected[producer] = true
		}
		for _, consumer := range g.consumers[ds] {
			selected[consumer] = true
		}
	}
	selected = g.descendants(selected)

	// Close the graph: pull in producers of unregistered ancestors so every
	// selected node's inputs are obtainable.
	changed := true
	for changed {
		changed = false
		for name := range selected {
			idx := g.byName[name]
			for _, in := range g.nodes[idx].Inputs {
				if isParamBinding(in) || cat.Registered(in) {
					continue
				}
				if producer, ok := g.Producer(in); ok && !selected[producer] {
					selected[producer] = true
					changed = true
				}
			}
		}
	}
	return g.Subgraph(selected)
}

// Run executes the resolved graph level by level, loading node inputs from
// the catalog and saving outputs back. The runner id selects sequential or
// parallel execution within each level.
func (e *Engine) Run(ctx context.Context, run *Run, hooks Hooks) (*Result, error) {
	start := time.Now()

	if hooks.BeforePipelineRun != nil {
		if err := hooks.BeforePipelineRun(ctx, run); err != nil {
			e.fireError(ctx, run, hooks, err)
			return nil, err
		}
	}

	levels, err := run.Graph.Levels()
	if err != nil {
		e.fireError(ctx, run, hooks, err)
		return nil, err
	}

	result := &Result{NodeResults: make(map[string]NodeResult)}
	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			e.fireError(ctx, run, hooks, err)
			return nil, err
		}
		if err := e.runLevel(ctx, run, level, result); err != nil {
			e.fireError(ctx, run, hooks, err)
			return nil, err
		}
	}
	result.Duration = time.Since(start)

	if hooks.AfterPipelineRun != nil {
		if err := hooks.AfterPipelineRun(ctx, run, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) fireError(ctx context.Context, run *Run, hooks Hooks, err error) {
	if hooks.OnPipelineError != nil {
		hooks.OnPipelineError(ctx, run, err)
	}
}

func (e *Engine) runLevel(ctx context.Context, run *Run, level []string, result *Result) error {
	width := e.concurrency(run.Runner, len(level))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, width)
	errs := make([]error, 0, 1)

	for _, name := range level {
		idx := run.Graph.byName[name]
		node := run.Graph.nodes[idx]

		wg.Add(1)
		go func(node Node) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			nr := e.runNode(ctx, run, node)
			mu.Lock()
			result.NodeResults[node.Name] = nr
			if nr.Error != nil {
				errs = append(errs, fmt.Errorf("node %q: %w", node.Name, nr.Error))
			}
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (e *Engine) runNode(ctx context.Context, run *Run, node Node) NodeResult {
	start := time.Now()

	inputs := make(map[string]any, len(node.Inputs))
	for _, in := range node.Inputs {
		val, err := e.loadInput(ctx, run, in)
		if err != nil {
			return NodeResult{Name: node.Name, Status: "failed", Duration: time.Since(start), Error: err}
		}
		inputs[in] = val
	}

	outputs, err := node.Func(inputs)
	if err != nil {
		return NodeResult{Name: node.Name, Status: "failed", Duration: time.Since(start), Error: err}
	}

	for _, out := range node.Outputs {
		val, ok := outputs[out]
		if !ok {
			return NodeResult{Name: node.Name, Status: "failed", Duration: time.Since(start),
				Error: fmt.Errorf("declared output %q not returned", out)}
		}
		store, registered := run.Catalog.Get(out)
		if !registered {
			store = NewMemoryDataset()
			run.Catalog.Add(out, store)
		}
		if err := store.Save(ctx, val); err != nil {
			return NodeResult{Name: node.Name, Status: "failed", Duration: time.Since(start), Error: err}
		}
	}
	return NodeResult{Name: node.Name, Status: "completed", Duration: time.Since(start)}
}

func (e *Engine) loadInput(ctx context.Context, run *Run, name string) (any, error) {
	if name == "parameters" {
		return run.Params, nil
	}
	if isParamBinding(name) {
		val, ok := run.Params[name]
		if !ok {
			return nil, fmt.Errorf("parameter binding %q not provided", name)
		}
		return val, nil
	}
	store, ok := run.Catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("dataset %q not in catalog", name)
	}
	return store.Load(ctx)
}

func (e *Engine) concurrency(runner string, levelSize int) int {
	if runner == RunnerSequential {
		return 1
	}
	if e.MaxParallel <= 0 || e.MaxParallel > levelSize {
		if levelSize == 0 {
			return 1
		}
		return levelSize
	}
	return e.MaxParallel
}

// ValidateFreeInputs requires every free input of the run's graph to exist,
// either in the catalog or as part of the run. Missing inputs abort the run
// before the first node.
func ValidateFreeInputs(ctx context.Context, run *Run) error {
	for _, in := range run.Graph.Inputs() {
		exists, err := run.Catalog.Exists(ctx, in)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("engine: free input %q does not exist", in)
		}
	}
	return nil
}
