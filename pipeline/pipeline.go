// Package pipeline defines the persistent data model of the control plane:
// pipeline records, their lifecycle status history, dataset catalog entries,
// run parameters, tags, and graph slices.
package pipeline

import (
	"encoding/json"
	"time"
)

// Pipeline is a persistent record representing one parameterized run request
// plus its lifecycle history.
type Pipeline struct {
	// ID is the server-assigned identifier. IDs are ULIDs, so lexicographic
	// order is creation order.
	ID string `json:"id"`
	// Parent optionally references the pipeline that spawned this one.
	// Lookup only; no referential integrity is enforced.
	Parent string `json:"parent,omitempty"`
	// Name is the template key; it must match a template known to the engine.
	Name string `json:"name"`
	// DataCatalog is the ordered list of dataset definitions for this run.
	DataCatalog []DataSet `json:"data_catalog,omitempty"`
	// Parameters maps dotted names to typed string values.
	Parameters []Parameter `json:"parameters,omitempty"`
	// Tags carries free-form key/value labels. Duplicates allowed.
	Tags []Tag `json:"tags,omitempty"`
	// Slices narrows the execution graph. Entries compose by intersection.
	Slices []Slice `json:"slices,omitempty"`
	// OnlyMissing restricts execution to nodes whose outputs are absent.
	OnlyMissing bool `json:"only_missing,omitempty"`
	// Runner identifies the execution strategy requested from the engine.
	Runner string `json:"runner,omitempty"`
	// Status is the append-only lifecycle history; the last entry is current.
	Status []Status `json:"status"`

	CreatedAt       time.Time `json:"created_at"`
	ProjectVersion  string    `json:"project_version,omitempty"`
	PipelineVersion string    `json:"pipeline_version,omitempty"`
	EngineVersion   string    `json:"engine_version,omitempty"`
}

// Status is one attempt in the pipeline lifecycle.
type Status struct {
	State      State      `json:"state"`
	Runner     string     `json:"runner,omitempty"`
	Session    string     `json:"session,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	TaskID        string `json:"task_id,omitempty"`
	TaskName      string `json:"task_name,omitempty"`
	TaskArgs      string `json:"task_args,omitempty"`
	TaskKwargs    string `json:"task_kwargs,omitempty"`
	TaskRequest   string `json:"task_request,omitempty"`
	TaskException string `json:"task_exception,omitempty"`
	TaskTraceback string `json:"task_traceback,omitempty"`
	TaskEinfo     string `json:"task_einfo,omitempty"`
	TaskResult    string `json:"task_result,omitempty"`

	// FilteredNodes lists the node names actually scheduled after slicing
	// and only-missing resolution.
	FilteredNodes []string `json:"filtered_nodes,omitempty"`
}

// Tag is one key/value label.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SliceKind selects a graph filter.
type SliceKind string

// Supported slice kinds.
const (
	SliceTags          SliceKind = "TAGS"
	SliceFromNodes     SliceKind = "FROM_NODES"
	SliceToNodes       SliceKind = "TO_NODES"
	SliceNodeNames     SliceKind = "NODE_NAMES"
	SliceFromInputs    SliceKind = "FROM_INPUTS"
	SliceToOutputs     SliceKind = "TO_OUTPUTS"
	SliceNodeNamespace SliceKind = "NODE_NAMESPACE"
)

// Valid reports whether k is a known slice kind.
func (k SliceKind) Valid() bool {
	switch k {
	case SliceTags, SliceFromNodes, SliceToNodes, SliceNodeNames,
		SliceFromInputs, SliceToOutputs, SliceNodeNamespace:
		return true
	}
	return false
}

// Slice is one graph-filter directive.
type Slice struct {
	Kind SliceKind `json:"kind"`
	Args []string  `json:"args"`
}

// CurrentStatus returns the latest status entry, or nil for an empty history.
// A stored pipeline always has at least one entry.
func (p *Pipeline) CurrentStatus() *Status {
	if len(p.Status) == 0 {
		return nil
	}
	return &p.Status[len(p.Status)-1]
}

// CurrentState returns the current lifecycle state, or "" for an empty history.
func (p *Pipeline) CurrentState() State {
	if s := p.CurrentStatus(); s != nil {
		return s.State
	}
	return ""
}

// AppendStatus appends a new attempt to the history.
func (p *Pipeline) AppendStatus(s Status) {
	p.Status = append(p.Status, s)
}

// ReplaceCurrentStatus replaces the latest status entry in place. Used by the
// STAGED → READY promotion, which does not open a new attempt.
func (p *Pipeline) ReplaceCurrentStatus(s Status) {
	if len(p.Status) == 0 {
		p.Status = []Status{s}
		return
	}
	p.Status[len(p.Status)-1] = s
}

// TaskID returns the task id carried by the current status, if any.
func (p *Pipeline) TaskID() string {
	if s := p.CurrentStatus(); s != nil {
		return s.TaskID
	}
	return ""
}

// HasTask reports whether any entry in the status history carries taskID,
// and whether that entry is the current one.
func (p *Pipeline) HasTask(taskID string) (found, current bool) {
	for i := range p.Status {
		if p.Status[i].TaskID == taskID {
			found = true
			if i == len(p.Status)-1 {
				current = true
			}
		}
	}
	return found, current
}

// Dataset returns the catalog entry with the given name, or nil.
func (p *Pipeline) Dataset(name string) *DataSet {
	for i := range p.DataCatalog {
		if p.DataCatalog[i].Name == name {
			return &p.DataCatalog[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the pipeline. Path masking operates on clones
// so the stored record keeps its real paths.
func (p *Pipeline) Clone() *Pipeline {
	raw, err := json.Marshal(p)
	if err != nil {
		cp := *p
		return &cp
	}
	var cp Pipeline
	if err := json.Unmarshal(raw, &cp); err != nil {
		cp := *p
		return &cp
	}
	return &cp
}
