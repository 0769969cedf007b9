package pipeline

import (
	"encoding/json"
	"time"
)

// PipelineInput is the client-supplied shape accepted by create and update
// commands. Validation tags are checked by the control API before decoding.
type PipelineInput struct {
	Name        string           `json:"name" validate:"required"`
	State       State            `json:"state,omitempty" validate:"omitempty,oneof=STAGED READY"`
	Parent      string           `json:"parent,omitempty"`
	DataCatalog []DataSetInput   `json:"data_catalog,omitempty" validate:"dive"`
	Parameters  []ParameterInput `json:"parameters,omitempty" validate:"dive"`
	Tags        []TagInput       `json:"tags,omitempty" validate:"dive"`
	Slices      []SliceInput     `json:"slices,omitempty" validate:"dive"`
	OnlyMissing bool             `json:"only_missing,omitempty"`
	Runner      string           `json:"runner,omitempty"`
}

// DataSetInput mirrors DataSet on the input side.
type DataSetInput struct {
	Name   string          `json:"name" validate:"required"`
	Config json.RawMessage `json:"config" validate:"required"`
	Tags   []string        `json:"tags,omitempty"`
}

// ParameterInput mirrors Parameter on the input side.
type ParameterInput struct {
	Name  string    `json:"name" validate:"required"`
	Value string    `json:"value"`
	Type  ParamType `json:"type,omitempty" validate:"omitempty,oneof=STRING INTEGER FLOAT BOOLEAN"`
}

// TagInput mirrors Tag on the input side.
type TagInput struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// SliceInput mirrors Slice on the input side.
type SliceInput struct {
	Kind SliceKind `json:"kind" validate:"required,oneof=TAGS FROM_NODES TO_NODES NODE_NAMES FROM_INPUTS TO_OUTPUTS NODE_NAMESPACE"`
	Args []string  `json:"args" validate:"required,min=1"`
}

// Decode converts the input into a fresh Pipeline record. The id, status
// history, and version metadata are assigned by the control API.
func (in *PipelineInput) Decode(now time.Time) *Pipeline {
	p := &Pipeline{
		Name:        in.Name,
		Parent:      in.Parent,
		OnlyMissing: in.OnlyMissing,
		Runner:      in.Runner,
		CreatedAt:   now,
	}
	for _, ds := range in.DataCatalog {
		p.DataCatalog = append(p.DataCatalog, DataSet{Name: ds.Name, Config: ds.Config, Tags: ds.Tags})
	}
	for _, pr := range in.Parameters {
		typ := pr.Type
		if typ == "" {
			typ = ParamString
		}
		p.Parameters = append(p.Parameters, Parameter{Name: pr.Name, Value: pr.Value, Type: typ})
	}
	for _, tg := range in.Tags {
		p.Tags = append(p.Tags, Tag{Key: tg.Key, Value: tg.Value})
	}
	for _, sl := range in.Slices {
		p.Slices = append(p.Slices, Slice{Kind: sl.Kind, Args: sl.Args})
	}
	return p
}

// Overlay applies the mutable input fields onto an existing record. Used by
// update: name, status history, id, and timestamps stay untouched.
func (in *PipelineInput) Overlay(p *Pipeline) {
	if in.Parent != "" {
		p.Parent = in.Parent
	}
	if in.Runner != "" {
		p.Runner = in.Runner
	}
	if in.DataCatalog != nil {
		p.DataCatalog = nil
		for _, ds := range in.DataCatalog {
			p.DataCatalog = append(p.DataCatalog, DataSet{Name: ds.Name, Config: ds.Config, Tags: ds.Tags})
		}
	}
	if in.Parameters != nil {
		p.Parameters = nil
		for _, pr := range in.Parameters {
			typ := pr.Type
			if typ == "" {
				typ = ParamString
			}
			p.Parameters = append(p.Parameters, Parameter{Name: pr.Name, Value: pr.Value, Type: typ})
		}
	}
	if in.Tags != nil {
		p.Tags = nil
		for _, tg := range in.Tags {
			p.Tags = append(p.Tags, Tag{Key: tg.Key, Value: tg.Value})
		}
	}
}
