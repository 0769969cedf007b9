package api

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pipeworks-io/pipeworks/authz"
	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

// EventInput is one inbound event: the CloudEvents identity attributes plus
// a payload holding a partial PipelineInput.
type EventInput struct {
	ID     string          `json:"id" validate:"required"`
	Source string          `json:"source" validate:"required"`
	Type   string          `json:"type" validate:"required"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CreateEvent translates an inbound event into pipeline runs. Every
// configured pipeline whose rule matches (source, type) is created STAGED
// with the event id as parent, given its own id as a synthetic STRING
// parameter, then promoted to READY. Events matching nothing return an
// empty list.
func (s *Service) CreateEvent(ctx context.Context, caller authz.Identity, ev EventInput) ([]*pipeline.Pipeline, error) {
	if err := s.authorize(authz.ActionCreateEvent, caller); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(&ev); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	created := []*pipeline.Pipeline{}
	for _, name := range s.matchEvent(ev.Source, ev.Type) {
		in := &pipeline.PipelineInput{}
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, in); err != nil {
				return nil, apperrors.BadRequest("event data is not a pipeline input")
			}
		}
		in.Name = name
		in.State = pipeline.StateStaged
		in.Parent = ev.ID

		staged, err := s.CreatePipeline(ctx, caller, in, nil)
		if err != nil {
			return nil, err
		}

		in.State = pipeline.StateReady
		in.Parameters = append(in.Parameters, pipeline.ParameterInput{
			Name:  "id",
			Value: staged.ID,
			Type:  pipeline.ParamString,
		})
		ready, err := s.UpdatePipeline(ctx, caller, staged.ID, in, nil)
		if err != nil {
			return nil, err
		}
		created = append(created, ready)
	}
	return created, nil
}

// matchEvent returns the pipeline names triggered by (source, type), in
// deterministic order.
func (s *Service) matchEvent(source, eventType string) []string {
	var names []string
	for name, rule := range s.opts.IngressEvents {
		if rule.Source == source && rule.Type == eventType {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
