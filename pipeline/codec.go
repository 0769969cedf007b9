package pipeline

import (
	"encoding/json"
	"fmt"
)

// Variant selects an encoding target. Storage and wire are both JSON but
// validate different required fields: a stored record must already carry an
// id and a non-empty status history, while a wire record additionally hides
// nothing (masking is the sanitizer's job, not the codec's).
type Variant string

const (
	VariantStorage Variant = "storage"
	VariantWire    Variant = "wire"
)

// Encode serializes the pipeline for the given variant, validating required
// fields first.
func (p *Pipeline) Encode(v Variant) ([]byte, error) {
	if err := p.validate(v); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: encode %s: %w", p.ID, v, err)
	}
	return raw, nil
}

// Decode parses a payload for the given variant, validating required fields.
func Decode(v Variant, payload []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s pipeline: %w", v, err)
	}
	if err := p.validate(v); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) validate(v Variant) error {
	if p.Name == "" {
		return fmt.Errorf("pipeline: name is required")
	}
	if len(p.Status) == 0 {
		return fmt.Errorf("pipeline %s: status history is empty", p.ID)
	}
	for i := range p.Status {
		if !p.Status[i].State.Valid() {
			return fmt.Errorf("pipeline %s: status[%d] has unknown state %q", p.ID, i, p.Status[i].State)
		}
	}
	if v == VariantStorage && p.ID == "" {
		return fmt.Errorf("pipeline: id is required for storage")
	}
	return nil
}
