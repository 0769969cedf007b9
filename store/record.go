package store

import (
	"fmt"
	"time"

	"github.com/pipeworks-io/pipeworks/pipeline"
)

// record is the persisted row. The full pipeline lives in Document as JSON;
// the scalar columns are denormalized copies kept for indexed lookups and
// SQL-side ordering.
type record struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Name      string    `gorm:"index;column:name"`
	Parent    string    `gorm:"index;column:parent"`
	State     string    `gorm:"index;column:state"`
	TaskID    string    `gorm:"index;column:task_id"`
	CreatedAt time.Time `gorm:"index;column:created_at"`
	Document  []byte    `gorm:"column:document"`
}

func (record) TableName() string { return "pipelines" }

func toRecord(p *pipeline.Pipeline) (*record, error) {
	raw, err := p.Encode(pipeline.VariantStorage)
	if err != nil {
		return nil, err
	}
	r := &record{
		ID:        p.ID,
		Name:      p.Name,
		Parent:    p.Parent,
		CreatedAt: p.CreatedAt,
		Document:  raw,
	}
	if cur := p.CurrentStatus(); cur != nil {
		r.State = string(cur.State)
		r.TaskID = cur.TaskID
	}
	return r, nil
}

func fromRecord(r *record) (*pipeline.Pipeline, error) {
	p, err := pipeline.Decode(pipeline.VariantStorage, r.Document)
	if err != nil {
		return nil, fmt.Errorf("store: record %s: %w", r.ID, err)
	}
	return p, nil
}
