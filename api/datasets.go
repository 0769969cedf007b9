package api

import (
	"context"

	"github.com/pipeworks-io/pipeworks/authz"
	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/pipeline"
	"github.com/pipeworks-io/pipeworks/signedurl"
)

// DatasetRequest selects one dataset of a pipeline, with the partition
// members for partitioned kinds.
type DatasetRequest struct {
	Name       string   `json:"name" validate:"required"`
	Partitions []string `json:"partitions,omitempty"`
}

// DatasetURLs carries the download URLs issued for one dataset. A nil entry
// in the response means the requested name is not in the catalog.
type DatasetURLs struct {
	Name string   `json:"name"`
	URLs []string `json:"urls"`
}

// DatasetUploads carries the upload descriptors issued for one dataset.
type DatasetUploads struct {
	Name    string             `json:"name"`
	Uploads []signedurl.Upload `json:"uploads"`
}

// ReadDatasets issues download URLs for the requested datasets. Unknown
// names yield nil entries rather than failing the whole request.
func (s *Service) ReadDatasets(ctx context.Context, caller authz.Identity, id string, reqs []DatasetRequest, expiresInSec int64) ([]*DatasetURLs, error) {
	if err := s.authorize(authz.ActionReadDataset, caller); err != nil {
		return nil, err
	}
	expiry, err := s.boundExpiry(expiresInSec)
	if err != nil {
		return nil, err
	}
	p, err := s.readPipeline(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make([]*DatasetURLs, 0, len(reqs))
	for _, req := range reqs {
		ds := p.Dataset(req.Name)
		if ds == nil {
			out = append(out, nil)
			continue
		}
		urls, err := s.provider.Read(ctx, signedurl.Request{
			Dataset:    ds,
			ExpiresIn:  expiry,
			Partitions: req.Partitions,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, &DatasetURLs{Name: req.Name, URLs: urls})
	}
	return out, nil
}

// CreateDatasets issues upload descriptors for the requested datasets. Only
// a STAGED pipeline accepts uploads: anything later already has its inputs
// fixed.
func (s *Service) CreateDatasets(ctx context.Context, caller authz.Identity, id string, reqs []DatasetRequest, expiresInSec int64) ([]*DatasetUploads, error) {
	if err := s.authorize(authz.ActionCreateDataset, caller); err != nil {
		return nil, err
	}
	expiry, err := s.boundExpiry(expiresInSec)
	if err != nil {
		return nil, err
	}
	p, err := s.readPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.CurrentState() != pipeline.StateStaged {
		return nil, apperrors.BadRequest("uploads require a STAGED pipeline")
	}

	out := make([]*DatasetUploads, 0, len(reqs))
	for _, req := range reqs {
		ds := p.Dataset(req.Name)
		if ds == nil {
			out = append(out, nil)
			continue
		}
		uploads, err := s.provider.Create(ctx, signedurl.Request{
			Dataset:    ds,
			ExpiresIn:  expiry,
			Partitions: req.Partitions,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, &DatasetUploads{Name: req.Name, Uploads: uploads})
	}
	return out, nil
}

// readPipeline loads a record or fails NotFound.
func (s *Service) readPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	p, err := s.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NotFound("pipeline", id)
	}
	return p, nil
}
