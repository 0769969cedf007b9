// Package sanitize enforces the filesystem rules at the API boundary:
// bidirectional prefix masking of dataset paths, allow-list checks, and
// unique-path stamping for concurrent runs.
package sanitize

import (
	"fmt"
	"strings"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

// Mask maps a real path prefix to the masked form exposed over the API.
type Mask struct {
	Prefix string
	Masked string
}

// Sanitizer rewrites and checks dataset paths on pipelines crossing the API
// boundary. The configured masks and allowed roots are immutable at runtime.
type Sanitizer struct {
	masks        []Mask
	allowedRoots []string
}

// New creates a Sanitizer. Empty allowedRoots disables the allow-list check.
func New(masks []Mask, allowedRoots []string) *Sanitizer {
	return &Sanitizer{masks: masks, allowedRoots: allowedRoots}
}

// MaskPaths rewrites each dataset path that starts with a known real prefix
// to its masked form. Callers pass a clone; the stored record keeps real paths.
func (s *Sanitizer) MaskPaths(p *pipeline.Pipeline) error {
	return s.rewrite(p, func(v string) string {
		for _, m := range s.masks {
			if strings.HasPrefix(v, m.Prefix) {
				return m.Masked + v[len(m.Prefix):]
			}
		}
		return v
	})
}

// UnmaskPaths is the inverse of MaskPaths: any leading masked segment is
// rewritten back to the real prefix.
func (s *Sanitizer) UnmaskPaths(p *pipeline.Pipeline) error {
	return s.rewrite(p, func(v string) string {
		for _, m := range s.masks {
			if strings.HasPrefix(v, m.Masked) {
				return m.Prefix + v[len(m.Masked):]
			}
		}
		return v
	})
}

// Check requires every (unmasked) dataset path to fall under at least one
// allowed root. With no roots configured the check passes.
func (s *Sanitizer) Check(p *pipeline.Pipeline) error {
	if len(s.allowedRoots) == 0 {
		return nil
	}
	for i := range p.DataCatalog {
		ds := &p.DataCatalog[i]
		v, _, ok := ds.Path()
		if !ok {
			continue
		}
		allowed := false
		for _, root := range s.allowedRoots {
			if strings.HasPrefix(v, root) {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperrors.BadRequest(fmt.Sprintf("dataset %q path %q is outside the allowed roots", ds.Name, v))
		}
	}
	return nil
}

func (s *Sanitizer) rewrite(p *pipeline.Pipeline, fn func(string) string) error {
	for i := range p.DataCatalog {
		ds := &p.DataCatalog[i]
		v, key, ok := ds.Path()
		if !ok {
			continue
		}
		if next := fn(v); next != v {
			if err := ds.SetPath(key, next); err != nil {
				return err
			}
		}
	}
	return nil
}
