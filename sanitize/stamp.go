package sanitize

import (
	"strings"

	"github.com/pipeworks-io/pipeworks/pipeline"
)

// Stamp rewrites the location of each named dataset so concurrent runs of the
// same template do not collide: single-file paths get the pipeline id as a
// new segment before the filename, partitioned paths get it as a new last
// segment. Callers must stamp at most once per created pipeline.
func Stamp(p *pipeline.Pipeline, names []string) error {
	if p.ID == "" || len(names) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	for i := range p.DataCatalog {
		ds := &p.DataCatalog[i]
		if !wanted[ds.Name] {
			continue
		}
		v, key, ok := ds.Path()
		if !ok {
			continue
		}
		var stamped string
		if key == pipeline.ConfigKeyFilepath {
			stamped = insertBeforeFilename(v, p.ID)
		} else {
			stamped = strings.TrimRight(v, "/") + "/" + p.ID
		}
		if err := ds.SetPath(key, stamped); err != nil {
			return err
		}
	}
	return nil
}

// insertBeforeFilename turns "dir/sub/file.ext" into "dir/sub/<id>/file.ext".
// A bare filename becomes "<id>/file.ext".
func insertBeforeFilename(v, id string) string {
	idx := strings.LastIndex(v, "/")
	if idx < 0 {
		return id + "/" + v
	}
	return v[:idx] + "/" + id + v[idx:]
}
