// Package signedurl issues time-bounded capabilities for dataset access: an
// S3 provider producing native presigned URLs and a local-file provider
// producing signed download/upload tokens.
package signedurl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/engine"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

// Request asks for capabilities on one dataset. Partitions selects members
// of a partitioned dataset; it is ignored for single-file kinds.
type Request struct {
	Dataset    *pipeline.DataSet
	ExpiresIn  time.Duration
	Partitions []string
}

// Upload is one upload descriptor: the target URL and the fields the client
// must send with it.
type Upload struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Provider issues read and create capabilities. Single-file datasets yield
// one entry; partitioned datasets yield one per requested partition.
type Provider interface {
	Read(ctx context.Context, req Request) ([]string, error)
	Create(ctx context.Context, req Request) ([]Upload, error)
}

// Factory builds a provider from configuration.
type Factory func(cfg Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterProvider adds a named provider factory. Configuration selects
// which one is instantiated at startup.
func RegisterProvider(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// NewProvider instantiates the configured provider.
func NewProvider(cfg Config) (Provider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("signedurl: unknown provider %q (registered: %v)", cfg.Provider, RegisteredProviders())
	}
	return f(cfg)
}

// RegisteredProviders lists the known provider names.
func RegisteredProviders() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// paths expands a request into the concrete file locations it covers. The
// supported kinds mirror the engine's dataset bindings: single-file kinds
// resolve their filepath, partitioned kinds resolve one path per requested
// partition.
func paths(req Request) ([]string, error) {
	ds := req.Dataset
	switch ds.Type() {
	case engine.TypeText, engine.TypeJSON:
		fp, _, ok := ds.Path()
		if !ok {
			return nil, apperrors.BadRequest(fmt.Sprintf("dataset %q carries no filepath", ds.Name))
		}
		return []string{fp}, nil
	case engine.TypePartitioned:
		root, _, ok := ds.Path()
		if !ok {
			return nil, apperrors.BadRequest(fmt.Sprintf("dataset %q carries no path", ds.Name))
		}
		if len(req.Partitions) == 0 {
			return nil, apperrors.BadRequest(fmt.Sprintf("dataset %q is partitioned; partitions are required", ds.Name))
		}
		out := make([]string, 0, len(req.Partitions))
		for _, part := range req.Partitions {
			out = append(out, joinPath(root, part))
		}
		return out, nil
	default:
		return nil, apperrors.BadRequest(fmt.Sprintf("dataset %q has unsupported kind %q for signed access", ds.Name, ds.Type()))
	}
}

func joinPath(root, name string) string {
	if root == "" {
		return name
	}
	if root[len(root)-1] == '/' {
		return root + name
	}
	return root + "/" + name
}
