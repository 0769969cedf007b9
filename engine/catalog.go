package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pipeworks-io/pipeworks/pipeline"
)

// DataStore is one dataset binding: a named location that node values are
// loaded from and saved to.
type DataStore interface {
	// Exists reports whether data is present at the binding's location.
	Exists(ctx context.Context) (bool, error)
	// Load reads the stored value.
	Load(ctx context.Context) (any, error)
	// Save writes a value.
	Save(ctx context.Context, value any) error
	// Describe returns the binding's config for serialization.
	Describe() map[string]any
}

// DataStoreFactory builds a DataStore from an opaque dataset config.
type DataStoreFactory func(config map[string]any) (DataStore, error)

var (
	storeFactoryMu sync.RWMutex
	storeFactories = make(map[string]DataStoreFactory)
)

// RegisterDataStore makes a dataset type available to catalog construction.
// Components register their factories at startup; the config's "type"
// discriminator selects among them.
func RegisterDataStore(typeName string, factory DataStoreFactory) {
	storeFactoryMu.Lock()
	defer storeFactoryMu.Unlock()
	storeFactories[typeName] = factory
}

// NewDataStore builds a DataStore from a config map using the registered
// factory for its "type".
func NewDataStore(config map[string]any) (DataStore, error) {
	typeName, _ := config[pipeline.ConfigKeyType].(string)
	if typeName == "" {
		return nil, fmt.Errorf("catalog: dataset config has no type")
	}
	storeFactoryMu.RLock()
	factory, ok := storeFactories[typeName]
	storeFactoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("catalog: unknown dataset type %q", typeName)
	}
	return factory(config)
}

// Catalog maps dataset names to their bindings for one run. Entries keep
// insertion order; datasets the graph references but the catalog does not
// register fall back to in-memory bindings.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]DataStore
	order   []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]DataStore)}
}

// CatalogFromPipeline builds a catalog from a pipeline's data catalog.
func CatalogFromPipeline(p *pipeline.Pipeline) (*Catalog, error) {
	cat := NewCatalog()
	for i := range p.DataCatalog {
		ds := &p.DataCatalog[i]
		cfg, err := ds.ConfigMap()
		if err != nil {
			return nil, err
		}
		store, err := NewDataStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", ds.Name, err)
		}
		cat.Add(ds.Name, store)
	}
	return cat, nil
}

// Add registers or replaces a binding.
func (c *Catalog) Add(name string, store DataStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; !exists {
		c.order = append(c.order, name)
	}
	c.entries[name] = store
}

// Get returns the binding for name.
func (c *Catalog) Get(name string) (DataStore, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[name]
	return s, ok
}

// Registered reports whether the catalog carries a binding for name.
func (c *Catalog) Registered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// Exists reports whether data is present for name. Unregistered datasets
// do not exist.
func (c *Catalog) Exists(ctx context.Context, name string) (bool, error) {
	store, ok := c.Get(name)
	if !ok {
		return false, nil
	}
	return store.Exists(ctx)
}

// Names returns the registered dataset names in insertion order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// RegisteredTypes returns the dataset type names with a registered factory.
func RegisteredTypes() []string {
	storeFactoryMu.RLock()
	defer storeFactoryMu.RUnlock()
	types := make([]string, 0, len(storeFactories))
	for t := range storeFactories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
