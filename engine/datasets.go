package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pipeworks-io/pipeworks/pipeline"
)

// Dataset type discriminators with built-in bindings.
const (
	TypeText        = "text.TextDataset"
	TypeJSON        = "json.JSONDataset"
	TypePartitioned = "partitions.PartitionedDataset"
	TypeMemory      = "memory.MemoryDataset"
)

func init() {
	RegisterDataStore(TypeText, func(cfg map[string]any) (DataStore, error) {
		fp, _ := cfg[pipeline.ConfigKeyFilepath].(string)
		if fp == "" {
			return nil, fmt.Errorf("%s requires filepath", TypeText)
		}
		return &TextDataset{Filepath: fp}, nil
	})
	RegisterDataStore(TypeJSON, func(cfg map[string]any) (DataStore, error) {
		fp, _ := cfg[pipeline.ConfigKeyFilepath].(string)
		if fp == "" {
			return nil, fmt.Errorf("%s requires filepath", TypeJSON)
		}
		return &JSONDataset{Filepath: fp}, nil
	})
	RegisterDataStore(TypePartitioned, func(cfg map[string]any) (DataStore, error) {
		p, _ := cfg[pipeline.ConfigKeyPath].(string)
		if p == "" {
			return nil, fmt.Errorf("%s requires path", TypePartitioned)
		}
		return &PartitionedDataset{Path: p}, nil
	})
	RegisterDataStore(TypeMemory, func(_ map[string]any) (DataStore, error) {
		return NewMemoryDataset(), nil
	})
}

// TextDataset stores a string value in a single file.
type TextDataset struct {
	Filepath string
}

func (d *TextDataset) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(d.Filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *TextDataset) Load(_ context.Context) (any, error) {
	raw, err := os.ReadFile(d.Filepath)
	if err != nil {
		return nil, fmt.Errorf("text dataset %s: %w", d.Filepath, err)
	}
	return string(raw), nil
}

func (d *TextDataset) Save(_ context.Context, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("text dataset %s: expected string, got %T", d.Filepath, value)
	}
	if err := os.MkdirAll(filepath.Dir(d.Filepath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.Filepath, []byte(s), 0o644)
}

func (d *TextDataset) Describe() map[string]any {
	return map[string]any{pipeline.ConfigKeyType: TypeText, pipeline.ConfigKeyFilepath: d.Filepath}
}

// JSONDataset stores an arbitrary value as a JSON document in a single file.
type JSONDataset struct {
	Filepath string
}

func (d *JSONDataset) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(d.Filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *JSONDataset) Load(_ context.Context) (any, error) {
	raw, err := os.ReadFile(d.Filepath)
	if err != nil {
		return nil, fmt.Errorf("json dataset %s: %w", d.Filepath, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("json dataset %s: %w", d.Filepath, err)
	}
	return v, nil
}

func (d *JSONDataset) Save(_ context.Context, value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("json dataset %s: %w", d.Filepath, err)
	}
	if err := os.MkdirAll(filepath.Dir(d.Filepath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.Filepath, raw, 0o644)
}

func (d *JSONDataset) Describe() map[string]any {
	return map[string]any{pipeline.ConfigKeyType: TypeJSON, pipeline.ConfigKeyFilepath: d.Filepath}
}

// PartitionedDataset stores named text partitions as files under a directory.
// Values are map[string]string keyed by partition name.
type PartitionedDataset struct {
	Path string
}

func (d *PartitionedDataset) Exists(_ context.Context) (bool, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

func (d *PartitionedDataset) Load(_ context.Context) (any, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("partitioned dataset %s: %w", d.Path, err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.Path, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("partitioned dataset %s: %w", d.Path, err)
		}
		out[e.Name()] = string(raw)
	}
	return out, nil
}

func (d *PartitionedDataset) Save(_ context.Context, value any) error {
	parts, ok := value.(map[string]string)
	if !ok {
		return fmt.Errorf("partitioned dataset %s: expected map[string]string, got %T", d.Path, value)
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return err
	}
	for name, content := range parts {
		if err := os.WriteFile(filepath.Join(d.Path, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Partitions lists the partition names present on disk.
func (d *PartitionedDataset) Partitions() ([]string, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *PartitionedDataset) Describe() map[string]any {
	return map[string]any{pipeline.ConfigKeyType: TypePartitioned, pipeline.ConfigKeyPath: d.Path}
}

// MemoryDataset holds a value in process memory. It is the fallback binding
// for intermediate datasets the catalog does not register.
type MemoryDataset struct {
	mu    sync.RWMutex
	value any
	set   bool
}

// NewMemoryDataset creates an empty in-memory binding.
func NewMemoryDataset() *MemoryDataset { return &MemoryDataset{} }

func (d *MemoryDataset) Exists(_ context.Context) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.set, nil
}

func (d *MemoryDataset) Load(_ context.Context) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.set {
		return nil, fmt.Errorf("memory dataset: no value saved")
	}
	return d.value, nil
}

func (d *MemoryDataset) Save(_ context.Context, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = value
	d.set = true
	return nil
}

func (d *MemoryDataset) Describe() map[string]any {
	return map[string]any{pipeline.ConfigKeyType: TypeMemory}
}
