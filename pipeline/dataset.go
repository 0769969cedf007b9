package pipeline

import (
	"encoding/json"
	"fmt"
)

// Dataset config keys recognized by the control plane. Config is otherwise
// opaque JSON interpreted by the engine's dataset adapters.
const (
	ConfigKeyType     = "type"
	ConfigKeyFilepath = "filepath"
	ConfigKeyPath     = "path"
)

// DataSet is one entry of a pipeline's data catalog. Config always carries a
// "type" discriminator; single-file types carry "filepath" and partitioned
// types carry "path".
type DataSet struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
	Tags   []string        `json:"tags,omitempty"`
}

// ConfigMap decodes the opaque config into a map.
func (d *DataSet) ConfigMap() (map[string]any, error) {
	if len(d.Config) == 0 {
		return nil, fmt.Errorf("dataset %q: empty config", d.Name)
	}
	var m map[string]any
	if err := json.Unmarshal(d.Config, &m); err != nil {
		return nil, fmt.Errorf("dataset %q: unparseable config: %w", d.Name, err)
	}
	return m, nil
}

// Type returns the config's type discriminator, or "" if absent or unparseable.
func (d *DataSet) Type() string {
	m, err := d.ConfigMap()
	if err != nil {
		return ""
	}
	t, _ := m[ConfigKeyType].(string)
	return t
}

// Path returns the dataset's filesystem location and which config key holds
// it ("filepath" for single-file, "path" for partitioned). ok is false when
// the config carries neither.
func (d *DataSet) Path() (value, key string, ok bool) {
	m, err := d.ConfigMap()
	if err != nil {
		return "", "", false
	}
	if v, found := m[ConfigKeyFilepath].(string); found {
		return v, ConfigKeyFilepath, true
	}
	if v, found := m[ConfigKeyPath].(string); found {
		return v, ConfigKeyPath, true
	}
	return "", "", false
}

// SetPath rewrites the dataset's location under the given config key,
// preserving the rest of the config.
func (d *DataSet) SetPath(key, value string) error {
	m, err := d.ConfigMap()
	if err != nil {
		return err
	}
	m[key] = value
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("dataset %q: re-encode config: %w", d.Name, err)
	}
	d.Config = raw
	return nil
}

// NewDataSet builds a catalog entry from a config map.
func NewDataSet(name string, config map[string]any, tags ...string) (DataSet, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return DataSet{}, fmt.Errorf("dataset %q: encode config: %w", name, err)
	}
	return DataSet{Name: name, Config: raw, Tags: tags}, nil
}
