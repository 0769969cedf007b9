package executor

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds executor settings.
type Config struct {
	// LogTmpDir is where per-task rolling log files live while a task runs.
	// Each task writes under its own <LogTmpDir>/<task_id>/ subdirectory.
	LogTmpDir string `mapstructure:"log_tmp_dir" json:"log_tmp_dir"`
	// LogPathPrefix, when set, enables the meta/log archive datasets: each
	// run grows a gql_meta and gql_logs entry rooted at
	// <prefix>/year=Y/month=M/day=D/<pipeline_id>/.
	LogPathPrefix string `mapstructure:"log_path_prefix" json:"log_path_prefix"`
	// Runner is the engine runner used when the pipeline names none.
	Runner string `mapstructure:"runner" json:"runner"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.LogTmpDir == "" {
		c.LogTmpDir = filepath.Join(os.TempDir(), "pipeworks-logs")
	}
	if c.Runner == "" {
		c.Runner = "sequential"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.LogTmpDir == "" {
		return fmt.Errorf("executor: log_tmp_dir is required")
	}
	return nil
}
