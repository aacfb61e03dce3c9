// Package config provides configuration loading for verifyd.
package config

import (
	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
)

// Config is the complete verifyd configuration.
type Config struct {
	// Storage holds on-disk layout settings.
	Storage StorageConfig `koanf:"storage"`

	// Execution tunes the engine's scheduling behavior.
	Execution ExecutionConfig `koanf:"execution"`

	// Logging configures the zap logger.
	Logging logging.Config `koanf:"logging"`

	// Export configures bundle output.
	Export ExportConfig `koanf:"export"`

	// Interpreters are the configured AI backends, in execution order.
	Interpreters []gateway.Config `koanf:"interpreters"`
}

// StorageConfig holds the data directory layout.
type StorageConfig struct {
	// DataDir is the root of all persisted state: corpora, sessions,
	// artifacts.
	DataDir string `koanf:"data_dir"`
}

// ExecutionConfig tunes the execution engine.
type ExecutionConfig struct {
	// Parallel launches all runs concurrently when true; otherwise runs
	// execute one at a time in configuration order.
	Parallel bool `koanf:"parallel"`

	// SequentialLoadFactor is the share of a backend's context window the
	// corpus may occupy before loading switches to sequential.
	SequentialLoadFactor float64 `koanf:"sequential_load_factor"`
}

// ExportConfig configures bundle output.
type ExportConfig struct {
	// OutputDir is where export bundles are written.
	OutputDir string `koanf:"output_dir"`
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return faults.Validationf("storage.data_dir is required")
	}
	if c.Execution.SequentialLoadFactor <= 0 || c.Execution.SequentialLoadFactor > 1 {
		return faults.Validationf("execution.sequential_load_factor must be in (0, 1], got %v",
			c.Execution.SequentialLoadFactor)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Interpreters))
	for i, interp := range c.Interpreters {
		if interp.Provider == "" {
			return faults.Validationf("interpreters[%d]: provider is required", i)
		}
		if interp.Model == "" {
			return faults.Validationf("interpreters[%d]: model is required", i)
		}
		key := interp.Provider + "/" + interp.Model + "/" + interp.DisplayName
		if seen[key] {
			return faults.Validationf("interpreters[%d]: duplicate interpreter %s", i, key)
		}
		seen[key] = true
	}
	return nil
}
