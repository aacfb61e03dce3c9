// Package main implements the verifyd CLI for running the ECR-VP
// verification protocol against frozen document corpora.
package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/corpus"
	"github.com/fyrsmithlabs/verifyd/internal/export"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
	"github.com/fyrsmithlabs/verifyd/internal/gateway/llm"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
	"github.com/fyrsmithlabs/verifyd/internal/orchestrator"
)

var (
	// configPath is the --config flag value; empty means the default path.
	configPath string

	// outputJSONFlag switches list/show output to JSON.
	outputJSONFlag bool

	// version information, set at build time.
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "verifyd",
	Short: "ECR-VP protocol execution engine",
	Long: `verifyd runs the Epistemic Corpus Review Verification Protocol:
it freezes a document corpus into a hash-verified passport, dispatches it
unmodified to independent AI interpreters, and captures their raw outputs
as tamper-evident artifacts for human synthesis.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/verifyd/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSONFlag, "json", false, "output results as JSON")
}

// runtime bundles the wired services behind every command.
type runtime struct {
	cfg          *config.Config
	logger       *zap.Logger
	corpus       corpus.Service
	orchestrator orchestrator.Service
	export       export.Service
	registry     *gateway.Registry
}

func initRuntime() (*runtime, error) {
	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	corpusSvc, err := corpus.NewService(cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, err
	}

	registry := gateway.NewRegistry(llm.Factories())

	orchSvc, err := orchestrator.NewService(
		&orchestrator.Config{SequentialLoadFactor: cfg.Execution.SequentialLoadFactor},
		cfg.Storage.DataDir, corpusSvc, registry, logger)
	if err != nil {
		return nil, err
	}

	exportSvc, err := export.NewService(corpusSvc, logger)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		corpus:       corpusSvc,
		orchestrator: orchSvc,
		export:       exportSvc,
		registry:     registry,
	}, nil
}

func (r *runtime) close() {
	_ = r.logger.Sync()
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
