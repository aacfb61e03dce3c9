package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var exportOutDir string

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportOutDir, "out", "", "output directory (default from config)")
}

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Build a tamper-evident bundle from a finished session",
	Long: `Package a session's corpus files, interpreter reports, Merkle tree,
manifest, and passport into a single portable zip archive.

Examples:
  verifyd export 9c1b...
  verifyd export 9c1b... --out ./deliverables`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	sess, err := rt.orchestrator.Load(ctx, args[0])
	if err != nil {
		return err
	}

	outDir := exportOutDir
	if outDir == "" {
		outDir = rt.cfg.Export.OutputDir
	}

	zipPath, err := rt.export.CreateBundle(ctx, sess, outDir)
	if err != nil {
		return fmt.Errorf("failed to create export bundle: %w", err)
	}

	fmt.Printf("Bundle created: %s\n", zipPath)
	return nil
}
