package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verifyd/internal/corpus"
)

var (
	// passport command flags
	ppPurpose      string
	ppStatus       string
	ppCanonVersion string
	ppConstraints  []string
	ppSnapshotDate string
)

func init() {
	rootCmd.AddCommand(passportCmd)
	passportCmd.AddCommand(passportCreateCmd)
	passportCmd.AddCommand(passportVerifyCmd)
	passportCmd.AddCommand(passportListCmd)

	passportCreateCmd.Flags().StringVar(&ppPurpose, "purpose", "", "what this corpus is to be verified for (required)")
	passportCreateCmd.Flags().StringVar(&ppStatus, "status", "closed", "architectural status: open or closed")
	passportCreateCmd.Flags().StringVar(&ppCanonVersion, "canon-version", "1.0", "author-declared corpus version")
	passportCreateCmd.Flags().StringArrayVar(&ppConstraints, "constraint", nil, "interpretation constraint (repeatable)")
	passportCreateCmd.Flags().StringVar(&ppSnapshotDate, "snapshot-date", "", "corpus snapshot date, YYYY-MM-DD (default today)")
	_ = passportCreateCmd.MarkFlagRequired("purpose")
}

var passportCmd = &cobra.Command{
	Use:   "passport",
	Short: "Manage corpus passports",
}

var passportCreateCmd = &cobra.Command{
	Use:   "create [files...]",
	Short: "Freeze a file set into an immutable passport (Canon Lock)",
	Long: `Freeze a set of files into a hash-verified, immutable corpus passport.
File order on the command line becomes the canonical transmission order.

Examples:
  verifyd passport create --purpose "verify design coherence" spec.md notes.md
  verifyd passport create --purpose "audit" --status open --constraint "read charitably" corpus/*.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPassportCreate,
}

var passportVerifyCmd = &cobra.Command{
	Use:   "verify <passport-id>",
	Short: "Re-hash every frozen file against the passport",
	Args:  cobra.ExactArgs(1),
	RunE:  runPassportVerify,
}

var passportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored passports",
	RunE:  runPassportList,
}

func runPassportCreate(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	status := corpus.ArchitecturalStatus(ppStatus)
	if status != corpus.StatusOpen && status != corpus.StatusClosed {
		return fmt.Errorf("--status must be open or closed, got %q", ppStatus)
	}

	var snapshot time.Time
	if ppSnapshotDate != "" {
		snapshot, err = time.Parse("2006-01-02", ppSnapshotDate)
		if err != nil {
			return fmt.Errorf("invalid --snapshot-date: %w", err)
		}
	}

	p, err := rt.corpus.CreatePassport(context.Background(), &corpus.CreateRequest{
		SourcePaths:         args,
		Purpose:             ppPurpose,
		ArchitecturalStatus: status,
		CanonVersion:        ppCanonVersion,
		Constraints:         ppConstraints,
		SnapshotDate:        snapshot,
	})
	if err != nil {
		return fmt.Errorf("failed to create passport: %w", err)
	}

	if outputJSONFlag {
		return outputJSON(p)
	}

	fmt.Printf("Passport created and locked\n")
	fmt.Printf("ID: %s\n", p.ID)
	fmt.Printf("Purpose: %s\n", p.Purpose)
	fmt.Printf("Files: %d\n", len(p.Files))
	for _, f := range p.Files {
		fmt.Printf("  [%03d] %s (%d bytes)\n", f.CanonicalOrder, f.Filename, f.SizeBytes)
	}
	return nil
}

func runPassportVerify(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	p, err := rt.corpus.Load(ctx, args[0])
	if err != nil {
		return err
	}

	results, err := rt.corpus.VerifyIntegrity(ctx, p)
	if err != nil {
		return err
	}

	if outputJSONFlag {
		return outputJSON(results)
	}

	failed := 0
	for _, f := range p.Files {
		mark := "OK"
		if !results[f.Filename] {
			mark = "FAILED"
			failed++
		}
		fmt.Printf("  [%03d] %-40s %s\n", f.CanonicalOrder, f.Filename, mark)
	}
	if failed > 0 {
		return fmt.Errorf("integrity check failed for %d of %d files", failed, len(p.Files))
	}
	fmt.Printf("All %d files verified\n", len(p.Files))
	return nil
}

func runPassportList(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	passports, err := rt.corpus.List(context.Background())
	if err != nil {
		return err
	}

	if outputJSONFlag {
		return outputJSON(passports)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSTATUS\tFILES\tPURPOSE")
	for _, p := range passports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			p.ID,
			p.CreatedAt.Format("2006-01-02 15:04"),
			p.ArchitecturalStatus,
			len(p.Files),
			p.Purpose,
		)
	}
	return w.Flush()
}
