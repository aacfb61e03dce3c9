package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verifyd/internal/orchestrator"
	"github.com/fyrsmithlabs/verifyd/internal/protocol"
)

var (
	// session command flags
	sessPassportID string
	sessKind       string
	sessSourceID   string
	sessSequential bool
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionRunCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)

	sessionCreateCmd.Flags().StringVar(&sessPassportID, "passport", "", "passport ID of the frozen corpus (required)")
	sessionCreateCmd.Flags().StringVar(&sessKind, "kind", string(protocol.KindStrictVerifier), "session kind: strict_verifier, formalization, or position_aggregator")
	sessionCreateCmd.Flags().StringVar(&sessSourceID, "source", "", "source session ID (required for derivative kinds)")
	_ = sessionCreateCmd.MarkFlagRequired("passport")

	sessionRunCmd.Flags().BoolVar(&sessSequential, "sequential", false, "execute runs one at a time instead of concurrently")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage verification sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session binding a passport to the configured interpreters",
	Long: `Create a verification session. Interpreters come from the config file's
interpreters list; every one executes the identical protocol in isolation.

Examples:
  verifyd session create --passport 4f6a...
  verifyd session create --passport 4f6a... --kind position_aggregator --source 9c1b...`,
	RunE: runSessionCreate,
}

var sessionRunCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Execute all pending runs of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRun,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's runs and their states",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if len(rt.cfg.Interpreters) == 0 {
		return fmt.Errorf("no interpreters configured; add an interpreters list to the config file")
	}

	ctx := context.Background()
	passport, err := rt.corpus.Load(ctx, sessPassportID)
	if err != nil {
		return err
	}

	sess, err := rt.orchestrator.CreateSession(ctx, &orchestrator.CreateRequest{
		Passport:        passport,
		Interpreters:    rt.cfg.Interpreters,
		Kind:            protocol.SessionKind(sessKind),
		SourceSessionID: sessSourceID,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if outputJSONFlag {
		return outputJSON(sess)
	}

	fmt.Printf("Session created\n")
	fmt.Printf("ID: %s\n", sess.ID)
	fmt.Printf("Kind: %s\n", sess.Kind)
	fmt.Printf("Interpreters: %d\n", len(sess.Runs))
	fmt.Printf("\nRun it with: verifyd session run %s\n", sess.ID)
	return nil
}

func runSessionRun(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()

	// Sweep for runs stranded by an earlier crash before starting new work.
	if recovered, err := rt.orchestrator.Recover(ctx); err != nil {
		return err
	} else if recovered > 0 {
		fmt.Printf("Marked %d interrupted run(s) as failed\n", recovered)
	}

	sess, err := rt.orchestrator.Load(ctx, args[0])
	if err != nil {
		return err
	}

	parallel := rt.cfg.Execution.Parallel && !sessSequential
	sess, err = rt.orchestrator.ExecuteSession(ctx, sess, parallel)
	if err != nil {
		return fmt.Errorf("failed to execute session: %w", err)
	}

	if outputJSONFlag {
		return outputJSON(sess)
	}

	fmt.Printf("Session %s: %s\n\n", sess.ID, sess.State)
	printRuns(sess)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	summaries, err := rt.orchestrator.List(context.Background())
	if err != nil {
		return err
	}

	if outputJSONFlag {
		return outputJSON(summaries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSTATE\tKIND\tRUNS\tPURPOSE")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID,
			s.CreatedAt.Format("2006-01-02 15:04"),
			s.State,
			s.Kind,
			s.RunCount,
			s.Purpose,
		)
	}
	return w.Flush()
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := rt.orchestrator.Load(context.Background(), args[0])
	if err != nil {
		return err
	}

	if outputJSONFlag {
		return outputJSON(sess)
	}

	fmt.Printf("Session: %s\n", sess.ID)
	fmt.Printf("State: %s\n", sess.State)
	fmt.Printf("Kind: %s\n", sess.Kind)
	if sess.SourceSessionID != "" {
		fmt.Printf("Source session: %s\n", sess.SourceSessionID)
	}
	if sess.Passport != nil {
		fmt.Printf("Passport: %s (%d files)\n", sess.Passport.ID, len(sess.Passport.Files))
	}
	fmt.Println()
	printRuns(sess)
	return nil
}

func printRuns(sess *orchestrator.Session) {
	for i, run := range sess.Runs {
		fmt.Printf("[%d] %s (%s/%s): %s\n",
			i+1, run.Interpreter.DisplayName, run.Interpreter.Provider, run.Interpreter.Model, run.State)
		switch {
		case run.Response != nil:
			fmt.Printf("    response: %d chars, tokens in/out %d/%d\n",
				len(run.Response.RawText), run.Response.InputTokens, run.Response.OutputTokens)
			if run.Response.ModesInOrder != nil {
				fmt.Printf("    modes: %d detected, %d missing, in order: %v\n",
					len(run.Response.DetectedModes), len(run.Response.MissingModes), *run.Response.ModesInOrder)
			}
		case run.Error != "":
			fmt.Printf("    error: %s\n", run.Error)
		}
	}
}
