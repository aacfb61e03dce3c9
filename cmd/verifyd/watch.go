package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verifyd/internal/monitor"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the frozen corpora tree for out-of-band modification",
	Long: `Watch the corpora directory and report any mutation of frozen files
the moment it happens. Runs until interrupted.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	rt, err := initRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	corporaDir := filepath.Join(rt.cfg.Storage.DataDir, "corpora")
	watcher, err := monitor.NewTamperWatcher(corporaDir, rt.logger)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Watching %s (Ctrl-C to stop)\n", corporaDir)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev := <-watcher.Events():
			fmt.Printf("%s  TAMPER  passport=%s  op=%s  %s\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.PassportID, ev.Op, ev.Path)
		case <-sigs:
			fmt.Println("\nStopping watcher")
			return nil
		}
	}
}
