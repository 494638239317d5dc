package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization attempt",
	Long: `Sync exchanges changed records with the server for every enabled
collection. While the server has asked clients to back off the attempt is
skipped; --force runs it anyway without clearing the backoff.`,
	Example: `  recsync sync
  recsync sync --force --json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var syncForce bool

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false,
		"Sync even if the server requested a backoff")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, err := sync.NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		watchEvents(svc.Events())
	}()

	result, err := svc.SyncOnce(ctx, syncForce)
	// Close ends the event stream.
	closeErr := svc.Close()
	<-done

	if jsonOutput {
		printSyncJSON(result, err)
		if err != nil {
			return err
		}
		return closeErr
	}

	if err != nil {
		printError("Sync failed: %v", err)
		return err
	}
	if result.Skipped {
		printWarning("Server requested backoff; next sync allowed in %s (use --force to override)",
			(time.Duration(result.DelayMS) * time.Millisecond).Round(time.Second))
		return closeErr
	}

	printSummary(result)
	printSuccess("Sync completed in %s", result.Duration.Round(time.Millisecond))
	return closeErr
}

func watchEvents(ch <-chan sync.Event) {
	for event := range ch {
		if jsonOutput {
			continue
		}
		switch event.Type {
		case sync.EventStageCompleted:
			logger.WithField("stage", event.Stage.String()).Debug("Stage completed")
		case sync.EventBackoff:
			printWarning("Server requested backoff of %s",
				(time.Duration(event.BackoffMS) * time.Millisecond).Round(time.Second))
		case sync.EventUpgradeRequired:
			printError("The server's storage format is newer than this client; please upgrade")
		case sync.EventEndOfLife:
			if event.Alert != nil {
				printWarning("Service notice: %s %s", event.Alert.Message, event.Alert.URL)
			}
		}
	}
}

func printSummary(result *sync.Result) {
	names := make([]string, 0, len(result.Reports))
	for name := range result.Reports {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\nSync Summary:\n")
	for _, name := range names {
		r := result.Reports[name]
		fmt.Printf("   %-10s in: %d applied, %d kept, %d failed   out: %d applied, %d kept, %d failed\n",
			name,
			r.Incoming.Applied(), r.Incoming.Kept, r.Incoming.Failed,
			r.Outgoing.Applied(), r.Outgoing.Kept, r.Outgoing.Failed)
	}
	if len(names) == 0 {
		printInfo("   No collection changed")
	}
}

func printSyncJSON(result *sync.Result, err error) {
	out := map[string]interface{}{
		"success": err == nil,
	}
	if err != nil {
		out["error"] = err.Error()
	}
	if result != nil {
		out["skipped"] = result.Skipped
		if result.Skipped {
			out["delay_ms"] = result.DelayMS
		}
		out["duration_ms"] = result.Duration.Milliseconds()
		out["collections"] = result.Reports
	}
	printJSON(out)
}
