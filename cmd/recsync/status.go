package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/services/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted sync state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	svc, err := sync.NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.Status(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(st)
		return nil
	}

	fmt.Printf("Account:  %s\n", st.Username)
	fmt.Printf("Cluster:  %s\n", orNone(st.ClusterURL))
	fmt.Printf("Sync ID:  %s\n", orNone(st.SyncID))
	if st.Deactivated {
		printError("This sync identity was deactivated by the server")
	}
	if st.BackoffDelay > 0 {
		printWarning("Backing off until %s (%s left)",
			st.BackoffUntil.Format(time.RFC3339), st.BackoffDelay.Round(time.Second))
	}

	fmt.Printf("\n%-10s %8s  %-25s %-25s\n", "COLLECTION", "RECORDS", "LAST REMOTE FETCH", "LAST LOCAL FETCH")
	for _, c := range st.Collections {
		fmt.Printf("%-10s %8d  %-25s %-25s\n", c.Name, c.LocalRecords, stamp(c.RemoteTimestamp), stamp(c.LocalTimestamp))
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func stamp(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}
