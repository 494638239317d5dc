package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/recsync/internal/services/sync"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget sync state so the next sync starts over",
	Long: `Reset forgets the assigned cluster, the sync identity and every
collection's fetch position. Local records and server data are kept. With
--backoff only the server-requested backoff is cleared.`,
	Example: `  recsync reset --backoff
  recsync reset --yes`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

var (
	resetBackoff bool
	resetYes     bool
)

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVar(&resetBackoff, "backoff", false,
		"Only clear the server-requested backoff")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false,
		"Do not ask for confirmation")
}

func runReset(cmd *cobra.Command, args []string) error {
	svc, err := sync.NewService(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if resetBackoff {
		if err := svc.ResetBackoff(); err != nil {
			return err
		}
		printSuccess("Backoff cleared")
		return nil
	}

	if !resetYes {
		ok, err := confirm("Forget all sync state? The next sync will refetch every collection. [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			printInfo("Aborted")
			return nil
		}
	}

	if err := svc.ResetSync(); err != nil {
		return err
	}
	printSuccess("Sync state reset")
	return nil
}

// confirm asks on the terminal. Without one it refuses, so scripts must
// pass --yes.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("not a terminal; pass --yes to confirm")
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
