// Command payoutctl is the operator CLI for the payout-service. It runs the same
// settlement, maturation and reconciliation code as the scheduler, against the
// same locks, so a manual run can never pay a creator the scheduler already paid.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate the payout-service settlement and resilience layer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config-dir", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(matureCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(locksCmd())
	rootCmd.AddCommand(ratelimitCmd())
	rootCmd.AddCommand(migrateCmd())

	return rootCmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
