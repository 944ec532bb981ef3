package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/papertutor/papertutor/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "papertutor",
		Short:         "Operator tools for the papertutor credit ledger",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.root, "root", ".", "Directory containing config/")

	rootCmd.AddCommand(initCmd(opts))
	rootCmd.AddCommand(balanceCmd(opts))
	rootCmd.AddCommand(ledgerCmd(opts))
	rootCmd.AddCommand(bonusCmd(opts))
	rootCmd.AddCommand(tokenCmd(opts))
	rootCmd.AddCommand(anomaliesCmd(opts))
	return rootCmd
}
