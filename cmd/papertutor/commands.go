package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/papertutor/papertutor/internal/auth"
	"github.com/papertutor/papertutor/internal/bootstrap"
	"github.com/papertutor/papertutor/internal/config"
	"github.com/papertutor/papertutor/internal/logging"
	"github.com/papertutor/papertutor/internal/settlement"
)

type globalOptions struct {
	root string
}

// env is what a command needs after config and stores are open.
type env struct {
	cfg    config.Config
	stores *bootstrap.Stores
	logger *log.Logger
}

func (o *globalOptions) open(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(o.root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cmd.ErrOrStderr(), "papertutor")
	if logging.ParseLevel(cfg.LogLevel) != logging.LevelDebug {
		logger.SetOutput(io.Discard)
	}
	stores, err := bootstrap.OpenStores(ctxOf(cmd), cfg, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, stores: stores, logger: logger}, nil
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func requireAccount(id int64) error {
	if id <= 0 {
		return fmt.Errorf("--account must be a positive account id")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initCmd(opts *globalOptions) *cobra.Command {
	var initOpts bootstrap.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config/setting.ini and config/<env>/papertutor.ini",
		RunE: func(cmd *cobra.Command, args []string) error {
			initOpts.Root = opts.root
			if err := bootstrap.Init(initOpts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written under %s/config\n", opts.root)
			return nil
		},
	}
	cmd.Flags().StringVar(&initOpts.Environment, "env", "dev", "Environment name")
	cmd.Flags().StringVar(&initOpts.DatabaseDSN, "database-dsn", "", "PostgreSQL DSN; empty keeps SQLite")
	cmd.Flags().StringVar(&initOpts.QuestionImageDir, "questions", "", "Directory of question images")
	cmd.Flags().BoolVar(&initOpts.Force, "force", false, "Overwrite existing files")
	return cmd
}

func balanceCmd(opts *globalOptions) *cobra.Command {
	var accountID int64
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print an account's credit balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(accountID); err != nil {
				return err
			}
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.stores.Close()
			balance, err := e.stores.Ledger.Balance(ctxOf(cmd), accountID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %d balance %d\n", accountID, balance)
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "Account id")
	return cmd
}

func ledgerCmd(opts *globalOptions) *cobra.Command {
	var (
		accountID int64
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List an account's most recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(accountID); err != nil {
				return err
			}
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.stores.Close()
			entries, err := e.stores.Ledger.ListRecent(ctxOf(cmd), accountID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAMOUNT\tKIND\tEXTERNAL ID\tCREATED")
			for _, entry := range entries {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", entry.ID, entry.Amount, entry.Kind, entry.ExternalID, entry.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "Account id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

// bonusCmd grants promotional credits through the settlement guard, so the
// reference makes a repeated grant a no-op.
func bonusCmd(opts *globalOptions) *cobra.Command {
	var (
		accountID int64
		credits   int64
		reference string
	)
	cmd := &cobra.Command{
		Use:   "bonus",
		Short: "Grant bonus credits once per reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(accountID); err != nil {
				return err
			}
			if credits <= 0 {
				return fmt.Errorf("--credits must be positive")
			}
			if reference == "" {
				return fmt.Errorf("--reference is required")
			}
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.stores.Close()
			if _, err := e.stores.Accounts.GetAccount(ctxOf(cmd), accountID); err != nil {
				return fmt.Errorf("account %d: %w", accountID, err)
			}
			guard := settlement.NewGuard(e.stores.Ledger, settlement.Config{Logger: e.logger})
			out, err := guard.GrantBonus(ctxOf(cmd), accountID, credits, reference)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reference=%s credits=%d balance=%d\n", out.State, out.PaymentRef, out.Credits, out.Balance)
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "Account id")
	cmd.Flags().Int64Var(&credits, "credits", 0, "Credits to grant")
	cmd.Flags().StringVar(&reference, "reference", "", "Idempotency reference, e.g. promo:2026-exams")
	return cmd
}

func tokenCmd(opts *globalOptions) *cobra.Command {
	var (
		accountID int64
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(accountID); err != nil {
				return err
			}
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.stores.Close()
			if _, err := e.stores.Accounts.GetAccount(ctxOf(cmd), accountID); err != nil {
				return fmt.Errorf("account %d: %w", accountID, err)
			}
			token, err := auth.NewManager(e.cfg.AuthSecret).IssueToken(accountID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "Account id")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	return cmd
}

func anomaliesCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List debits whose access record could not be written",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.stores.Close()
			anomalies, err := e.stores.Explain.ListAnomalies(ctxOf(cmd), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), anomalies)
			}
			if len(anomalies) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no billing anomalies")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tACCOUNT\tFINGERPRINT\tLEDGER ENTRY\tREASON\tCREATED")
			for _, a := range anomalies {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\n", a.ID, a.AccountID, a.Fingerprint, a.LedgerEntryID, a.Reason, a.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum anomalies")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}
