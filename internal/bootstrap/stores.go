package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertutor/papertutor/internal/access"
	"github.com/papertutor/papertutor/internal/artifact"
	"github.com/papertutor/papertutor/internal/config"
	"github.com/papertutor/papertutor/internal/database"
	explainpg "github.com/papertutor/papertutor/internal/explainstore/postgres"
	explainsqlite "github.com/papertutor/papertutor/internal/explainstore/sqlite"
	"github.com/papertutor/papertutor/internal/health"
	"github.com/papertutor/papertutor/internal/ledger"
	ledgerpg "github.com/papertutor/papertutor/internal/ledger/postgres"
	ledgersqlite "github.com/papertutor/papertutor/internal/ledger/sqlite"
	"github.com/papertutor/papertutor/internal/userstore"
	userpg "github.com/papertutor/papertutor/internal/userstore/postgres"
	usersqlite "github.com/papertutor/papertutor/internal/userstore/sqlite"
)

// ExplainStore holds generated explanations, access records and anomalies.
type ExplainStore interface {
	artifact.Store
	access.Store
	Ping(ctx context.Context) error
	Close() error
}

// Stores bundles every persistent store the service uses.
type Stores struct {
	Ledger   ledger.Store
	Accounts userstore.Store
	Explain  ExplainStore
	Backend  string

	pool *pgxpool.Pool
}

// Pingers lists the stores for the health checker.
func (s *Stores) Pingers() map[string]health.Pinger {
	return map[string]health.Pinger{
		"ledger":   s.Ledger,
		"accounts": s.Accounts,
		"explain":  s.Explain,
	}
}

// Close releases every store, returning the first error.
func (s *Stores) Close() error {
	var errs []error
	if s.Explain != nil {
		errs = append(errs, s.Explain.Close())
	}
	if s.Accounts != nil {
		errs = append(errs, s.Accounts.Close())
	}
	if s.Ledger != nil {
		errs = append(errs, s.Ledger.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return errors.Join(errs...)
}

// OpenStores opens PostgreSQL stores when cfg.DatabaseDSN is set and SQLite
// files otherwise.
func OpenStores(ctx context.Context, cfg config.Config, logger *log.Logger) (*Stores, error) {
	if cfg.UsePostgres() {
		return openPostgres(ctx, cfg, logger)
	}
	return openSQLite(cfg, logger)
}

func openSQLite(cfg config.Config, logger *log.Logger) (*Stores, error) {
	ledgerStore, err := ledgersqlite.New(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	stores := &Stores{Backend: "sqlite", Ledger: ledgerStore}
	accounts, err := usersqlite.New(cfg.IdentityPath)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("open accounts: %w", err)
	}
	stores.Accounts = accounts
	explain, err := explainsqlite.New(cfg.ArtifactPath)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("open explanations: %w", err)
	}
	stores.Explain = explain
	if logger != nil {
		logger.Printf("sqlite stores ledger=%s accounts=%s explain=%s", cfg.LedgerPath, cfg.IdentityPath, cfg.ArtifactPath)
	}
	return stores, nil
}

func openPostgres(ctx context.Context, cfg config.Config, logger *log.Logger) (*Stores, error) {
	if err := database.Migrate(cfg.DatabaseDSN, logger); err != nil {
		return nil, err
	}
	opts := database.PoolOptions{
		MaxConns:        cfg.DBMaxOpenConns,
		MinConns:        cfg.DBMaxIdleConns,
		MaxConnLifetime: time.Duration(cfg.DBConnLifetimeMinutes) * time.Minute,
	}
	pool, err := database.Connect(ctx, cfg.DatabaseDSN, opts, logger)
	if err != nil {
		return nil, err
	}
	stores := &Stores{
		Backend: "postgres",
		Ledger:  ledgerpg.New(pool),
		Explain: explainpg.New(pool),
		pool:    pool,
	}
	accounts, err := userpg.New(cfg.DatabaseDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnLifetimeMinutes)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("open accounts: %w", err)
	}
	stores.Accounts = accounts
	return stores, nil
}
