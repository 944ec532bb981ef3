package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/papertutor/papertutor/internal/database"
	"github.com/papertutor/papertutor/internal/ledger"
	"github.com/papertutor/papertutor/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := testutil.PostgresDSN(t)
	pool, err := database.Connect(context.Background(), dsn, database.PoolOptions{MaxConns: 16}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return New(pool)
}

func TestCreditDuplicateAndBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, 1, 100, ledger.KindPurchase, "cs_live_1", "pack"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := store.Credit(ctx, 1, 100, ledger.KindPurchase, "cs_live_1", "pack"); !errors.Is(err, ledger.ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
	if _, err := store.Credit(ctx, 1, 5, ledger.KindBonus, "", ""); err != nil {
		t.Fatalf("Credit without external id: %v", err)
	}
	balance, err := store.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 105 {
		t.Fatalf("expected 105, got %d", balance)
	}

	found, err := store.FindByExternalID(ctx, "cs_live_1")
	if err != nil || found == nil || found.Amount != 100 {
		t.Fatalf("unexpected lookup %#v err=%v", found, err)
	}
	missing, err := store.FindByExternalID(ctx, "cs_missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, got %#v err=%v", missing, err)
	}
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, 2, 10, ledger.KindPurchase, "cs_conc", ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Debit(ctx, 2, 1, ledger.KindUsage, "")
			switch {
			case err == nil:
				mu.Lock()
				ok++
				mu.Unlock()
			case !errors.Is(err, ledger.ErrInsufficientFunds):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 {
		t.Fatalf("expected 10 debits, got %d", ok)
	}
	balance, _ := store.Balance(ctx, 2)
	if balance != 0 {
		t.Fatalf("expected 0, got %d", balance)
	}

	entries, err := store.ListRecent(ctx, 2, 100)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	if sum != balance {
		t.Fatalf("balance %d does not match entry sum %d", balance, sum)
	}
}
