package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/papertutor/papertutor/internal/access"
	"github.com/papertutor/papertutor/internal/artifact"
	"github.com/papertutor/papertutor/internal/database"
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

func TestConcurrentPutArtifactKeepsOneEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		texts    = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, ok, err := store.PutArtifact(ctx, artifact.Entry{
				Fingerprint: "q-race",
				Text:        "text-" + string(rune('a'+i)),
				ProducedAt:  time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("PutArtifact: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				inserted++
			}
			texts[e.Text] = true
		}(i)
	}
	wg.Wait()

	if inserted != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserted)
	}
	if len(texts) != 1 {
		t.Fatalf("callers observed different texts: %v", texts)
	}
}

func TestAccessAndAnomalies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := access.Record{AccountID: 5, Fingerprint: "q1", Text: "paid", Cost: 10, LedgerEntryID: 1, BilledAt: time.Now().UTC()}
	if _, ok, err := store.InsertAccess(ctx, rec); err != nil || !ok {
		t.Fatalf("InsertAccess: ok=%t err=%v", ok, err)
	}
	dup := rec
	dup.Text = "other"
	stored, ok, err := store.InsertAccess(ctx, dup)
	if err != nil || ok || stored.Text != "paid" {
		t.Fatalf("duplicate InsertAccess: %#v ok=%t err=%v", stored, ok, err)
	}

	a, err := store.FlagAnomaly(ctx, access.Anomaly{AccountID: 5, Fingerprint: "q1", LedgerEntryID: 2, Reason: "duplicate billing"})
	if err != nil || a.ID == 0 {
		t.Fatalf("FlagAnomaly: %#v err=%v", a, err)
	}
	list, err := store.ListAnomalies(ctx, 10)
	if err != nil || len(list) != 1 || list[0].Reason != "duplicate billing" {
		t.Fatalf("ListAnomalies: %#v err=%v", list, err)
	}
}
