package inventory_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"mostrador/internal/db"
	"mostrador/internal/domain"
	"mostrador/internal/inventory"
	"mostrador/internal/migrate"
	"mostrador/internal/repo"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func seedCatalog(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	now := "2026-02-01T09:00:00Z"
	cats := []domain.Category{
		{ID: "cat-vacuno", Name: "Vacuno", Position: 1, CreatedAt: now},
		{ID: "cat-cerdo", Name: "Cerdo", Position: 2, CreatedAt: now},
	}
	for _, c := range cats {
		if err := r.InsertCategory(ctx, c); err != nil {
			t.Fatalf("insert category: %v", err)
		}
	}
	vacuno := "cat-vacuno"
	cerdo := "cat-cerdo"
	products := []domain.Product{
		{ID: "p-solomillo", CategoryID: &vacuno, Name: "Solomillo", Price: "48.90", Unit: "kg", Available: true, CreatedAt: now, UpdatedAt: now},
		{ID: "p-entrecot", CategoryID: &vacuno, Name: "Entrecot", Price: "32.50", Unit: "kg", Available: true, CreatedAt: now, UpdatedAt: now},
		{ID: "p-panceta", CategoryID: &cerdo, Name: "Panceta", Price: "9.80", Unit: "kg", Available: false, CreatedAt: now, UpdatedAt: now},
		{ID: "p-lomo", CategoryID: &cerdo, Name: "Lomo adobado", Price: "12.40", Unit: "kg", Note: "corte fino", Available: true, CreatedAt: now, UpdatedAt: now},
	}
	for _, p := range products {
		if err := r.InsertProduct(ctx, p); err != nil {
			t.Fatalf("insert product: %v", err)
		}
	}
}

func TestSnapshotRendersAvailableCatalog(t *testing.T) {
	r := repo.Repo{DB: newTestDB(t)}
	seedCatalog(t, r)
	b := &inventory.Builder{Repo: r, Currency: "EUR", TTL: time.Minute}

	snap, err := b.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if strings.Contains(snap.Text, "Panceta") {
		t.Fatal("unavailable product leaked into context")
	}
	for _, want := range []string{"Vacuno:", "Cerdo:", "- Solomillo: 48.90 EUR/kg", "(corte fino)"} {
		if !strings.Contains(snap.Text, want) {
			t.Fatalf("context missing %q:\n%s", want, snap.Text)
		}
	}
	// Within a category products are listed alphabetically.
	if strings.Index(snap.Text, "Entrecot") > strings.Index(snap.Text, "Solomillo") {
		t.Fatalf("products not sorted by name:\n%s", snap.Text)
	}
	// Categories follow their configured position.
	if strings.Index(snap.Text, "Vacuno:") > strings.Index(snap.Text, "Cerdo:") {
		t.Fatalf("categories not sorted by position:\n%s", snap.Text)
	}
}

func TestSnapshotPriceLookupFoldsNames(t *testing.T) {
	r := repo.Repo{DB: newTestDB(t)}
	seedCatalog(t, r)
	b := &inventory.Builder{Repo: r, Currency: "EUR", TTL: time.Minute}

	snap, err := b.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	entry, ok := snap.Lookup("  SOLOMILLO ")
	if !ok || entry.ProductID != "p-solomillo" || entry.Price != "48.90" {
		t.Fatalf("lookup = %+v ok=%v", entry, ok)
	}
	if _, ok := snap.Lookup("Panceta"); ok {
		t.Fatal("unavailable product must not resolve")
	}
}

func TestSnapshotCachesUntilTTLOrInvalidate(t *testing.T) {
	r := repo.Repo{DB: newTestDB(t)}
	seedCatalog(t, r)
	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	b := &inventory.Builder{
		Repo:     r,
		Currency: "EUR",
		TTL:      time.Minute,
		Now:      func() time.Time { return clock },
	}
	ctx := context.Background()

	first, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := r.SetProductAvailability(ctx, "p-panceta", true, "2026-02-01T10:00:01Z"); err != nil {
		t.Fatalf("set availability: %v", err)
	}

	cached, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if cached != first {
		t.Fatal("fresh snapshot should come from cache")
	}

	clock = clock.Add(2 * time.Minute)
	stale, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(stale.Text, "Panceta") {
		t.Fatal("expired cache should rebuild with new availability")
	}

	if err := r.SetProductAvailability(ctx, "p-panceta", false, "2026-02-01T10:02:05Z"); err != nil {
		t.Fatalf("set availability: %v", err)
	}
	b.Invalidate()
	rebuilt, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if strings.Contains(rebuilt.Text, "Panceta") {
		t.Fatal("invalidate should force an immediate rebuild")
	}
}

func TestSnapshotEmptyCatalog(t *testing.T) {
	r := repo.Repo{DB: newTestDB(t)}
	b := &inventory.Builder{Repo: r, Currency: "EUR", TTL: time.Minute}
	snap, err := b.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(snap.Text, "sin productos") {
		t.Fatalf("empty catalog placeholder missing:\n%s", snap.Text)
	}
}
