package orders_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mostrador/internal/db"
	"mostrador/internal/domain"
	"mostrador/internal/events"
	"mostrador/internal/inventory"
	"mostrador/internal/migrate"
	"mostrador/internal/orders"
	"mostrador/internal/repo"
)

func newTestService(t *testing.T) (orders.Service, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 2, 14, 12, 30, 45, 0, time.UTC)
	svc := orders.Service{
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn, Now: func() time.Time { return fixed }},
		Catalog: &inventory.Builder{Repo: repo.Repo{DB: conn}, Currency: "EUR"},
		Now:     func() time.Time { return fixed },
	}
	return svc, conn
}

func seedSession(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	r := repo.Repo{DB: conn}
	err := r.InsertSession(context.Background(), domain.Session{
		ID:        id,
		State:     "confirmed",
		CartJSON:  "[]",
		CreatedAt: "2026-02-14T12:00:00Z",
		UpdatedAt: "2026-02-14T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestCommitRecomputesTotal(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")

	// The conversation may have produced any declared total; only the
	// line subtotals count.
	order, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		ActorID:   "customer",
		Cart: []domain.CartItem{
			{Name: "Entrecot", Qty: "0.4 kg", Subtotal: "12.50"},
			{Name: "Chorizo", Qty: "1 unidad", Subtotal: "7.45"},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if order.Total != "19.95" {
		t.Fatalf("total = %q, want 19.95", order.Total)
	}
	if order.Status != "pending" {
		t.Fatalf("status = %q, want pending", order.Status)
	}
	if len(order.PickupCode) != 6 {
		t.Fatalf("pickup code = %q, want 6 digits", order.PickupCode)
	}
	if !strings.HasPrefix(order.Number, "M-20260214123045-") {
		t.Fatalf("number = %q, want timestamp prefix", order.Number)
	}

	stored, err := svc.Repo.GetOrderByNumber(context.Background(), order.Number)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Total != "19.95" {
		t.Fatalf("stored total = %q", stored.Total)
	}
}

func TestCommitRejectsInvalidSubtotal(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")
	_, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart:      []domain.CartItem{{Name: "Entrecot", Qty: "1 kg", Subtotal: "unos veinte"}},
	})
	if err == nil {
		t.Fatal("want error for unparseable subtotal")
	}
}

func TestCommitRetriesNumberCollision(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")

	suffixes := []string{"aaaa", "aaaa", "bbbb"}
	svc.Suffix = func() string {
		s := suffixes[0]
		if len(suffixes) > 1 {
			suffixes = suffixes[1:]
		}
		return s
	}

	first, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart:      []domain.CartItem{{Name: "Entrecot", Qty: "1 kg", Subtotal: "32.50"}},
	})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if !strings.HasSuffix(first.Number, "-aaaa") {
		t.Fatalf("first number = %q", first.Number)
	}

	// Same timestamp, first suffix collides, second attempt succeeds.
	second, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart:      []domain.CartItem{{Name: "Chorizo", Qty: "1 unidad", Subtotal: "7.45"}},
	})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !strings.HasSuffix(second.Number, "-bbbb") {
		t.Fatalf("second number = %q, want retried suffix", second.Number)
	}
}

func TestCommitGivesUpAfterRepeatedCollisions(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")
	svc.Suffix = func() string { return "same" }

	if _, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart:      []domain.CartItem{{Name: "Entrecot", Qty: "1 kg", Subtotal: "32.50"}},
	}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	_, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart:      []domain.CartItem{{Name: "Chorizo", Qty: "1 unidad", Subtotal: "7.45"}},
	})
	if !errors.Is(err, orders.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCommitRecordsLinesWithProductMatch(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")
	r := repo.Repo{DB: conn}
	now := "2026-02-14T12:00:00Z"
	if err := r.InsertProduct(context.Background(), domain.Product{
		ID: "p-entrecot", Name: "Entrecot", Price: "32.50", Unit: "kg",
		Available: true, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	order, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart: []domain.CartItem{
			{Name: "ENTRECOT", Qty: "0.4 kg", Subtotal: "13.00"},
			{Name: "Croquetas caseras", Qty: "12 unidades", Subtotal: "6.00"},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	lines, err := r.ListOrderLines(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("list lines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0].ProductID == nil || *lines[0].ProductID != "p-entrecot" {
		t.Fatalf("matched line product = %v", lines[0].ProductID)
	}
	if lines[1].ProductID != nil {
		t.Fatalf("unknown item should keep null product, got %v", *lines[1].ProductID)
	}
}

func TestStatusWorkflow(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")
	order, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart:      []domain.CartItem{{Name: "Entrecot", Qty: "1 kg", Subtotal: "32.50"}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.Transition(ctx, order.Number, "ready", "staff"); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("pending->ready err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Transition(ctx, order.Number, "preparing", "staff"); err != nil {
		t.Fatalf("to preparing: %v", err)
	}
	if _, err := svc.Transition(ctx, order.Number, "ready", "staff"); err != nil {
		t.Fatalf("to ready: %v", err)
	}
	if _, err := svc.Transition(ctx, order.Number, "cancelled", "staff"); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("ready->cancelled err = %v, want ErrInvalidTransition", err)
	}

	if _, err := svc.Complete(ctx, order.Number, "000000", "staff"); !errors.Is(err, orders.ErrBadPickupCode) {
		t.Fatalf("wrong code err = %v, want ErrBadPickupCode", err)
	}
	done, err := svc.Complete(ctx, order.Number, order.PickupCode, "staff")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" {
		t.Fatalf("status = %q, want completed", done.Status)
	}
}

func TestCommitRejectsOversizedCart(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")
	svc.MaxLines = 3

	cart := make([]domain.CartItem, 4)
	for i := range cart {
		cart[i] = domain.CartItem{Name: fmt.Sprintf("Producto %d", i), Qty: "1 unidad", Subtotal: "1.00"}
	}
	_, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID: "sess-1",
		Cart:      cart,
	})
	if !errors.Is(err, orders.ErrCartTooLarge) {
		t.Fatalf("err = %v, want ErrCartTooLarge", err)
	}

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM orders").Scan(&n); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if n != 0 {
		t.Fatalf("orders = %d, want 0", n)
	}
}

func TestCommitPersistsNotesAndEstimate(t *testing.T) {
	svc, conn := newTestService(t)
	seedSession(t, conn, "sess-1")

	notes := "todo en filetes finos"
	minutes := 25
	order, err := svc.Commit(context.Background(), orders.CommitOptions{
		SessionID:        "sess-1",
		Cart:             []domain.CartItem{{Name: "Entrecot", Qty: "1 kg", Subtotal: "32.50"}},
		Notes:            &notes,
		EstimatedMinutes: &minutes,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if order.Notes == nil || *order.Notes != notes {
		t.Fatalf("notes = %v, want %q", order.Notes, notes)
	}
	if order.EstimatedMinutes == nil || *order.EstimatedMinutes != minutes {
		t.Fatalf("estimated minutes = %v, want %d", order.EstimatedMinutes, minutes)
	}

	stored, err := svc.Repo.GetOrderByNumber(context.Background(), order.Number)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Notes == nil || *stored.Notes != notes {
		t.Fatalf("stored notes = %v", stored.Notes)
	}
	if stored.EstimatedMinutes == nil || *stored.EstimatedMinutes != minutes {
		t.Fatalf("stored estimated minutes = %v", stored.EstimatedMinutes)
	}
}
