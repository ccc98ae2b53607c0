package chat_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"mostrador/internal/assistant"
	"mostrador/internal/chat"
	"mostrador/internal/config"
	"mostrador/internal/db"
	"mostrador/internal/domain"
	"mostrador/internal/gate"
	"mostrador/internal/migrate"
	"mostrador/internal/repo"
)

type fakeInterp struct {
	results  []assistant.TurnResult
	calls    int
	block    chan struct{}
	audioErr error
}

func (f *fakeInterp) next() assistant.TurnResult {
	if f.block != nil {
		<-f.block
	}
	if f.calls >= len(f.results) {
		return assistant.TurnResult{Reply: "¿Algo más?"}
	}
	r := f.results[f.calls]
	f.calls++
	return r
}

func (f *fakeInterp) InterpretText(ctx context.Context, pc assistant.PromptContext, text string) (assistant.TurnResult, error) {
	return f.next(), nil
}

func (f *fakeInterp) InterpretAudio(ctx context.Context, pc assistant.PromptContext, data []byte, mimeType string) (assistant.TurnResult, error) {
	return f.next(), nil
}

func (f *fakeInterp) ValidateAudio(data []byte, mimeType string) error {
	return f.audioErr
}

func newTestEngine(t *testing.T, interp chat.Interpreter) (*chat.Engine, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("shop-1")
	eng := chat.New(conn, cfg, interp, nil)
	fixed := time.Date(2026, 2, 14, 12, 30, 45, 0, time.UTC)
	eng.Now = func() time.Time { return fixed }
	eng.Orders.Now = eng.Now
	return eng, conn
}

func seedSession(t *testing.T, conn *sql.DB, state string, cart []domain.CartItem) domain.Session {
	t.Helper()
	cartJSON, err := domain.MarshalCart(cart)
	if err != nil {
		t.Fatalf("marshal cart: %v", err)
	}
	s := domain.Session{
		ID:        "sess-1",
		State:     state,
		CartJSON:  cartJSON,
		CreatedAt: "2026-02-14T12:00:00Z",
		UpdatedAt: "2026-02-14T12:00:00Z",
	}
	if err := (repo.Repo{DB: conn}).InsertSession(context.Background(), s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}

func countOrders(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	return n
}

func TestStartSession(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeInterp{})
	s, err := eng.StartSession(context.Background(), nil, nil, "customer")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if s.State != "accumulating" || s.CartJSON != "[]" {
		t.Fatalf("unexpected session: %+v", s)
	}
	got, err := eng.GetSession(context.Background(), s.ID)
	if err != nil || got.ID != s.ID {
		t.Fatalf("get session: %v", err)
	}
}

func TestConfirmationCommitsOnce(t *testing.T) {
	eng, conn := newTestEngine(t, &fakeInterp{})
	seedSession(t, conn, "awaiting_confirmation", []domain.CartItem{
		{Name: "Solomillo", Qty: "0.5 kg", Subtotal: "24.45"},
	})
	ctx := context.Background()

	out, err := eng.HandleText(ctx, "sess-1", "dale", "customer")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Order == nil || out.Order.Total != "24.45" {
		t.Fatalf("order = %+v, want total 24.45", out.Order)
	}
	if out.Session.State != "confirmed" {
		t.Fatalf("state = %q", out.Session.State)
	}
	if !strings.Contains(out.Reply, out.Order.Number) {
		t.Fatalf("reply should carry the order number: %q", out.Reply)
	}

	// Saying it again must not create a second order.
	again, err := eng.HandleText(ctx, "sess-1", "dale", "customer")
	if err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if again.Order != nil {
		t.Fatal("repeated confirmation produced a new order")
	}
	if !strings.Contains(again.Reply, out.Order.Number) {
		t.Fatalf("repeat reply should restate the number: %q", again.Reply)
	}
	if n := countOrders(t, conn); n != 1 {
		t.Fatalf("orders = %d, want 1", n)
	}
}

func TestConfirmationPhrasesFoldAccents(t *testing.T) {
	eng, conn := newTestEngine(t, &fakeInterp{})
	seedSession(t, conn, "awaiting_confirmation", []domain.CartItem{
		{Name: "Chorizo", Qty: "1 unidad", Subtotal: "7.45"},
	})
	out, err := eng.HandleText(context.Background(), "sess-1", "  Sí ", "customer")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Order == nil {
		t.Fatal("accented confirmation did not commit")
	}
}

func TestFinalizationPhraseFallback(t *testing.T) {
	// The model neither set end_of_order nor changed the cart; the
	// closing phrase alone must move the session forward.
	interp := &fakeInterp{results: []assistant.TurnResult{{Reply: "Muy bien."}}}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "accumulating", []domain.CartItem{
		{Name: "Entrecot", Qty: "0.4 kg", Subtotal: "13.00"},
	})

	out, err := eng.HandleText(context.Background(), "sess-1", "pues eso es todo, gracias", "customer")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Session.State != "awaiting_confirmation" {
		t.Fatalf("state = %q, want awaiting_confirmation", out.Session.State)
	}
	if !strings.Contains(out.Reply, "Confirmas") {
		t.Fatalf("reply should ask for confirmation: %q", out.Reply)
	}
	if !strings.Contains(out.Reply, "13.00") {
		t.Fatalf("reply should restate the total: %q", out.Reply)
	}
}

func TestCartIsReplacedWholesale(t *testing.T) {
	interp := &fakeInterp{results: []assistant.TurnResult{
		{Reply: "Apuntado.", CartSet: true, Cart: []domain.CartItem{
			{Name: "Solomillo", Qty: "0.5 kg", Subtotal: "24.45"},
		}},
		{Reply: "Quitado, te queda solo el chorizo.", CartSet: true, Cart: []domain.CartItem{
			{Name: "Chorizo", Qty: "1 unidad", Subtotal: "7.45"},
		}},
		{Reply: "Sigo aquí."},
	}}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "accumulating", nil)
	ctx := context.Background()

	out, err := eng.HandleText(ctx, "sess-1", "ponme medio solomillo", "customer")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if len(out.Cart) != 1 || out.Cart[0].Name != "Solomillo" {
		t.Fatalf("cart after turn 1: %+v", out.Cart)
	}

	out, err = eng.HandleText(ctx, "sess-1", "mejor quita el solomillo y ponme un chorizo", "customer")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if len(out.Cart) != 1 || out.Cart[0].Name != "Chorizo" {
		t.Fatalf("cart must be replaced, not merged: %+v", out.Cart)
	}

	// A turn without a cart field leaves the cart alone.
	out, err = eng.HandleText(ctx, "sess-1", "vale", "customer")
	if err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	if len(out.Cart) != 1 || out.Cart[0].Name != "Chorizo" {
		t.Fatalf("cart must survive a cartless turn: %+v", out.Cart)
	}
}

func TestDegradedTurnChangesNothing(t *testing.T) {
	interp := &fakeInterp{results: []assistant.TurnResult{
		{Reply: "Perdona, ¿me lo repites?", Degraded: true, Confirmed: true, EndOfOrder: true,
			CartSet: true, Cart: []domain.CartItem{{Name: "Fantasma", Qty: "1", Subtotal: "1.00"}}},
	}}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "accumulating", []domain.CartItem{
		{Name: "Entrecot", Qty: "0.4 kg", Subtotal: "13.00"},
	})

	out, err := eng.HandleText(context.Background(), "sess-1", "mmmrffgh", "customer")
	if err != nil {
		t.Fatalf("degraded turn: %v", err)
	}
	if !out.Degraded {
		t.Fatal("outcome should be marked degraded")
	}
	if out.Session.State != "accumulating" {
		t.Fatalf("state = %q, degraded turn must not advance", out.Session.State)
	}
	if len(out.Cart) != 1 || out.Cart[0].Name != "Entrecot" {
		t.Fatalf("cart changed on degraded turn: %+v", out.Cart)
	}
	if n := countOrders(t, conn); n != 0 {
		t.Fatalf("degraded turn committed an order")
	}
}

func TestHandleAudioValidatesFirst(t *testing.T) {
	interp := &fakeInterp{audioErr: assistant.ErrAudioTooLarge}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "accumulating", nil)

	_, err := eng.HandleAudio(context.Background(), "sess-1", make([]byte, 64), "audio/webm", "customer")
	if !errors.Is(err, assistant.ErrAudioTooLarge) {
		t.Fatalf("err = %v, want ErrAudioTooLarge", err)
	}
	if interp.calls != 0 {
		t.Fatal("invalid audio must not reach the interpreter")
	}
}

func TestBusyGateRejectsTurn(t *testing.T) {
	block := make(chan struct{})
	interp := &fakeInterp{block: block}
	eng, conn := newTestEngine(t, interp)
	eng.Gate = gate.New(1, 50*time.Millisecond)
	seedSession(t, conn, "accumulating", nil)
	s2 := domain.Session{ID: "sess-2", State: "accumulating", CartJSON: "[]",
		CreatedAt: "2026-02-14T12:00:00Z", UpdatedAt: "2026-02-14T12:00:00Z"}
	if err := (repo.Repo{DB: conn}).InsertSession(context.Background(), s2); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := eng.HandleText(context.Background(), "sess-1", "hola", "customer"); err != nil {
			t.Errorf("blocked turn: %v", err)
		}
	}()

	// Wait for the first turn to occupy the only slot.
	for {
		inUse, _, _ := eng.Gate.Snapshot()
		if inUse == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := eng.HandleText(context.Background(), "sess-2", "hola", "customer")
	if !errors.Is(err, gate.ErrBusy) {
		t.Fatalf("err = %v, want gate.ErrBusy", err)
	}

	close(block)
	<-done
}

func TestCartlessTurnClearsPendingConfirmation(t *testing.T) {
	interp := &fakeInterp{results: []assistant.TurnResult{
		{Reply: "Sí, nos queda morcilla de Burgos."},
	}}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "awaiting_confirmation", []domain.CartItem{
		{Name: "Solomillo", Qty: "0.5 kg", Subtotal: "24.45"},
	})
	ctx := context.Background()

	out, err := eng.HandleText(ctx, "sess-1", "¿os queda morcilla?", "customer")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if out.Order != nil {
		t.Fatalf("side question must not commit: %+v", out.Order)
	}
	if out.Session.State != "accumulating" {
		t.Fatalf("state = %q, want accumulating", out.Session.State)
	}
	if len(out.Cart) != 1 || out.Cart[0].Name != "Solomillo" {
		t.Fatalf("held items must survive: %+v", out.Cart)
	}

	// The pending summary is stale now; a bare yes must not commit it.
	again, err := eng.HandleText(ctx, "sess-1", "si", "customer")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if again.Order != nil || countOrders(t, conn) != 0 {
		t.Fatal("confirmation after reset must go through the assistant, not commit")
	}
}

func TestConfirmationIgnoresSurroundingPunctuation(t *testing.T) {
	interp := &fakeInterp{}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "awaiting_confirmation", []domain.CartItem{
		{Name: "Chorizo", Qty: "1 unidad", Subtotal: "7.45"},
	})

	out, err := eng.HandleText(context.Background(), "sess-1", "¡Sí!", "customer")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Order == nil {
		t.Fatal("punctuated confirmation did not commit")
	}
	if interp.calls != 0 {
		t.Fatalf("deterministic confirmation must skip the assistant, calls = %d", interp.calls)
	}
}

func TestAudioTurnReportsTranscriptAndItems(t *testing.T) {
	interp := &fakeInterp{results: []assistant.TurnResult{{
		Reply:   "Marchando medio solomillo. Los percebes no los trabajamos, ¿te pongo chorizo?",
		CartSet: true,
		Cart:    []domain.CartItem{{Name: "Solomillo", Qty: "0.5 kg", Subtotal: "24.45"}},
		Suggested: []string{"Chorizo", "Pulpo gallego"},
		Transcript: "ponme medio kilo de solomillo y unos percebes",
		Intent:     "order",
		Items: []assistant.ExtractedItem{
			{Name: "SOLOMILLO", Qty: "0.5 kg"},
			{Name: "Percebes", Qty: "1 kg"},
		},
	}}}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "accumulating", nil)
	r := repo.Repo{DB: conn}
	now := "2026-02-14T12:00:00Z"
	for _, p := range []domain.Product{
		{ID: "p-solomillo", Name: "Solomillo", Price: "48.90", Unit: "kg", Available: true, CreatedAt: now, UpdatedAt: now},
		{ID: "p-chorizo", Name: "Chorizo", Price: "7.45", Unit: "unidad", Available: true, CreatedAt: now, UpdatedAt: now},
	} {
		if err := r.InsertProduct(context.Background(), p); err != nil {
			t.Fatalf("insert product: %v", err)
		}
	}

	out, err := eng.HandleAudio(context.Background(), "sess-1", []byte("audio"), "audio/webm", "customer")
	if err != nil {
		t.Fatalf("audio turn: %v", err)
	}
	if out.Transcript != "ponme medio kilo de solomillo y unos percebes" {
		t.Fatalf("transcript = %q", out.Transcript)
	}
	if out.Intent != "order" {
		t.Fatalf("intent = %q", out.Intent)
	}
	if len(out.Items) != 2 {
		t.Fatalf("items = %+v", out.Items)
	}
	if out.Items[0].ProductID == nil || *out.Items[0].ProductID != "p-solomillo" {
		t.Fatalf("catalog item not matched: %+v", out.Items[0])
	}
	if out.Items[1].ProductID != nil {
		t.Fatalf("off-catalog item must keep null product: %+v", out.Items[1])
	}
	// Only suggestions that resolve against the catalog come back priced.
	if len(out.Suggested) != 1 || out.Suggested[0].ProductID != "p-chorizo" || out.Suggested[0].Price != "7.45" {
		t.Fatalf("suggested = %+v", out.Suggested)
	}
}

func TestAudioIntentDefaultsToOther(t *testing.T) {
	interp := &fakeInterp{results: []assistant.TurnResult{{
		Reply:      "¡Buenos días!",
		Transcript: "buenas",
	}}}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "accumulating", nil)

	out, err := eng.HandleAudio(context.Background(), "sess-1", []byte("audio"), "audio/webm", "customer")
	if err != nil {
		t.Fatalf("audio turn: %v", err)
	}
	if out.Intent != "other" {
		t.Fatalf("intent = %q, want other", out.Intent)
	}
}

func TestNotesAndEstimateFlowIntoOrder(t *testing.T) {
	interp := &fakeInterp{results: []assistant.TurnResult{{
		Reply:            "Apuntado. ¿Confirmas el pedido?",
		CartSet:          true,
		Cart:             []domain.CartItem{{Name: "Entrecot", Qty: "0.8 kg", Subtotal: "26.00"}},
		Notes:            "todo en filetes finos",
		EstimatedMinutes: 20,
		EndOfOrder:       true,
	}}}
	eng, conn := newTestEngine(t, interp)
	seedSession(t, conn, "accumulating", nil)
	ctx := context.Background()

	if _, err := eng.HandleText(ctx, "sess-1", "ponme entrecot en filetes finos y ya", "customer"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	// The confirmation goes through the deterministic path; the remarks
	// captured on the session must still land on the order.
	out, err := eng.HandleText(ctx, "sess-1", "dale", "customer")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Order == nil {
		t.Fatal("confirmation did not commit")
	}
	if out.Order.Notes == nil || *out.Order.Notes != "todo en filetes finos" {
		t.Fatalf("order notes = %v", out.Order.Notes)
	}
	if out.Order.EstimatedMinutes == nil || *out.Order.EstimatedMinutes != 20 {
		t.Fatalf("order estimate = %v", out.Order.EstimatedMinutes)
	}
}
