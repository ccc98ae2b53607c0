// Package chat drives order-taking conversations: it admits turns
// through the gate, interprets them, and reconciles the result with the
// session's accumulated cart and state.
package chat

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mostrador/internal/assistant"
	"mostrador/internal/config"
	"mostrador/internal/domain"
	"mostrador/internal/events"
	"mostrador/internal/gate"
	"mostrador/internal/inventory"
	"mostrador/internal/orders"
	"mostrador/internal/repo"
)

// Interpreter abstracts the assistant so tests can script turns.
type Interpreter interface {
	InterpretText(ctx context.Context, pc assistant.PromptContext, text string) (assistant.TurnResult, error)
	InterpretAudio(ctx context.Context, pc assistant.PromptContext, data []byte, mimeType string) (assistant.TurnResult, error)
	ValidateAudio(data []byte, mimeType string) error
}

// Engine owns session state. Turns for the same session run one at a
// time; turns across sessions only contend for gate slots.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Inventory *inventory.Builder
	Interp    Interpreter
	Gate      *gate.Gate
	Orders    orders.Service
	Config    *config.Config
	Logger    *zap.Logger
	Now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

func New(conn *sql.DB, cfg *config.Config, interp Interpreter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: conn}
	now := func() time.Time { return time.Now().UTC() }
	builder := &inventory.Builder{
		Repo:     r,
		Currency: cfg.Shop.Currency,
		TTL:      cfg.InventoryTTL(),
	}
	return &Engine{
		DB:        conn,
		Repo:      r,
		Events:    events.Writer{DB: conn},
		Inventory: builder,
		Interp:    interp,
		Gate:      gate.New(cfg.GateCapacity(), cfg.GateQueueTimeout()),
		Orders: orders.Service{
			DB:       conn,
			Repo:     r,
			Events:   events.Writer{DB: conn},
			Catalog:  builder,
			MaxLines: cfg.OrderMaxLines(),
			Logger:   logger,
		},
		Config: cfg,
		Logger: logger,
		Now:    now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) sessionLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions == nil {
		e.sessions = make(map[string]*sync.Mutex)
	}
	mu, ok := e.sessions[id]
	if !ok {
		mu = &sync.Mutex{}
		e.sessions[id] = mu
	}
	return mu
}

// StartSession opens a new conversation in the accumulating state.
func (e *Engine) StartSession(ctx context.Context, customerName, customerPhone *string, actorID string) (domain.Session, error) {
	now := e.now().UTC().Format(time.RFC3339)
	session := domain.Session{
		ID:            uuid.NewString(),
		State:         "accumulating",
		CartJSON:      "[]",
		CustomerName:  customerName,
		CustomerPhone: customerPhone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, session); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.started", "session", session.ID, actorID, nil); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func (e *Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return e.Repo.GetSession(ctx, id)
}

// TurnOutcome is what one utterance produced, after reconciliation.
type TurnOutcome struct {
	Session   domain.Session
	Reply     string
	Cart      []domain.CartItem
	Suggested []inventory.PriceEntry
	Order     *domain.Order
	Degraded  bool

	// Voice turns additionally report what was heard.
	Transcript string
	Intent     string
	Items      []ExtractedItem
}

// ExtractedItem is a voice-turn item matched against the catalog. A
// nil ProductID means the shop does not carry it; the item is kept
// anyway so the customer can be told.
type ExtractedItem struct {
	ProductID *string
	Name      string
	Qty       string
	Notes     string
}

// HandleText processes one text utterance.
func (e *Engine) HandleText(ctx context.Context, sessionID, text, actorID string) (TurnOutcome, error) {
	return e.handleTurn(ctx, sessionID, actorID, text, func(ctx context.Context, pc assistant.PromptContext) (assistant.TurnResult, error) {
		return e.Interp.InterpretText(ctx, pc, text)
	})
}

// HandleAudio processes one audio utterance. Validation happens before
// any slot is taken or bytes travel upstream.
func (e *Engine) HandleAudio(ctx context.Context, sessionID string, data []byte, mimeType, actorID string) (TurnOutcome, error) {
	if err := e.Interp.ValidateAudio(data, mimeType); err != nil {
		return TurnOutcome{}, err
	}
	return e.handleTurn(ctx, sessionID, actorID, "[audio]", func(ctx context.Context, pc assistant.PromptContext) (assistant.TurnResult, error) {
		return e.Interp.InterpretAudio(ctx, pc, data, mimeType)
	})
}

type interpretFunc func(ctx context.Context, pc assistant.PromptContext) (assistant.TurnResult, error)

func (e *Engine) handleTurn(ctx context.Context, sessionID, actorID, utterance string, interpret interpretFunc) (TurnOutcome, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return TurnOutcome{}, err
	}
	cart, err := domain.UnmarshalCart(session.CartJSON)
	if err != nil {
		return TurnOutcome{}, fmt.Errorf("session cart corrupted: %w", err)
	}

	// A confirmed session is final. Repeating a confirmation must not
	// create a second order, so the turn never reaches the model.
	if session.State == "confirmed" {
		reply := "Tu pedido ya está confirmado."
		if session.OrderNumber != nil {
			reply = fmt.Sprintf("Tu pedido ya está confirmado con el número %s. Te avisamos cuando esté listo.", *session.OrderNumber)
		}
		if err := e.persistTurn(ctx, &session, utterance, reply, false); err != nil {
			return TurnOutcome{}, err
		}
		return TurnOutcome{Session: session, Reply: reply, Cart: cart}, nil
	}

	// Deterministic confirmation path. An exact confirmation phrase on
	// a summarized cart commits without spending a model call.
	if session.State == "awaiting_confirmation" && utterance != "[audio]" && isConfirmation(utterance) {
		return e.confirm(ctx, &session, cart, utterance, actorID)
	}

	snap, err := e.Inventory.Snapshot(ctx)
	if err != nil {
		return TurnOutcome{}, err
	}
	history, err := e.Repo.RecentTurns(ctx, sessionID, e.Config.HistoryTurns())
	if err != nil {
		return TurnOutcome{}, err
	}
	pc := assistant.PromptContext{
		ShopName: e.Config.Shop.Name,
		Catalog:  snap.Text,
		History:  history,
	}

	ticket, err := e.Gate.Acquire(ctx)
	if err != nil {
		return TurnOutcome{}, err
	}
	result, err := interpret(ctx, pc)
	ticket.Release()
	if err != nil {
		return TurnOutcome{}, err
	}

	out, err := e.reconcile(ctx, &session, cart, utterance, actorID, result)
	if err != nil {
		return TurnOutcome{}, err
	}
	if !result.Degraded {
		out.Suggested = resolveSuggestions(snap, result.Suggested)
		if utterance == "[audio]" {
			out.Transcript = result.Transcript
			out.Intent = result.Intent
			if out.Intent == "" {
				out.Intent = "other"
			}
			out.Items = resolveItems(snap, result.Items)
		}
	}
	return out, nil
}

// resolveSuggestions keeps only suggestions the catalog actually
// carries, enriched with id, price and unit.
func resolveSuggestions(snap *inventory.Snapshot, names []string) []inventory.PriceEntry {
	var res []inventory.PriceEntry
	for _, name := range names {
		if entry, ok := snap.Lookup(name); ok {
			res = append(res, entry)
		}
	}
	return res
}

// resolveItems matches heard items to products. Unmatched names keep a
// nil product reference rather than being dropped.
func resolveItems(snap *inventory.Snapshot, items []assistant.ExtractedItem) []ExtractedItem {
	res := make([]ExtractedItem, 0, len(items))
	for _, item := range items {
		resolved := ExtractedItem{Name: item.Name, Qty: item.Qty, Notes: item.Notes}
		if entry, ok := snap.Lookup(item.Name); ok {
			id := entry.ProductID
			resolved.ProductID = &id
		}
		res = append(res, resolved)
	}
	return res
}

// reconcile applies the turn result to the session. Precedence: a
// degraded turn changes nothing; a confirmation on a summarized cart
// commits; a finalization moves to awaiting_confirmation even when the
// model missed it; a cart in the result replaces the whole cart.
func (e *Engine) reconcile(ctx context.Context, session *domain.Session, cart []domain.CartItem, utterance string, actorID string, result assistant.TurnResult) (TurnOutcome, error) {
	if result.Degraded {
		if err := e.persistTurn(ctx, session, utterance, result.Reply, false); err != nil {
			return TurnOutcome{}, err
		}
		return TurnOutcome{Session: *session, Reply: result.Reply, Cart: cart, Degraded: true}, nil
	}

	effective := cart
	cartChanged := false
	if result.CartSet {
		effective = result.Cart
		cartChanged = true
	}
	if result.Notes != "" {
		n := result.Notes
		session.Notes = &n
	}
	if result.EstimatedMinutes > 0 {
		m := result.EstimatedMinutes
		session.EstimatedMinutes = &m
	}

	confirmed := result.Confirmed || (session.State == "awaiting_confirmation" && utterance != "[audio]" && isConfirmation(utterance))
	if confirmed && len(effective) > 0 {
		return e.confirmWithCart(ctx, session, effective, cartChanged, utterance, result.Reply, actorID)
	}

	finalizing := result.EndOfOrder || (utterance != "[audio]" && isFinalization(utterance))
	stateChanged := false
	if finalizing && len(effective) > 0 && session.State != "awaiting_confirmation" {
		session.State = "awaiting_confirmation"
		stateChanged = true
	}

	// The customer kept talking instead of confirming, and the model
	// sent no proposal either. Drop the pending confirmation but keep
	// the held items; they may still be shopping.
	if session.State == "awaiting_confirmation" && !finalizing && !result.CartSet {
		session.State = "accumulating"
		stateChanged = true
	}

	reply := result.Reply
	if finalizing && len(effective) > 0 && !result.EndOfOrder {
		// The closing phrase was caught here, not by the model; make
		// sure the customer is asked to confirm.
		reply = fmt.Sprintf("%s %s", reply, summarizeCart(effective, e.Config.Shop.Currency))
	}

	if err := e.applyTurn(ctx, session, effective, cartChanged, stateChanged, utterance, reply, actorID); err != nil {
		return TurnOutcome{}, err
	}
	return TurnOutcome{Session: *session, Reply: reply, Cart: effective}, nil
}

func (e *Engine) confirm(ctx context.Context, session *domain.Session, cart []domain.CartItem, utterance, actorID string) (TurnOutcome, error) {
	return e.confirmWithCart(ctx, session, cart, false, utterance, "", actorID)
}

func (e *Engine) confirmWithCart(ctx context.Context, session *domain.Session, cart []domain.CartItem, cartChanged bool, utterance, modelReply, actorID string) (TurnOutcome, error) {
	if len(cart) == 0 {
		reply := "Tu pedido está vacío. Dime qué te pongo."
		if err := e.persistTurn(ctx, session, utterance, reply, false); err != nil {
			return TurnOutcome{}, err
		}
		return TurnOutcome{Session: *session, Reply: reply, Cart: cart}, nil
	}

	order, err := e.Orders.Commit(ctx, orders.CommitOptions{
		SessionID:        session.ID,
		Cart:             cart,
		CustomerName:     session.CustomerName,
		CustomerPhone:    session.CustomerPhone,
		Notes:            session.Notes,
		EstimatedMinutes: session.EstimatedMinutes,
		ActorID:          actorID,
	})
	if err != nil {
		return TurnOutcome{}, err
	}

	session.State = "confirmed"
	session.OrderNumber = &order.Number
	reply := fmt.Sprintf("¡Pedido confirmado! Tu número es %s y el total son %s %s. Código de recogida: %s.",
		order.Number, order.Total, e.Config.Shop.Currency, order.PickupCode)
	if modelReply != "" {
		reply = modelReply + " " + reply
	}

	if err := e.applyTurn(ctx, session, cart, cartChanged, true, utterance, reply, actorID); err != nil {
		return TurnOutcome{}, err
	}
	e.Logger.Info("order committed",
		zap.String("session", session.ID),
		zap.String("number", order.Number),
		zap.String("total", order.Total))
	return TurnOutcome{Session: *session, Reply: reply, Cart: cart, Order: &order}, nil
}

// applyTurn writes the session, both turns, and any state events in one
// transaction.
func (e *Engine) applyTurn(ctx context.Context, session *domain.Session, cart []domain.CartItem, cartChanged, stateChanged bool, utterance, reply, actorID string) error {
	cartJSON, err := domain.MarshalCart(cart)
	if err != nil {
		return err
	}
	session.CartJSON = cartJSON
	session.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSessionTx(ctx, tx, *session); err != nil {
		return err
	}
	if err := e.insertTurns(ctx, tx, session.ID, utterance, reply); err != nil {
		return err
	}
	if cartChanged {
		if err := e.Events.Append(ctx, tx, "session.cart_updated", "session", session.ID, actorID, events.EventPayload{
			"items": len(cart),
		}); err != nil {
			return err
		}
	}
	if stateChanged {
		if err := e.Events.Append(ctx, tx, "session.state_changed", "session", session.ID, actorID, events.EventPayload{
			"state": session.State,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// persistTurn records the exchange without touching cart or state.
func (e *Engine) persistTurn(ctx context.Context, session *domain.Session, utterance, reply string, touch bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if touch {
		session.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateSessionTx(ctx, tx, *session); err != nil {
			return err
		}
	}
	if err := e.insertTurns(ctx, tx, session.ID, utterance, reply); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) insertTurns(ctx context.Context, tx *sql.Tx, sessionID, utterance, reply string) error {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertTurnTx(ctx, tx, domain.Turn{
		SessionID: sessionID, Role: "user", Content: utterance, CreatedAt: now,
	}); err != nil {
		return err
	}
	return e.Repo.InsertTurnTx(ctx, tx, domain.Turn{
		SessionID: sessionID, Role: "assistant", Content: reply, CreatedAt: now,
	})
}

func summarizeCart(cart []domain.CartItem, currency string) string {
	var total string
	if t, err := sumSubtotals(cart); err == nil {
		total = t
	}
	summary := "Entonces llevas: "
	for i, item := range cart {
		if i > 0 {
			summary += ", "
		}
		summary += fmt.Sprintf("%s (%s)", item.Name, item.Qty)
	}
	if total != "" {
		summary += fmt.Sprintf(". Serían %s %s.", total, currency)
	} else {
		summary += "."
	}
	return summary + " ¿Confirmas el pedido?"
}

func sumSubtotals(cart []domain.CartItem) (string, error) {
	var cents int64
	for _, item := range cart {
		v, err := strconv.ParseFloat(strings.TrimSpace(item.Subtotal), 64)
		if err != nil {
			return "", err
		}
		cents += int64(math.Round(v * 100))
	}
	return fmt.Sprintf("%d.%02d", cents/100, cents%100), nil
}
