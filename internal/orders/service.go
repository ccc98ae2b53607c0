// Package orders turns confirmed carts into durable orders and walks
// them through the preparation workflow.
package orders

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mostrador/internal/domain"
	"mostrador/internal/events"
	"mostrador/internal/inventory"
	"mostrador/internal/repo"
)

// ErrConflict means a unique order number could not be generated.
var ErrConflict = errors.New("order number conflict")

// ErrInvalidTransition means the requested status change is not allowed
// from the order's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrBadPickupCode means the presented pickup code does not match.
var ErrBadPickupCode = errors.New("pickup code mismatch")

// ErrCartTooLarge means the cart has more lines than one order accepts.
var ErrCartTooLarge = errors.New("cart exceeds the maximum line count")

const (
	numberAttempts  = 5
	defaultMaxLines = 40
)

// Service commits and manages orders. Now and Suffix are injectable so
// tests can pin timestamps and force number collisions. Catalog is the
// price authority used to match order lines back to products.
type Service struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Catalog  *inventory.Builder
	MaxLines int
	Logger   *zap.Logger
	Now      func() time.Time
	Suffix   func() string
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s Service) suffix() string {
	if s.Suffix != nil {
		return s.Suffix()
	}
	return randomBase36(4)
}

func (s Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s Service) maxLines() int {
	if s.MaxLines > 0 {
		return s.MaxLines
	}
	return defaultMaxLines
}

// CommitOptions describes a confirmed cart ready to become an order.
type CommitOptions struct {
	SessionID        string
	Cart             []domain.CartItem
	CustomerName     *string
	CustomerPhone    *string
	Notes            *string
	EstimatedMinutes *int
	ActorID          string
}

// Commit persists the order header inside a transaction, then records
// the order lines best effort. The total is always recomputed from the
// cart lines; any total the conversation produced is ignored.
func (s Service) Commit(ctx context.Context, opts CommitOptions) (domain.Order, error) {
	if len(opts.Cart) == 0 {
		return domain.Order{}, errors.New("cart is empty")
	}
	if limit := s.maxLines(); len(opts.Cart) > limit {
		return domain.Order{}, fmt.Errorf("%w: %d lines, limit %d", ErrCartTooLarge, len(opts.Cart), limit)
	}
	total, err := recomputeTotal(opts.Cart)
	if err != nil {
		return domain.Order{}, err
	}
	cartJSON, err := domain.MarshalCart(opts.Cart)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now().UTC().Format(time.RFC3339)
	var order domain.Order
	for attempt := 1; attempt <= numberAttempts; attempt++ {
		order = domain.Order{
			ID:               uuid.NewString(),
			Number:           s.generateNumber(),
			SessionID:        opts.SessionID,
			CustomerName:     opts.CustomerName,
			CustomerPhone:    opts.CustomerPhone,
			Total:            total,
			Status:           "pending",
			PickupCode:       randomDigits(6),
			CartJSON:         cartJSON,
			Notes:            opts.Notes,
			EstimatedMinutes: opts.EstimatedMinutes,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err = s.insertOrder(ctx, order, opts.ActorID)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) {
			return domain.Order{}, err
		}
		s.logger().Warn("order number collision, retrying",
			zap.String("number", order.Number),
			zap.Int("attempt", attempt))
		if attempt == numberAttempts {
			return domain.Order{}, fmt.Errorf("%w after %d attempts", ErrConflict, numberAttempts)
		}
	}

	s.recordLines(ctx, order, opts.Cart)
	return order, nil
}

func (s Service) insertOrder(ctx context.Context, order domain.Order, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertOrderTx(ctx, tx, order); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "order.created", "order", order.ID, actorID, events.EventPayload{
		"number": order.Number,
		"total":  order.Total,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recordLines inserts one row per cart item after the header commit.
// Each item is matched against the catalog snapshot by folded name so
// the shop can trace lines back to products; unknown names keep a null
// product. Failures here never surface to the customer.
func (s Service) recordLines(ctx context.Context, order domain.Order, cart []domain.CartItem) {
	var snap *inventory.Snapshot
	if s.Catalog != nil {
		var err error
		snap, err = s.Catalog.Snapshot(ctx)
		if err != nil {
			s.logger().Warn("catalog snapshot unavailable for order lines",
				zap.String("order", order.Number),
				zap.Error(err))
		}
	}
	for _, item := range cart {
		var productID *string
		if snap != nil {
			if entry, ok := snap.Lookup(item.Name); ok {
				id := entry.ProductID
				productID = &id
			}
		}
		line := domain.OrderLine{
			OrderID:   order.ID,
			ProductID: productID,
			Name:      item.Name,
			Qty:       item.Qty,
			Subtotal:  item.Subtotal,
		}
		if err := s.Repo.InsertOrderLine(ctx, line); err != nil {
			s.logger().Warn("order line insert failed",
				zap.String("order", order.Number),
				zap.String("name", item.Name),
				zap.Error(err))
		}
	}
}

func (s Service) generateNumber() string {
	return fmt.Sprintf("M-%s-%s", s.now().UTC().Format("20060102150405"), s.suffix())
}

// recomputeTotal sums the cart line subtotals in integer cents, each
// line rounded half up to two decimals first.
func recomputeTotal(cart []domain.CartItem) (string, error) {
	var cents int64
	for _, item := range cart {
		v, err := strconv.ParseFloat(strings.TrimSpace(item.Subtotal), 64)
		if err != nil {
			return "", fmt.Errorf("line %q has invalid subtotal %q", item.Name, item.Subtotal)
		}
		if v < 0 {
			return "", fmt.Errorf("line %q has negative subtotal", item.Name)
		}
		cents += int64(math.Round(v * 100))
	}
	return fmt.Sprintf("%d.%02d", cents/100, cents%100), nil
}

// Transition moves an order through its preparation workflow.
func (s Service) Transition(ctx context.Context, number, status, actorID string) (domain.Order, error) {
	order, err := s.Repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return domain.Order{}, err
	}
	if err := ensureOrderTransition(order.Status, status); err != nil {
		return domain.Order{}, err
	}
	return s.applyStatus(ctx, order, status, actorID)
}

// Complete hands the order over at pickup. The presented code must
// match the one generated at commit time.
func (s Service) Complete(ctx context.Context, number, pickupCode, actorID string) (domain.Order, error) {
	order, err := s.Repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return domain.Order{}, err
	}
	if err := ensureOrderTransition(order.Status, "completed"); err != nil {
		return domain.Order{}, err
	}
	if strings.TrimSpace(pickupCode) != order.PickupCode {
		return domain.Order{}, ErrBadPickupCode
	}
	return s.applyStatus(ctx, order, "completed", actorID)
}

func (s Service) applyStatus(ctx context.Context, order domain.Order, status, actorID string) (domain.Order, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	updatedAt := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateOrderStatusTx(ctx, tx, order.ID, status, updatedAt); err != nil {
		return domain.Order{}, err
	}
	if err := s.Events.Append(ctx, tx, "order.status_changed", "order", order.ID, actorID, events.EventPayload{
		"number": order.Number,
		"from":   order.Status,
		"to":     status,
	}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	order.Status = status
	order.UpdatedAt = updatedAt
	return order, nil
}

func ensureOrderTransition(from, to string) error {
	allowed := map[string][]string{
		"pending":   {"preparing", "cancelled"},
		"preparing": {"ready", "cancelled"},
		"ready":     {"completed"},
	}
	for _, candidate := range allowed[from] {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in serious trouble.
		panic(err)
	}
	for i := range buf {
		buf[i] = base36Alphabet[int(buf[i])%36]
	}
	return string(buf)
}

func randomDigits(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i := range buf {
		buf[i] = '0' + buf[i]%10
	}
	return string(buf)
}
