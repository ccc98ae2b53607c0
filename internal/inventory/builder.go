// Package inventory renders the available catalog into the textual
// context fed to the assistant, with a short-lived cache in front.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mostrador/internal/domain"
	"mostrador/internal/repo"
)

// PriceEntry lets the commit path map a cart line back to a product.
type PriceEntry struct {
	ProductID string
	Name      string
	Price     string
	Unit      string
}

// Snapshot is one rendered view of the available catalog.
type Snapshot struct {
	Text    string
	Prices  map[string]PriceEntry // keyed by folded product name
	BuiltAt time.Time
}

// Lookup returns the price entry for a product name, folding it first.
func (s *Snapshot) Lookup(name string) (PriceEntry, bool) {
	entry, ok := s.Prices[domain.Fold(name)]
	return entry, ok
}

// Builder caches catalog snapshots for TTL and rebuilds on demand.
// Invalidate drops the cache after any product or category mutation.
type Builder struct {
	Repo     repo.Repo
	Currency string
	TTL      time.Duration
	Now      func() time.Time

	mu      sync.Mutex
	cached  *Snapshot
	expires time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now().UTC()
}

// Snapshot returns the cached view when fresh, otherwise rebuilds it.
func (b *Builder) Snapshot(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	if b.cached != nil && b.now().Before(b.expires) {
		snap := b.cached
		b.mu.Unlock()
		return snap, nil
	}
	b.mu.Unlock()

	snap, err := b.build(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cached = snap
	b.expires = snap.BuiltAt.Add(b.TTL)
	b.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot so the next call rebuilds.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	b.cached = nil
	b.mu.Unlock()
}

func (b *Builder) build(ctx context.Context) (*Snapshot, error) {
	categories, err := b.Repo.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	products, err := b.Repo.ListProducts(ctx, repo.ProductFilters{AvailableOnly: true})
	if err != nil {
		return nil, err
	}

	byCategory := make(map[string][]domain.Product)
	var uncategorized []domain.Product
	for _, p := range products {
		if p.CategoryID == nil {
			uncategorized = append(uncategorized, p)
			continue
		}
		byCategory[*p.CategoryID] = append(byCategory[*p.CategoryID], p)
	}

	sort.SliceStable(categories, func(i, j int) bool {
		if categories[i].Position != categories[j].Position {
			return categories[i].Position < categories[j].Position
		}
		return categories[i].Name < categories[j].Name
	})

	var sb strings.Builder
	prices := make(map[string]PriceEntry, len(products))
	writeGroup := func(title string, items []domain.Product) {
		if len(items) == 0 {
			return
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		fmt.Fprintf(&sb, "%s:\n", title)
		for _, p := range items {
			fmt.Fprintf(&sb, "- %s: %s %s/%s", p.Name, p.Price, b.Currency, p.Unit)
			if p.Note != "" {
				fmt.Fprintf(&sb, " (%s)", p.Note)
			}
			sb.WriteByte('\n')
			prices[domain.Fold(p.Name)] = PriceEntry{
				ProductID: p.ID,
				Name:      p.Name,
				Price:     p.Price,
				Unit:      p.Unit,
			}
		}
	}
	for _, c := range categories {
		writeGroup(c.Name, byCategory[c.ID])
	}
	writeGroup("Otros", uncategorized)
	if sb.Len() == 0 {
		sb.WriteString("(sin productos disponibles hoy)\n")
	}

	return &Snapshot{
		Text:    sb.String(),
		Prices:  prices,
		BuiltAt: b.now(),
	}, nil
}
