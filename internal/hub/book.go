package hub

import (
	"sync"
	"time"

	"hyperagent/pkg/types"
)

// Mirror keeps the latest order-book snapshot per coin, fed from l2Book
// frames as they pass through the hub. Monitoring ticks and the executor
// read current prices from here instead of holding their own book
// subscriptions.
type Mirror struct {
	mu    sync.RWMutex
	books map[string]types.Book
}

func NewMirror() *Mirror {
	return &Mirror{books: make(map[string]types.Book)}
}

// Apply replaces the stored snapshot for the book's coin.
func (m *Mirror) Apply(book types.Book) {
	m.mu.Lock()
	m.books[BareCoin(book.Symbol)] = book
	m.mu.Unlock()
}

// BestBidAsk returns the top of book for a symbol. ok is false when no
// snapshot has arrived or either side is empty.
func (m *Mirror) BestBidAsk(symbol string) (bid, ask float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, found := m.books[BareCoin(symbol)]
	if !found || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, 0, false
	}
	return book.Bids[0].Px, book.Asks[0].Px, true
}

// MidPrice returns (bestBid + bestAsk) / 2 for a symbol.
func (m *Mirror) MidPrice(symbol string) (float64, bool) {
	bid, ask, ok := m.BestBidAsk(symbol)
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// IsStale reports whether the symbol's snapshot is older than maxAge or
// missing entirely.
func (m *Mirror) IsStale(symbol string, maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, found := m.books[BareCoin(symbol)]
	if !found || book.Time.IsZero() {
		return true
	}
	return time.Since(book.Time) > maxAge
}
