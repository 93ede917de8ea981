package market

import (
	"sync"
	"time"
)

// Quote is a bid/ask snapshot for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// Spread returns ask minus bid.
func (q Quote) Spread() float64 { return q.Ask - q.Bid }

// Store caches recent candles and the last quote per symbol.
// Writers are the gateway event callbacks; readers are the layer
// calculator and the position manager's price resolution loop.
type Store struct {
	mu        sync.RWMutex
	maxCached int
	candles   map[string][]Candle
	quotes    map[string]Quote
}

func NewStore(maxCached int) *Store {
	if maxCached <= 0 {
		maxCached = 200
	}
	return &Store{
		maxCached: maxCached,
		candles:   make(map[string][]Candle),
		quotes:    make(map[string]Quote),
	}
}

// AppendCandle adds one candle, dropping the oldest past the cache bound.
func (s *Store) AppendCandle(symbol string, c Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := append(s.candles[symbol], c)
	if len(window) > s.maxCached {
		window = window[len(window)-s.maxCached:]
	}
	s.candles[symbol] = window
}

// ReplaceCandles installs a full history snapshot for symbol.
func (s *Store) ReplaceCandles(symbol string, cs []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cs) > s.maxCached {
		cs = cs[len(cs)-s.maxCached:]
	}
	cp := make([]Candle, len(cs))
	copy(cp, cs)
	s.candles[symbol] = cp
}

// Candles returns up to limit most recent candles for symbol.
func (s *Store) Candles(symbol string, limit int) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := s.candles[symbol]
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	cp := make([]Candle, len(window))
	copy(cp, window)
	return cp
}

// SetQuote records the latest bid/ask for symbol.
func (s *Store) SetQuote(q Quote) {
	s.mu.Lock()
	s.quotes[q.Symbol] = q
	s.mu.Unlock()
}

// Quote returns the last cached quote for symbol, if any.
func (s *Store) Quote(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}
