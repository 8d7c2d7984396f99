package hub

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/relay/internal/protocol"
	"github.com/poscalfx/price-relay/pkg/models"
)

var (
	ErrUnsupportedSymbol = errors.New("symbol not supported")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrSessionClosed     = errors.New("session closed")
)

// Session is one downstream connection as seen by the hub.
type Session interface {
	ID() string
	Codec() protocol.Codec
	// Send queues msg without blocking. A non-nil error means the message was dropped.
	Send(msg []byte) error
	Close()
}

// Upstream is the connector side of the hub: one feed per symbol, opened and closed on demand.
type Upstream interface {
	// Bind registers the callbacks. onPrice gets a current func that reports whether the
	// connection the tick came from is still the live one for its symbol.
	Bind(onPrice func(p models.PriceSnapshot, current func() bool), onUnavailable func(symbol string, err error))
	Supports(symbol string) bool
	EnsureConnected(symbol string) error
	Teardown(symbol string)
}

type sessionState struct {
	symbols  map[string]struct{}
	wildcard bool // no filter: receives every symbol without holding a reference
	joinedAt time.Time
}

// Hub is the subscription registry. The interest sets, and the connector calls they
// trigger, change under one lock so a symbol never ends up with interest and no feed
// or a feed and no interest.
type Hub struct {
	upstream Upstream
	fanout   Fanout
	logger   *zap.Logger

	mu          sync.RWMutex
	sessions    map[Session]*sessionState
	subscribers map[string]map[Session]struct{} // len is the symbol's reference count
	wildcards   map[Session]struct{}
	prices      map[string]models.PriceSnapshot
}

func NewHub(upstream Upstream, fanout Fanout, logger *zap.Logger) *Hub {
	h := &Hub{
		upstream:    upstream,
		fanout:      fanout,
		logger:      logger,
		sessions:    make(map[Session]*sessionState),
		subscribers: make(map[string]map[Session]struct{}),
		wildcards:   make(map[Session]struct{}),
		prices:      make(map[string]models.PriceSnapshot),
	}

	upstream.Bind(h.recordFeedPrice, h.Unavailable)

	return h
}

type initEncoder interface {
	EncodeInit(prices map[string]models.PriceSnapshot) ([]byte, error)
}

// Join registers s. Wildcard sessions start unfiltered; codecs that support it get the
// full price cache straight away.
func (h *Hub) Join(s Session, wildcard bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s]; ok {
		return
	}
	h.sessions[s] = &sessionState{
		symbols:  make(map[string]struct{}),
		wildcard: wildcard,
		joinedAt: time.Now(),
	}
	if wildcard {
		h.wildcards[s] = struct{}{}
	}

	if enc, ok := s.Codec().(initEncoder); ok {
		msg, err := enc.EncodeInit(h.prices)
		if err != nil {
			h.logger.Error("Failed to encode init", zap.Error(err))
			return
		}
		h.send(s, msg)
	}
}

// Subscribe adds symbol to the session's interest set and returns the cached price, if any.
func (h *Hub) Subscribe(s Session, symbol string) (*models.PriceSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[s]
	if !ok {
		return nil, ErrSessionClosed
	}
	return h.subscribeLocked(s, st, symbol)
}

// Unsubscribe removes symbol from the session's interest set.
func (h *Hub) Unsubscribe(s Session, symbol string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[s]
	if !ok {
		return false
	}
	return h.unsubscribeLocked(s, st, symbol)
}

// Replace swaps the session's whole filter. An empty list means "all symbols".
// accepted is nil for the unfiltered case.
func (h *Hub) Replace(s Session, symbols []string) (accepted, rejected []string, cached []models.PriceSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[s]
	if !ok {
		return nil, nil, nil
	}
	return h.replaceLocked(s, st, symbols)
}

// ReleaseAll forgets the session. Safe to call more than once.
func (h *Hub) ReleaseAll(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[s]
	if !ok {
		return
	}
	for sym := range st.symbols {
		h.unsubscribeLocked(s, st, sym)
	}
	delete(h.wildcards, s)
	delete(h.sessions, s)
}

// RecordPrice is the only write path for the price cache. Stale snapshots are dropped;
// fresh ones are cached then fanned out.
func (h *Hub) RecordPrice(p models.PriceSnapshot) {
	h.recordFeedPrice(p, nil)
}

// recordFeedPrice checks current under the lock that Teardown runs under, so a tick
// from a torn-down connection is never cached or fanned out.
func (h *Hub) recordFeedPrice(p models.PriceSnapshot, current func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current != nil && !current() {
		h.logger.Debug("Dropping price from closed upstream", zap.String("symbol", p.Symbol))
		return
	}
	if cur, ok := h.prices[p.Symbol]; ok && p.OlderThan(cur) {
		h.logger.Debug("Dropping stale price", zap.String("symbol", p.Symbol), zap.Time("ts", p.Timestamp), zap.Time("cached_ts", cur.Timestamp))
		return
	}
	h.prices[p.Symbol] = p

	h.dispatchLocked(p)
}

// Unavailable tells the symbol's subscribers the feed could not be opened.
func (h *Hub) Unavailable(symbol string, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.logger.Warn("Symbol temporarily unavailable", zap.String("symbol", symbol), zap.Error(err))

	for s := range h.subscribers[symbol] {
		msg, encErr := s.Codec().EncodeError(symbol, protocol.UnavailableSymbol(symbol))
		if encErr != nil {
			continue
		}
		h.send(s, msg)
	}
}

// Snapshot copies the price cache.
func (h *Hub) Snapshot() map[string]models.PriceSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]models.PriceSnapshot, len(h.prices))
	for k, v := range h.prices {
		out[k] = v
	}
	return out
}

func (h *Hub) RefCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[symbol])
}

type Stats struct {
	Sessions  int            `json:"sessions"`
	Wildcards int            `json:"wildcards"`
	Symbols   map[string]int `json:"symbols"`
	Cached    []string       `json:"cached"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{
		Sessions:  len(h.sessions),
		Wildcards: len(h.wildcards),
		Symbols:   make(map[string]int, len(h.subscribers)),
		Cached:    make([]string, 0, len(h.prices)),
	}
	for sym, subs := range h.subscribers {
		st.Symbols[sym] = len(subs)
	}
	for sym := range h.prices {
		st.Cached = append(st.Cached, sym)
	}
	sort.Strings(st.Cached)
	return st
}

// CloseAll closes every session and releases its interest.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]Session, 0, len(h.sessions))
	for s, st := range h.sessions {
		for sym := range st.symbols {
			h.unsubscribeLocked(s, st, sym)
		}
		sessions = append(sessions, s)
	}
	h.sessions = make(map[Session]*sessionState)
	h.wildcards = make(map[Session]struct{})
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (h *Hub) subscribeLocked(s Session, st *sessionState, symbol string) (*models.PriceSnapshot, error) {
	if !h.upstream.Supports(symbol) {
		return nil, ErrUnsupportedSymbol
	}

	if _, ok := st.symbols[symbol]; !ok {
		if st.wildcard {
			st.wildcard = false
			delete(h.wildcards, s)
		}
		st.symbols[symbol] = struct{}{}
		if h.subscribers[symbol] == nil {
			h.subscribers[symbol] = make(map[Session]struct{})
		}
		h.subscribers[symbol][s] = struct{}{}
	}

	// Idempotent; also re-opens a feed the connector gave up on.
	if err := h.upstream.EnsureConnected(symbol); err != nil {
		h.logger.Error("Failed to subscribe upstream", zap.String("symbol", symbol), zap.Error(err))
	}

	if p, ok := h.prices[symbol]; ok {
		return &p, nil
	}
	return nil, nil
}

func (h *Hub) unsubscribeLocked(s Session, st *sessionState, symbol string) bool {
	if _, ok := st.symbols[symbol]; !ok {
		return false
	}
	delete(st.symbols, symbol)

	subs := h.subscribers[symbol]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.subscribers, symbol)
		h.upstream.Teardown(symbol)
	}
	return true
}

func (h *Hub) replaceLocked(s Session, st *sessionState, symbols []string) (accepted, rejected []string, cached []models.PriceSnapshot) {
	want := make(map[string]struct{}, len(symbols))
	if len(symbols) > 0 {
		accepted = make([]string, 0, len(symbols))
		st.wildcard = false
		delete(h.wildcards, s)
	}

	// Add before removing so a symbol present in both sets keeps its feed.
	for _, sym := range symbols {
		if _, dup := want[sym]; dup {
			continue
		}
		p, err := h.subscribeLocked(s, st, sym)
		if err != nil {
			rejected = append(rejected, sym)
			continue
		}
		want[sym] = struct{}{}
		accepted = append(accepted, sym)
		if p != nil {
			cached = append(cached, *p)
		}
	}

	for sym := range st.symbols {
		if _, keep := want[sym]; !keep {
			h.unsubscribeLocked(s, st, sym)
		}
	}

	if len(symbols) == 0 {
		st.wildcard = true
		h.wildcards[s] = struct{}{}
	}
	return accepted, rejected, cached
}

func (h *Hub) dispatchLocked(p models.PriceSnapshot) {
	encoded := make(map[protocol.Codec][]byte, 2)

	h.fanout(h, p.Symbol, func(s Session) {
		codec := s.Codec()
		msg, ok := encoded[codec]
		if !ok {
			var err error
			msg, err = codec.EncodeUpdate(p)
			if err != nil {
				h.logger.Error("Failed to encode update", zap.String("codec", codec.Name()), zap.Error(err))
			}
			encoded[codec] = msg
		}
		if msg == nil {
			return
		}
		h.send(s, msg)
	})
}

// send is best-effort: a failed send is logged and dropped, never retried.
func (h *Hub) send(s Session, msg []byte) {
	if err := s.Send(msg); err != nil {
		h.logger.Debug("Dropped message", zap.String("session", s.ID()), zap.Error(err))
	}
}

func (h *Hub) sendJSON(s Session, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	h.send(s, b)
}

func (h *Hub) sendUpdate(s Session, p models.PriceSnapshot) {
	msg, err := s.Codec().EncodeUpdate(p)
	if err != nil {
		h.logger.Error("Failed to encode update", zap.Error(err))
		return
	}
	h.send(s, msg)
}

func (h *Hub) sendError(s Session, symbol, message string) {
	msg, err := s.Codec().EncodeError(symbol, message)
	if err != nil {
		return
	}
	h.send(s, msg)
}
