package hub

import (
	"errors"

	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/relay/internal/protocol"
)

// HandleRelay applies a relay-protocol control message. Replies and cached prices are
// queued while the lock is held so no newer update can overtake them.
func (h *Hub) HandleRelay(s Session, req protocol.RelayRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[s]
	if !ok {
		return
	}

	switch req.Type {
	case protocol.TypeSubscribe:
		if req.Symbols == nil {
			// Missing or null symbols; an explicit [] is what selects every symbol.
			h.logger.Debug("Ignoring subscribe without symbols", zap.String("session", s.ID()))
			return
		}
		accepted, rejected, cached := h.replaceLocked(s, st, req.Symbols)
		for _, sym := range rejected {
			h.sendError(s, sym, protocol.UnsupportedSymbol(sym))
		}
		h.sendJSON(s, protocol.SubscribedMessage{Type: protocol.TypeSubscribed, Symbols: accepted})
		for _, p := range cached {
			h.sendUpdate(s, p)
		}

	case protocol.TypeUnsubscribe:
		h.replaceLocked(s, st, nil)
		h.sendJSON(s, protocol.SubscribedMessage{Type: protocol.TypeSubscribed})

	default:
		h.logger.Debug("Ignoring relay message", zap.String("session", s.ID()), zap.String("type", req.Type))
	}
}

// HandleGateway applies a gateway-protocol event for a single symbol.
func (h *Hub) HandleGateway(s Session, req protocol.GatewayRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[s]
	if !ok {
		return
	}

	switch req.Event {
	case protocol.EventSubscribe:
		cached, err := h.subscribeLocked(s, st, req.Data)
		if errors.Is(err, ErrUnsupportedSymbol) {
			h.sendError(s, req.Data, protocol.UnsupportedSymbol(req.Data))
			return
		}
		h.sendJSON(s, protocol.AckEvent{Event: protocol.EventSubscribed, Symbol: req.Data})
		if cached != nil {
			h.sendUpdate(s, *cached)
		}

	case protocol.EventUnsubscribe:
		if h.unsubscribeLocked(s, st, req.Data) {
			h.sendJSON(s, protocol.AckEvent{Event: protocol.EventUnsubscribed, Symbol: req.Data})
		}

	default:
		h.logger.Debug("Ignoring gateway event", zap.String("session", s.ID()), zap.String("event", req.Event))
	}
}
