package protocol

import "fmt"

// Relay protocol (/ws): JSON envelopes discriminated by "type".
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeInit        = "init"
	TypeUpdate      = "update"
	TypeSubscribed  = "subscribed"
	TypeError       = "error"
)

// Gateway protocol (/forex): event envelopes carrying a bare symbol, or the token for
// "auth".
const (
	EventAuth         = "auth"
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPriceUpdate  = "price_update"
	EventError        = "error"
)

// Close codes sent to downstream clients.
const (
	CloseInvalidToken = 4003
)

type RelayRequest struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

type PriceFields struct {
	Mid       float64 `json:"mid_price"`
	Ask       float64 `json:"ask_price"`
	Bid       float64 `json:"bid_price"`
	Timestamp string  `json:"timestamp"`
}

type InitMessage struct {
	Type   string                 `json:"type"`
	Prices map[string]PriceFields `json:"prices"`
}

type UpdateMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	PriceFields
}

type AuthResult struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

// SubscribedMessage echoes the resulting filter; a nil Symbols encodes as null ("all").
type SubscribedMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message"`
}

type GatewayRequest struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

type AuthEvent struct {
	Event string `json:"event"`
	OK    bool   `json:"ok"`
}

type PriceUpdateEvent struct {
	Event     string  `json:"event"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

type AckEvent struct {
	Event  string `json:"event"`
	Symbol string `json:"symbol"`
}

type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func UnsupportedSymbol(symbol string) string {
	return fmt.Sprintf("Symbol %s not supported", symbol)
}

func UnavailableSymbol(symbol string) string {
	return fmt.Sprintf("Symbol %s temporarily unavailable", symbol)
}
