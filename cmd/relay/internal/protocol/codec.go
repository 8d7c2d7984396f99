package protocol

import (
	"encoding/json"
	"time"

	"github.com/poscalfx/price-relay/pkg/models"
)

// Codec encodes server-initiated messages for one downstream protocol. Implementations
// are comparable so a broadcast can encode once per codec.
type Codec interface {
	Name() string
	EncodeUpdate(p models.PriceSnapshot) ([]byte, error)
	EncodeError(symbol, message string) ([]byte, error)
}

var (
	_ Codec = RelayCodec{}
	_ Codec = GatewayCodec{}
)

type RelayCodec struct{}

func (RelayCodec) Name() string { return "relay" }

func (RelayCodec) EncodeUpdate(p models.PriceSnapshot) ([]byte, error) {
	return json.Marshal(UpdateMessage{Type: TypeUpdate, Symbol: p.Symbol, PriceFields: Fields(p)})
}

func (RelayCodec) EncodeError(symbol, message string) ([]byte, error) {
	return json.Marshal(ErrorMessage{Type: TypeError, Symbol: symbol, Message: message})
}

// EncodeInit builds the full-cache message sent when a relay session becomes active.
func (RelayCodec) EncodeInit(prices map[string]models.PriceSnapshot) ([]byte, error) {
	msg := InitMessage{Type: TypeInit, Prices: make(map[string]PriceFields, len(prices))}
	for sym, p := range prices {
		msg.Prices[sym] = Fields(p)
	}
	return json.Marshal(msg)
}

type GatewayCodec struct{}

func (GatewayCodec) Name() string { return "gateway" }

func (GatewayCodec) EncodeUpdate(p models.PriceSnapshot) ([]byte, error) {
	return json.Marshal(PriceUpdateEvent{
		Event:     EventPriceUpdate,
		Symbol:    p.Symbol,
		Price:     p.LastPrice(),
		Change:    p.Change,
		Timestamp: p.Timestamp.UnixMilli(),
	})
}

// EncodeError omits the symbol: gateway clients only get the message text.
func (GatewayCodec) EncodeError(_, message string) ([]byte, error) {
	return json.Marshal(ErrorEvent{Event: EventError, Message: message})
}

func Fields(p models.PriceSnapshot) PriceFields {
	return PriceFields{
		Mid:       p.Mid,
		Ask:       p.Ask,
		Bid:       p.Bid,
		Timestamp: p.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
