package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/poscalfx/price-relay/pkg/models"
)

var _ Source = (*BinanceSource)(nil)

// BinanceSource opens one public ticker stream per symbol.
type BinanceSource struct {
	baseURL string
	apiKey  string
	dialer  *websocket.Dialer
}

func NewBinanceSource(baseURL, apiKey string) *BinanceSource {
	return &BinanceSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) StreamURL(channel string) string {
	return fmt.Sprintf("%s/ws/%s@ticker", s.baseURL, strings.ToLower(channel))
}

func (s *BinanceSource) Dial(ctx context.Context, _, channel string) (Stream, error) {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("X-MBX-APIKEY", s.apiKey)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.StreamURL(channel), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(64 * 1024)
	return &wsStream{conn: conn}, nil
}

func (s *BinanceSource) Close() error { return nil }

// Parse reads the 24h ticker. Keys are matched exactly because the payload reuses
// letters in both cases ("c" close price, "C" close time).
func (s *BinanceSource) Parse(symbol string, payload []byte) (models.PriceSnapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return models.PriceSnapshot{}, fmt.Errorf("decode ticker: %w", err)
	}

	last, err := decimalField(fields, "c")
	if err != nil {
		return models.PriceSnapshot{}, err
	}
	change, err := decimalField(fields, "P")
	if err != nil {
		change = decimal.Zero
	}

	snap := models.PriceSnapshot{
		Symbol:    symbol,
		Price:     last.InexactFloat64(),
		Change:    change.InexactFloat64(),
		Mid:       last.InexactFloat64(),
		Timestamp: time.Now().UTC(),
	}

	bid, bidErr := decimalField(fields, "b")
	ask, askErr := decimalField(fields, "a")
	if bidErr == nil && askErr == nil && bid.IsPositive() && ask.IsPositive() {
		snap.Bid = bid.InexactFloat64()
		snap.Ask = ask.InexactFloat64()
		snap.Mid = MidPrice(bid, ask).InexactFloat64()
	}

	if raw, ok := fields["E"]; ok {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
			snap.Timestamp = time.UnixMilli(ms).UTC()
		}
	}

	return snap, nil
}

func decimalField(fields map[string]json.RawMessage, key string) (decimal.Decimal, error) {
	raw, ok := fields[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("ticker field %q missing", key)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return decimal.Zero, fmt.Errorf("ticker field %q: %w", key, err)
	}
	d, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker field %q: %w", key, err)
	}
	return d, nil
}

// MidPrice is the arithmetic mean of bid and ask.
func MidPrice(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(_ context.Context) ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
