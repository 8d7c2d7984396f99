package models

import "time"

// PriceSnapshot is the latest known quote for a symbol. The JSON shape matches a
// price_cache row so the same payload travels through Kafka, Redis and Postgres NOTIFY.
type PriceSnapshot struct {
	Symbol    string    `json:"symbol"`
	Mid       float64   `json:"mid_price"`
	Ask       float64   `json:"ask_price"`
	Bid       float64   `json:"bid_price"`
	Price     float64   `json:"price,omitempty"`  // last traded price (ticker feeds)
	Change    float64   `json:"change,omitempty"` // 24h change in percent
	Timestamp time.Time `json:"timestamp"`
	SeqID     int64     `json:"seq_id,omitempty"` // monotonic counter per symbol, 0 when the feed has none
}

// OlderThan reports whether p must not replace other in a cache.
func (p PriceSnapshot) OlderThan(other PriceSnapshot) bool {
	if p.Timestamp.Equal(other.Timestamp) {
		return p.SeqID < other.SeqID
	}
	return p.Timestamp.Before(other.Timestamp)
}

// LastPrice is the single price shown to ticker-style clients.
func (p PriceSnapshot) LastPrice() float64 {
	if p.Price != 0 {
		return p.Price
	}
	return p.Mid
}
