package generator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/pkg/models"
)

// DefaultBasePrices seeds the random walk for the usual pairs.
var DefaultBasePrices = map[string]float64{
	"EUR/USD": 1.0850,
	"GBP/USD": 1.2700,
	"USD/JPY": 151.20,
	"AUD/USD": 0.6550,
	"USD/CAD": 1.3600,
	"USD/CHF": 0.8800,
	"NZD/USD": 0.6100,
	"EUR/GBP": 0.8550,
	"EUR/JPY": 164.00,
	"GBP/JPY": 192.00,
}

const (
	maxMoveBps = 5 // largest step away from the base price per tick
	spreadBps  = 1
)

// QuoteGenerator writes synthetic bid/ask quotes to Kafka as price_cache change rows.
type QuoteGenerator struct {
	logger      *zap.Logger
	writer      KafkaWriter
	symbols     []string
	basePrices  map[string]float64
	interval    time.Duration
	rand        Rand
	clock       Clock
	seqCounters map[string]int64
}

func NewQuoteGenerator(
	logger *zap.Logger,
	writer KafkaWriter,
	symbols []string,
	basePrices map[string]float64,
	interval time.Duration,
	rnd Rand,
	clock Clock,
) *QuoteGenerator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &QuoteGenerator{
		logger:      logger,
		writer:      writer,
		symbols:     symbols,
		basePrices:  basePrices,
		interval:    interval,
		rand:        rnd,
		clock:       clock,
		seqCounters: make(map[string]int64),
	}
}

func (g *QuoteGenerator) Run(ctx context.Context) {
	g.logger.Info("Generator Started", zap.Strings("symbols", g.symbols))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if len(g.symbols) == 0 {
				g.clock.Sleep(1 * time.Second)
				continue
			}

			symbol := g.symbols[g.rand.Intn(len(g.symbols))]
			quote := g.Next(symbol)

			payload, err := json.Marshal(quote)
			if err != nil {
				g.logger.Error("JSON Marshal Error", zap.Error(err))
				continue
			}

			err = g.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(symbol), // Key ensures partition ordering
				Value: payload,
			})
			if err != nil {
				g.logger.Error("Kafka Write Error", zap.Error(err))
			} else {
				g.logger.Debug("Sent quote", zap.String("symbol", symbol), zap.Float64("mid", quote.Mid))
			}

			g.clock.Sleep(g.interval)
		}
	}
}

// Next builds the next quote for symbol around its base price.
func (g *QuoteGenerator) Next(symbol string) models.PriceSnapshot {
	base, ok := g.basePrices[symbol]
	if !ok {
		base = 1.0
	}
	baseD := decimal.NewFromFloat(base)
	bps := decimal.New(1, -4)

	// rand in [0,1) maps to a move in [-maxMoveBps, +maxMoveBps)
	move := decimal.NewFromFloat(g.rand.Float64()*2 - 1).Mul(decimal.NewFromInt(maxMoveBps)).Mul(bps)
	places := pricePlaces(symbol)
	mid := baseD.Add(baseD.Mul(move)).Round(places)
	halfSpread := baseD.Mul(bps).Mul(decimal.NewFromInt(spreadBps)).Div(decimal.NewFromInt(2))

	g.seqCounters[symbol]++

	return models.PriceSnapshot{
		Symbol:    symbol,
		Mid:       mid.InexactFloat64(),
		Bid:       mid.Sub(halfSpread).Round(places + 1).InexactFloat64(),
		Ask:       mid.Add(halfSpread).Round(places + 1).InexactFloat64(),
		Change:    mid.Sub(baseD).Div(baseD).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64(),
		Timestamp: g.clock.Now().UTC(),
		SeqID:     g.seqCounters[symbol],
	}
}

// pricePlaces is the quoting precision: yen crosses are quoted to 3 places, others to 5.
func pricePlaces(symbol string) int32 {
	if strings.HasSuffix(symbol, "/JPY") {
		return 3
	}
	return 5
}
