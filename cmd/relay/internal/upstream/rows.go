package upstream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/poscalfx/price-relay/pkg/models"
)

var errMissingSymbol = errors.New("price row has no symbol")

// parseRow decodes a price_cache row as published by the processor or a NOTIFY trigger.
func parseRow(symbol string, payload []byte) (models.PriceSnapshot, error) {
	var row models.PriceSnapshot
	if err := json.Unmarshal(payload, &row); err != nil {
		return models.PriceSnapshot{}, fmt.Errorf("decode price row: %w", err)
	}
	if row.Symbol == "" {
		return models.PriceSnapshot{}, errMissingSymbol
	}
	if row.Symbol != symbol {
		return models.PriceSnapshot{}, fmt.Errorf("row for %s arrived on the %s feed", row.Symbol, symbol)
	}

	if row.Mid == 0 && row.Bid > 0 && row.Ask > 0 {
		row.Mid = MidPrice(decimal.NewFromFloat(row.Bid), decimal.NewFromFloat(row.Ask)).InexactFloat64()
	}
	return row, nil
}
